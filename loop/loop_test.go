package loop

import (
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/test"
)

// startLoop runs a new Loop on its own goroutine and returns it along with a
// channel closed when Run returns.
func startLoop(t *testing.T, logger *log.Logger) (*Loop, chan struct{}) {
	t.Helper()
	l := New(clock.New(), logger)
	finished := make(chan struct{})
	go func() {
		l.Run()
		close(finished)
	}()
	return l, finished
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPostRunsInOrder(t *testing.T) {
	l, finished := startLoop(t, log.New(os.Stdout, "", log.LstdFlags))
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			got = append(got, i)
			if i == 4 {
				close(done)
			}
		})
	}
	waitFor(t, done, "posted tasks")

	for i, v := range got {
		if v != i {
			t.Fatalf("Expected tasks to run in submission order, got %v", got)
		}
	}
}

func TestRunAfterOrdersByDeadline(t *testing.T) {
	l, finished := startLoop(t, log.New(os.Stdout, "", log.LstdFlags))
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	var got []string
	done := make(chan struct{})
	l.RunAfter(60*time.Millisecond, func() {
		got = append(got, "late")
		close(done)
	})
	l.RunAfter(10*time.Millisecond, func() { got = append(got, "early") })
	l.Post(func() { got = append(got, "now") })
	waitFor(t, done, "delayed tasks")

	expected := []string{"now", "early", "late"}
	if strings.Join(got, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected task order %v, got %v", expected, got)
	}
}

func TestNegativeDelayRunsImmediately(t *testing.T) {
	l, finished := startLoop(t, log.New(os.Stdout, "", log.LstdFlags))
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	done := make(chan struct{})
	l.RunAfter(-time.Hour, func() { close(done) })
	waitFor(t, done, "negative delay task")
}

func TestCancel(t *testing.T) {
	l, finished := startLoop(t, log.New(os.Stdout, "", log.LstdFlags))
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	var mu sync.Mutex
	ran := false
	task := l.RunAfter(20*time.Millisecond, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	if !task.Cancel() {
		t.Fatalf("Expected Cancel of a pending task to return true")
	}
	if task.Cancel() {
		t.Errorf("Expected second Cancel to return false")
	}

	done := make(chan struct{})
	l.RunAfter(60*time.Millisecond, func() { close(done) })
	waitFor(t, done, "sentinel task")

	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Errorf("Expected cancelled task not to run")
	}
}

func TestStop(t *testing.T) {
	l, finished := startLoop(t, log.New(os.Stdout, "", log.LstdFlags))

	ran := make(chan struct{}, 1)
	l.RunAfter(time.Hour, func() { ran <- struct{}{} })
	l.Stop()
	waitFor(t, finished, "loop to exit")

	// Stop is idempotent
	l.Stop()
	if !l.Stopped() {
		t.Errorf("Expected Stopped() to be true after Stop()")
	}

	// Tasks scheduled after Stop are never run and cannot be cancelled
	task := l.Post(func() { ran <- struct{}{} })
	if task.Cancel() {
		t.Errorf("Expected Cancel of a task posted after Stop to return false")
	}

	// Run on a stopped loop returns immediately
	l.Run()

	select {
	case <-ran:
		t.Errorf("Expected no task to run after Stop")
	default:
	}
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	var out test.SafeBuffer
	l, finished := startLoop(t, log.New(&out, "", 0))
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	done := make(chan struct{})
	l.Post(func() { panic("kaboom") })
	l.Post(func() { close(done) })
	waitFor(t, done, "task after panic")

	if !strings.Contains(out.String(), "[ERROR] loop : task panicked: kaboom") {
		t.Errorf("Expected panic to be logged, got %q", out.String())
	}
}

func TestFakeClockTimer(t *testing.T) {
	clk := clock.NewFake()
	l := New(clk, log.New(os.Stdout, "", log.LstdFlags))
	finished := make(chan struct{})

	done := make(chan struct{})
	l.RunAfter(time.Minute, func() { close(done) })
	go func() {
		l.Run()
		close(finished)
	}()
	defer func() {
		l.Stop()
		waitFor(t, finished, "loop to exit")
	}()

	// The loop arms its timer asynchronously, so keep advancing the fake clock
	// until the task fires.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatalf("timed out waiting for fake clock task")
		case <-time.After(5 * time.Millisecond):
			clk.Add(time.Minute)
		}
	}
}
