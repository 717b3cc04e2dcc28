// Package loop provides a single goroutine, cooperative task reactor. Every
// task handed to a Loop runs on the goroutine that called Run, one at a time,
// so state touched only from tasks needs no further synchronization.
package loop

import (
	"container/heap"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// Task is a unit of work scheduled on a Loop.
type Task struct {
	fn       func()
	deadline time.Time
	seq      uint64
	index    int

	// cancelled and ran are guarded by the owning Loop's mutex
	cancelled bool
	ran       bool
	loop      *Loop
}

// Cancel prevents the task from running. It returns false if the task
// already ran or was already cancelled.
func (t *Task) Cancel() bool {
	if t == nil || t.loop == nil {
		return false
	}
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.ran || t.cancelled {
		return false
	}
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&t.loop.tasks, t.index)
	}
	return true
}

// taskQueue is a container/heap ordered by deadline, then submission order.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Loop is a cooperative event loop. The zero value is not usable, create
// instances with New.
type Loop struct {
	clk    clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	tasks   taskQueue
	nextSeq uint64
	stopped bool

	// wake is signalled whenever the earliest deadline may have changed
	wake chan struct{}
	// done is closed by Stop
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop that reads time from clk and reports recovered task
// panics to logger. The loop does nothing until Run is called.
func New(clk clock.Clock, logger *log.Logger) *Loop {
	return &Loop{
		clk:    clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// RunAfter schedules fn to run on the loop once delay has elapsed. Negative
// delays are treated as zero. RunAfter may be called from any goroutine,
// including from a task running on the loop. Tasks scheduled after Stop never
// run.
func (l *Loop) RunAfter(delay time.Duration, fn func()) *Task {
	if delay < 0 {
		delay = 0
	}
	t := &Task{
		fn:       fn,
		deadline: l.clk.Now().Add(delay),
		index:    -1,
		loop:     l,
	}

	l.mu.Lock()
	if l.stopped {
		t.cancelled = true
		l.mu.Unlock()
		return t
	}
	t.seq = l.nextSeq
	l.nextSeq++
	heap.Push(&l.tasks, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t
}

// Post schedules fn to run on the loop as soon as possible, after any task
// already due.
func (l *Loop) Post(fn func()) *Task {
	return l.RunAfter(0, fn)
}

// Stop halts the loop. Pending tasks are discarded and Run returns after the
// task it is currently executing, if any, finishes. Stop is idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		for _, t := range l.tasks {
			t.cancelled = true
			t.index = -1
		}
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Stopped returns true once Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Run executes tasks on the calling goroutine until Stop is called.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		wait, ok := l.runDue()
		if !ok {
			// Nothing pending: block until something is scheduled or we stop.
			select {
			case <-l.done:
				return
			case <-l.wake:
			}
			continue
		}
		if wait == 0 {
			continue
		}

		timer := l.clk.NewTimer(wait)
		select {
		case <-l.done:
			timer.Stop()
			return
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runDue pops and runs at most one task whose deadline has passed. It returns
// how long to wait for the next deadline (zero if another task may already be
// due) and false when there is nothing pending at all.
func (l *Loop) runDue() (time.Duration, bool) {
	l.mu.Lock()
	if l.stopped || len(l.tasks) == 0 {
		l.mu.Unlock()
		return 0, false
	}
	next := l.tasks[0]
	now := l.clk.Now()
	if next.deadline.After(now) {
		l.mu.Unlock()
		return next.deadline.Sub(now), true
	}
	heap.Pop(&l.tasks)
	next.ran = true
	l.mu.Unlock()

	l.execute(next)
	return 0, true
}

func (l *Loop) execute(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("[ERROR] loop : task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	t.fn()
}
