// Package scheduler runs rounds of monitor updates at a fixed cadence. Each
// round updates every monitor concurrently, waits for all of them to report
// and then schedules the next round relative to the start of the one that
// just finished, so slow updates never accumulate drift.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/ct-prober/loop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultInterval is the time between the starts of two rounds when no
	// interval is configured
	DefaultInterval = 600 * time.Second
)

// Handle is a monitored log as seen by the scheduler.
type Handle interface {
	// ServerName identifies the log in log lines and metric labels
	ServerName() string
	// LatestTimestamp is the timestamp, in milliseconds since the epoch, of
	// the newest tree head the monitor has observed. Zero means none yet.
	LatestTimestamp() uint64
	// Update checks the log once. It must not panic, failures are returned.
	Update(ctx context.Context) error
}

// Loop is the event loop a Scheduler runs its rounds on. *loop.Loop
// implements it.
type Loop interface {
	Run()
	Stop()
	RunAfter(delay time.Duration, fn func()) *loop.Task
	Post(fn func()) *loop.Task
}

// schedulerStats holds the prometheus metrics used by a Scheduler
type schedulerStats struct {
	roundDuration prometheus.Histogram
	nextDelay     prometheus.Gauge
	rounds        prometheus.Counter
	updateResults *prometheus.CounterVec
}

var stats = &schedulerStats{
	roundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "probe_round_duration_seconds",
		Help:    "Time taken for every monitor in a probe round to finish its update",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900, 1800},
	}),
	nextDelay: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "probe_round_next_delay_seconds",
		Help: "Delay before the next probe round computed when the last round finished",
	}),
	rounds: promauto.NewCounter(prometheus.CounterOpts{
		Name: "probe_rounds_total",
		Help: "Count of completed probe rounds",
	}),
	updateResults: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_update_results_total",
		Help: "Count of monitor updates by log URI and result",
	}, []string{"uri", "result"}),
}

// Status is a snapshot of a Scheduler's progress.
type Status struct {
	// Rounds is the number of rounds completed
	Rounds uint64
	// LastStart is when the most recently completed round started
	LastStart time.Time
	// LastDuration is how long the most recently completed round took
	LastDuration time.Duration
	// NextDelay is the delay computed for the round after it
	NextDelay time.Duration
}

// Scheduler drives rounds of Handle updates on a Loop.
type Scheduler struct {
	stdout   *log.Logger
	stderr   *log.Logger
	clk      clock.Clock
	loop     Loop
	handles  []Handle
	interval time.Duration
	stats    *schedulerStats

	// seq numbers rounds. It is only used on the loop goroutine.
	seq uint64

	// mu guards the lifecycle flags, the pending next round task and status.
	// Start and Stop are called from outside the loop goroutine.
	mu      sync.Mutex
	started bool
	stopped bool
	pending *loop.Task
	status  Status
}

// New creates a Scheduler updating handles every interval on lp. If interval
// is not positive DefaultInterval is used. The handles are updated in the
// order given. Nothing happens until Start is called.
func New(handles []Handle, interval time.Duration, lp Loop, stdout, stderr *log.Logger, clk clock.Clock) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		stdout:   stdout,
		stderr:   stderr,
		clk:      clk,
		loop:     lp,
		handles:  append([]Handle(nil), handles...),
		interval: interval,
		stats:    stats,
	}
}

// Interval returns the time between the starts of two rounds.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start runs the loop on its own goroutine and schedules the first round to
// run immediately. It does not block. Calling Start more than once, or after
// Stop, does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.pending = s.loop.RunAfter(0, s.runRound)
	go s.loop.Run()
	s.stdout.Printf("[scheduler] started. Probing %d logs every %s", len(s.handles), s.interval)
}

// Stop prevents any further round from starting and stops the loop. Updates
// already in flight are not cancelled and may still log their result. Stop
// is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	s.mu.Unlock()

	s.loop.Stop()
	s.stdout.Print("[scheduler] stopped")
}

// Status returns a snapshot of the scheduler's progress.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// runRound starts one update per handle, each on its own goroutine. It runs
// on the loop goroutine.
func (s *Scheduler) runRound() {
	if s.isStopped() {
		return
	}
	s.seq++
	r := newRound(s.seq, s.clk.Now(), len(s.handles))
	s.stdout.Printf("[scheduler] starting round %d of %d updates", r.seq, r.total)

	if r.done() {
		s.finishRound(r)
		return
	}
	for _, h := range s.handles {
		go s.update(r, h)
	}
}

// update runs a single handle's Update and reports the result back to the
// loop, where the round's counter lives.
func (s *Scheduler) update(r *round, h Handle) {
	err := safeUpdate(h)
	name := h.ServerName()
	latest := s.humanTimestamp(h.LatestTimestamp())
	if err != nil {
		s.stats.updateResults.With(prometheus.Labels{"uri": name, "result": "failure"}).Inc()
		s.stderr.Printf("[ERROR] [scheduler] %s : round %d update failed. Latest STH %s : %s",
			name, r.seq, latest, err)
	} else {
		s.stats.updateResults.With(prometheus.Labels{"uri": name, "result": "success"}).Inc()
		s.stdout.Printf("[scheduler] %s : round %d update succeeded. Latest STH %s",
			name, r.seq, latest)
	}

	s.loop.Post(func() {
		if r.increment() {
			s.finishRound(r)
		}
	})
}

// safeUpdate turns a panicking Update into a failed one so a broken handle
// can't leave its round incomplete forever.
func safeUpdate(h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panicked: %v", r)
		}
	}()
	return h.Update(context.Background())
}

// finishRound logs the round's duration and arms the next round. It runs on
// the loop goroutine exactly once per round.
func (s *Scheduler) finishRound(r *round) {
	now := s.clk.Now()
	duration := now.Sub(r.start)
	delay := nextDelay(r.start, s.interval, now)

	s.stats.rounds.Inc()
	s.stats.roundDuration.Observe(duration.Seconds())
	s.stats.nextDelay.Set(delay.Seconds())
	s.stdout.Printf("[scheduler] round %d finished in %s. Next round in %s",
		r.seq, duration, delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{
		Rounds:       s.status.Rounds + 1,
		LastStart:    r.start,
		LastDuration: duration,
		NextDelay:    delay,
	}
	if s.stopped {
		return
	}
	s.pending = s.loop.RunAfter(delay, s.runRound)
}

// humanTimestamp renders an STH timestamp in millis relative to now.
func (s *Scheduler) humanTimestamp(ms uint64) string {
	if ms == 0 {
		return "never observed"
	}
	ts := time.Unix(0, int64(ms)*int64(time.Millisecond))
	return fmt.Sprintf("%s (%s)",
		ts.UTC().Format(time.RFC3339),
		humanize.RelTime(ts, s.clk.Now(), "ago", "from now"))
}
