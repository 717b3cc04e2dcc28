package scheduler

import "time"

// round tracks the completion of one round of updates. A round is only ever
// touched from the loop goroutine.
type round struct {
	seq       uint64
	start     time.Time
	completed int
	total     int
}

func newRound(seq uint64, start time.Time, total int) *round {
	return &round{
		seq:   seq,
		start: start,
		total: total,
	}
}

// increment records one finished update. It returns true only for the
// increment that brings the round to completion.
func (r *round) increment() bool {
	if r.completed >= r.total {
		return false
	}
	r.completed++
	return r.completed == r.total
}

// done returns true once every update in the round has finished.
func (r *round) done() bool {
	return r.completed == r.total
}

// nextDelay returns how long to wait before starting the round that follows
// one started at start. The delay is measured from the start of the previous
// round, not its end, and is never negative.
func nextDelay(start time.Time, interval time.Duration, now time.Time) time.Duration {
	delay := start.Add(interval).Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
