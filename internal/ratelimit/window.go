// Package ratelimit implements a fixed-window admission check.
//
// A Window counts admissions inside a window of Period starting at the first
// call that finds the previous window expired. Up to Limit calls proceed per
// window; the rest are told how long to wait until the window rolls over.
// Windows roll over lazily and do not accumulate credit across idle periods.
//
// Window itself is not safe for concurrent use. Share one instance through
// Shared (or any other mutex) and sleep only after the lock is released.
package ratelimit

import (
	"fmt"
	"time"
)

type Window struct {
	limit  int
	period time.Duration

	deadline time.Time // end of the current window, exclusive
	count    int       // admissions granted in the current window, <= limit
}

// New returns a window admitting limit operations per period.
func New(limit int, period time.Duration) (*Window, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidPeriod, period)
	}
	return &Window{limit: limit, period: period}, nil
}

// Evaluate records an admission attempt at now and decides whether the caller
// may proceed. It never blocks; a caller told to wait sleeps on its own.
func (w *Window) Evaluate(now time.Time) Decision {
	// the boundary instant belongs to the next window
	if !now.Before(w.deadline) {
		w.deadline = now.Add(w.period)
		w.count = 1
		return w.decision(true, 0)
	}

	if w.count < w.limit {
		w.count++
		return w.decision(true, 0)
	}

	// quota exhausted: leave state alone, the next call past the deadline rolls over
	wait := w.deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return w.decision(false, wait)
}

func (w *Window) decision(allowed bool, wait time.Duration) Decision {
	return Decision{
		Allowed:   allowed,
		Wait:      wait,
		Limit:     w.limit,
		Remaining: w.limit - w.count,
		Reset:     w.deadline,
	}
}

func (w *Window) Limit() int { return w.limit }
func (w *Window) Period() time.Duration { return w.period }
func (w *Window) Deadline() time.Time { return w.deadline }
func (w *Window) Count() int { return w.count }
