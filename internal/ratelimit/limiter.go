package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidLimit  = errors.New("ratelimit: limit must be positive")
	ErrInvalidPeriod = errors.New("ratelimit: period must be positive")
)

type Policy struct {
	Limit  int           // admissions per window
	Period time.Duration // window width
}

// Valid reports whether a window can be built from p.
func (p Policy) Valid() bool {
	return p.Limit > 0 && p.Period > 0
}

type Decision struct {
	Allowed   bool
	Wait      time.Duration // time until the window rolls over; zero when Allowed
	Limit     int           // admissions per window
	Remaining int           // admissions left in the current window (min 0)
	Reset     time.Time     // deadline of the current window
}

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}
