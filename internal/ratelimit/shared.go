package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Shared guards one Window with a mutex so many goroutines can draw from the
// same quota. The lock covers only the evaluation; waiting happens outside it.
type Shared struct {
	now func() time.Time

	mu sync.Mutex
	w  *Window
}

type SharedOption func(*Shared)

// WithClock replaces time.Now as the time source.
func WithClock(now func() time.Time) SharedOption {
	return func(s *Shared) {
		if now != nil {
			s.now = now
		}
	}
}

func NewShared(limit int, period time.Duration, opts ...SharedOption) (*Shared, error) {
	w, err := New(limit, period)
	if err != nil {
		return nil, err
	}
	s := &Shared{now: time.Now, w: w}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reserve evaluates one admission attempt under the lock.
func (s *Shared) Reserve() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Evaluate(s.now())
}

// Wait blocks until an admission is granted or ctx is done. Every waiter wakes
// at the same rollover, so it asks again after sleeping rather than assuming
// a slot in the new window.
func (s *Shared) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := s.Reserve()
		if d.Allowed {
			return nil
		}
		if err := Sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
