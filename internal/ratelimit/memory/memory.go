package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/ratewindow/internal/ratelimit"
)

type entry struct {
	mu      sync.Mutex
	policy  ratelimit.Policy
	window  *ratelimit.Window
	evicted bool
}

// Limiter keeps one fixed window per key. Each window is evaluated under its
// own lock, so callers on different keys never contend.
type Limiter struct {
	now     func() time.Time
	windows sync.Map // key -> *entry

	cleanupInterval time.Duration
	closeOnce       sync.Once
	done            chan struct{}
}

var _ ratelimit.Limiter = (*Limiter)(nil)

type Option func(*Limiter)

// WithCleanup starts a janitor that forgets windows expired for longer than
// interval. A forgotten window is indistinguishable from an expired one.
func WithCleanup(interval time.Duration) Option {
	return func(l *Limiter) { l.cleanupInterval = interval }
}

// WithClock sets the time source the janitor measures expiry against.
// A nil func keeps time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

func (l *Limiter) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if !p.Valid() {
		// surface the constructor's error without storing anything
		_, err := ratelimit.New(p.Limit, p.Period)
		return ratelimit.Decision{}, err
	}

	for {
		e, err := l.entry(key, p)
		if err != nil {
			return ratelimit.Decision{}, err
		}

		e.mu.Lock()
		if e.evicted {
			// lost a race with the janitor; pick up the replacement
			e.mu.Unlock()
			continue
		}
		dec, err := e.evaluate(p, now)
		e.mu.Unlock()
		return dec, err
	}
}

func (l *Limiter) entry(key string, p ratelimit.Policy) (*entry, error) {
	if v, ok := l.windows.Load(key); ok {
		return v.(*entry), nil
	}
	w, err := ratelimit.New(p.Limit, p.Period)
	if err != nil {
		return nil, err
	}
	v, _ := l.windows.LoadOrStore(key, &entry{policy: p, window: w})
	return v.(*entry), nil
}

// evaluate must be called with e.mu held.
func (e *entry) evaluate(p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	// policy changed under this key: start over with the new quota
	if e.policy != p {
		w, err := ratelimit.New(p.Limit, p.Period)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		e.policy, e.window = p, w
	}
	return e.window.Evaluate(now), nil
}

// Len reports how many keys currently hold a window.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictExpired(l.now().Add(-l.cleanupInterval))
		}
	}
}

// evictExpired drops windows whose deadline passed before cutoff.
func (l *Limiter) evictExpired(cutoff time.Time) {
	l.windows.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.window.Deadline().Before(cutoff) && l.windows.CompareAndDelete(k, v) {
			e.evicted = true
		}
		e.mu.Unlock()
		return true
	})
}
