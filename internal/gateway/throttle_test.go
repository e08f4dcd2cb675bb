package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ratewindow/internal/auth"
	"github.com/AlexKimmel/ratewindow/internal/ratelimit"
	"github.com/AlexKimmel/ratewindow/internal/ratelimit/memory"
)

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []string
	waits    []time.Duration
}

func (o *outcomeLog) record(outcome string, wait time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
	o.waits = append(o.waits, wait)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, ratelimit.Policy, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("boom")
}

func (failingLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newRequest(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.RemoteAddr = remote
	return req
}

func TestThrottle_RejectMode(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var log outcomeLog
	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 2, Period: time.Minute}, nil), ThrottleOptions{
		Reject:     true,
		Now:        func() time.Time { return now },
		OnDecision: log.record,
	}))

	for i := 0; i < 2; i++ {
		rec := serve(h, newRequest("10.0.0.1:5000"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(now.Add(time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	}

	now = now.Add(20*time.Second + 300*time.Millisecond)
	rec := serve(h, newRequest("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"code":"rate_limited","message":"Too many requests"}}`, rec.Body.String())

	// a different client has its own window
	rec = serve(h, newRequest("10.0.0.2:5000"))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{OutcomeProceed, OutcomeProceed, OutcomeRejected, OutcomeProceed}, log.outcomes)
	assert.Equal(t, 39*time.Second+700*time.Millisecond, log.waits[2])
}

func TestThrottle_DelayModeHoldsUntilRollover(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	const period = 150 * time.Millisecond
	var log outcomeLog
	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: period}, nil), ThrottleOptions{
		OnDecision: log.record,
	}))

	rec := serve(h, newRequest("10.0.0.1:1"))
	require.Equal(t, http.StatusOK, rec.Code)

	start := time.Now()
	rec = serve(h, newRequest("10.0.0.1:1"))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, elapsed, period/2)
	assert.Equal(t, []string{OutcomeProceed, OutcomeDelayed}, log.outcomes)
	assert.Positive(t, log.waits[1])
}

func TestThrottle_DelayModeMaxWait(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil), ThrottleOptions{
		MaxWait: time.Second,
	}))

	require.Equal(t, http.StatusOK, serve(h, newRequest("10.0.0.1:1")).Code)

	start := time.Now()
	rec := serve(h, newRequest("10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Less(t, time.Since(start), time.Second, "must not sleep when the wait exceeds MaxWait")
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestThrottle_DelayModeClientGoesAway(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	var log outcomeLog
	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil), ThrottleOptions{
		OnDecision: log.record,
	}))
	require.Equal(t, http.StatusOK, serve(h, newRequest("10.0.0.1:1")).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := serve(h, newRequest("10.0.0.1:1").WithContext(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []string{OutcomeProceed, OutcomeCanceled}, log.outcomes)
}

func TestThrottle_LimiterError(t *testing.T) {
	errs := 0
	h := Chain(okHandler(), Throttle(failingLimiter{}, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Second}, nil), ThrottleOptions{
		OnError: func() { errs++ },
	}))

	rec := serve(h, newRequest("10.0.0.1:1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, errs)
}

func TestThrottle_SkipPaths(t *testing.T) {
	h := Chain(okHandler(), Throttle(failingLimiter{}, NewPolicies(ratelimit.Policy{}, nil), ThrottleOptions{
		SkipPaths: map[string]struct{}{"/health": {}},
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestThrottle_SpoofedForwardingHeadersShareQuota(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil), ThrottleOptions{
		Reject: true,
	}))

	admitted := 0
	for i := 0; i < 10; i++ {
		req := newRequest("198.51.100.20:4000")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		if serve(h, req).Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted, "forwarding headers from an untrusted peer must not mint new windows")
}

func TestThrottle_TrustedProxyForwardsClients(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil), ThrottleOptions{
		Reject:         true,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}))

	viaProxy := func(xff string) *http.Request {
		req := newRequest("10.1.2.3:4000")
		req.Header.Set("X-Forwarded-For", xff)
		return req
	}

	assert.Equal(t, http.StatusOK, serve(h, viaProxy("203.0.113.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, viaProxy("203.0.113.1")).Code)
	assert.Equal(t, http.StatusOK, serve(h, viaProxy("203.0.113.2")).Code)
	// a client prepending its own hops is still identified by what the proxy appended
	assert.Equal(t, http.StatusTooManyRequests, serve(h, viaProxy("192.0.2.77, 203.0.113.1")).Code)
}

func TestThrottle_KeysOnValidatedKeyID(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	store := auth.NewStatic("X-API-Key", map[string]string{"alpha-secret": "alpha", "beta-secret": "beta"})
	h := Chain(okHandler(),
		store.Middleware(nil),
		Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil), ThrottleOptions{Reject: true}),
	)

	withKey := func(k string) *http.Request {
		req := newRequest("10.0.0.1:1")
		req.Header.Set("X-API-Key", k)
		return req
	}

	assert.Equal(t, http.StatusOK, serve(h, withKey("alpha-secret")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, withKey("alpha-secret")).Code)
	// same IP, different key
	assert.Equal(t, http.StatusOK, serve(h, withKey("beta-secret")).Code)

	for i := 0; i < 10; i++ {
		rec := serve(h, withKey(fmt.Sprintf("made-up-%d", i)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.Equal(t, 2, lim.Len(), "unrecognized keys must not create windows")
}

func TestThrottle_PerKeyOverride(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	policies := NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, map[string]ratelimit.Policy{
		"partner": {Limit: 3, Period: time.Hour},
	})
	h := Chain(okHandler(), Throttle(lim, policies, ThrottleOptions{Reject: true}))

	asKey := func(id string) *http.Request {
		req := newRequest("10.0.0.1:1")
		return req.WithContext(auth.WithKeyID(req.Context(), id))
	}

	for i := 0; i < 3; i++ {
		rec := serve(h, asKey("partner"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(h, asKey("partner")).Code)

	rec := serve(h, asKey("regular"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, http.StatusTooManyRequests, serve(h, asKey("regular")).Code)
}

func TestThrottle_PolicyReloadStartsFreshWindow(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	policies := NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Hour}, nil)
	h := Chain(okHandler(), Throttle(lim, policies, ThrottleOptions{Reject: true}))

	require.Equal(t, http.StatusOK, serve(h, newRequest("10.0.0.1:1")).Code)
	require.Equal(t, http.StatusTooManyRequests, serve(h, newRequest("10.0.0.1:1")).Code)

	policies.Store(ratelimit.Policy{Limit: 2, Period: time.Hour}, nil)

	rec := serve(h, newRequest("10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestThrottle_ResetHeaderRoundsUp(t *testing.T) {
	lim := memory.New()
	defer lim.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 250*int(time.Millisecond), time.UTC)
	h := Chain(okHandler(), Throttle(lim, NewPolicies(ratelimit.Policy{Limit: 1, Period: time.Second}, nil), ThrottleOptions{
		Reject: true,
		Now:    func() time.Time { return now },
	}))

	rec := serve(h, newRequest("10.0.0.1:1"))
	// the window closes at 00:00:01.25, so a client must not come back at 00:00:01
	want := time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC).Unix()
	assert.Equal(t, strconv.FormatInt(want, 10), rec.Header().Get("X-RateLimit-Reset"))
}

func TestResetUnix(t *testing.T) {
	whole := time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)
	assert.Equal(t, whole.Unix(), resetUnix(whole))
	assert.Equal(t, whole.Unix()+1, resetUnix(whole.Add(time.Nanosecond)))
	assert.Equal(t, whole.Unix()+1, resetUnix(whole.Add(999*time.Millisecond)))
}

func TestClientKey(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.50/32"),
	}
	tests := []struct {
		name   string
		remote string
		keyID  string
		header map[string]string
		want   string
	}{
		{"remote addr", "192.0.2.1:1234", "", nil, "ip:192.0.2.1"},
		{"remote without port", "192.0.2.1", "", nil, "ip:192.0.2.1"},
		{"untrusted peer ignores forwarded for", "198.51.100.1:1", "", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "ip:198.51.100.1"},
		{"untrusted peer ignores real ip", "198.51.100.1:1", "", map[string]string{"X-Real-IP": "203.0.113.9"}, "ip:198.51.100.1"},
		{"trusted peer forwarded for", "10.0.0.1:1", "", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "ip:203.0.113.9"},
		{"rightmost untrusted hop wins", "10.0.0.1:1", "", map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.9, 192.0.2.50"}, "ip:203.0.113.9"},
		{"trusted peer real ip", "10.0.0.1:1", "", map[string]string{"X-Real-IP": "198.51.100.7"}, "ip:198.51.100.7"},
		{"trusted peer garbage headers", "10.0.0.1:1", "", map[string]string{"X-Forwarded-For": "not-an-ip", "X-Real-IP": "nope"}, "ip:10.0.0.1"},
		{"key id wins", "10.0.0.1:1", "k1", map[string]string{"X-Real-IP": "198.51.100.7"}, "key:k1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(tt.remote)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientKey(req, tt.keyID, trusted))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(1), retryAfterSeconds(0))
	assert.Equal(t, int64(1), retryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, int64(1), retryAfterSeconds(time.Second))
	assert.Equal(t, int64(2), retryAfterSeconds(time.Second+time.Nanosecond))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(Chain(okHandler(), mw("outer"), nil, mw("inner")), newRequest("10.0.0.1:1"))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
