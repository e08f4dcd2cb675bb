package gateway

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/ratewindow/internal/auth"
	"github.com/AlexKimmel/ratewindow/internal/ratelimit"
)

// Decision outcomes reported through ThrottleOptions.OnDecision.
const (
	OutcomeProceed  = "proceed"
	OutcomeDelayed  = "delayed"
	OutcomeRejected = "rejected"
	OutcomeCanceled = "canceled"
)

type ThrottleOptions struct {
	// Reject answers 429 instead of holding the request until its window opens.
	Reject bool

	// MaxWait bounds the total time a request may be held; zero means no bound.
	MaxWait time.Duration

	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP headers
	// identify the client. Anyone else is keyed by the connection address.
	TrustedProxies []netip.Prefix

	SkipPaths map[string]struct{}

	Now        func() time.Time
	OnDecision func(outcome string, wait time.Duration)
	OnError    func()
}

// Throttle admits requests through lim. Callers authenticated by the auth
// middleware are limited per key ID with that key's policy, everyone else per
// client IP with the default. The limiter is consulted under its own lock;
// any waiting happens here, after that lock has been released.
func Throttle(lim ratelimit.Limiter, policies *Policies, opts ThrottleOptions) Middleware {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	observe := opts.OnDecision
	if observe == nil {
		observe = func(string, time.Duration) {}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, _ := auth.KeyIDFrom(r.Context())
			key := clientKey(r, keyID, opts.TrustedProxies)
			log := hlog.FromRequest(r)

			var waited time.Duration
			for {
				dec, err := lim.Allow(r.Context(), key, policies.For(keyID), now())
				if err != nil {
					if opts.OnError != nil {
						opts.OnError()
					}
					log.Error().Err(err).Str("key", key).Msg("rate limiter failed")
					writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
					return
				}

				setRateHeaders(w, dec)

				if dec.Allowed {
					outcome := OutcomeProceed
					if waited > 0 {
						outcome = OutcomeDelayed
					}
					observe(outcome, waited)
					next.ServeHTTP(w, r)
					return
				}

				if opts.Reject || (opts.MaxWait > 0 && waited+dec.Wait > opts.MaxWait) {
					observe(OutcomeRejected, dec.Wait)
					log.Warn().Str("key", key).Dur("retry_after", dec.Wait).Msg("rate limit exceeded")
					w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(dec.Wait), 10))
					writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
					return
				}

				log.Debug().Str("key", key).Dur("wait", dec.Wait).Msg("holding request until window rolls over")
				if err := ratelimit.Sleep(r.Context(), dec.Wait); err != nil {
					observe(OutcomeCanceled, waited)
					writeJSON(w, http.StatusServiceUnavailable, "canceled", "request canceled while waiting")
					return
				}
				waited += dec.Wait
			}
		})
	}
}

func setRateHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix(dec.Reset), 10))
}

// resetUnix rounds up for the same reason as retryAfterSeconds.
func resetUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

// retryAfterSeconds rounds up so a client honoring the header never comes
// back before the window has rolled over.
func retryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func clientKey(r *http.Request, keyID string, trusted []netip.Prefix) string {
	if keyID != "" {
		return "key:" + keyID
	}
	return "ip:" + clientIP(r, trusted)
}

// clientIP is the connection's peer address unless that peer is a trusted
// proxy. Forwarding headers are then walked from the nearest hop back and the
// first address that is not itself a trusted proxy wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !isTrusted(hop, trusted) {
				return hop.Unmap().String()
			}
		}
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return host
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// local tiny JSON helper; messages are constants so no escaping is needed
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
