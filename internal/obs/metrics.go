package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/ratewindow/internal/gateway"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	WaitSeconds     prometheus.Histogram
	LimiterErrors   prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors on reg. When reg is also a Gatherer
// (as *prometheus.Registry is), Handler serves what was registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewindow_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratewindow_request_duration_seconds",
				Help:    "Request duration in seconds, including time spent waiting for a window",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratewindow_decisions_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		WaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratewindow_wait_seconds",
				Help:    "Wait durations handed out to callers over quota",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
		),
		LimiterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratewindow_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.WaitSeconds, m.LimiterErrors)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveDecision counts one admission outcome. A positive wait is recorded
// in the wait histogram.
func (m *Metrics) ObserveDecision(outcome string, wait time.Duration) {
	m.Decisions.WithLabelValues(outcome).Inc()
	if wait > 0 {
		m.WaitSeconds.Observe(wait.Seconds())
	}
}

func (m *Metrics) ObserveError() {
	m.LimiterErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics, skipping the given paths.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
