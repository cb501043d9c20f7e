package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngurrapathways/edge/internal/gateway"
	"github.com/ngurrapathways/edge/internal/ratelimit"
	"github.com/ngurrapathways/edge/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	CacheResults    *prometheus.CounterVec
	StoreFallbacks  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_requests_total",
				Help: "Total HTTP requests processed by the edge",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_rate_limited_total",
				Help: "Total requests rejected by admission control",
			},
			[]string{"route", "policy"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_limiter_errors_total",
				Help: "Total rate limiter errors (requests let through)",
			},
			[]string{"route"},
		),
		CacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_cache_results_total",
				Help: "Response cache lookups by result",
			},
			[]string{"route", "result"},
		),
		StoreFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_ratelimit_store_fallbacks_total",
				Help: "Admission checks answered in process because the shared store failed",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors, m.CacheResults, m.StoreFallbacks)
	return m
}

// Hooks for the gateway middlewares.

func (m *Metrics) OnLimited(route string, policy ratelimit.PolicyName) {
	m.RateLimited.WithLabelValues(route, string(policy)).Inc()
}

func (m *Metrics) OnLimiterError(route string) {
	m.LimiterErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) OnCacheResult(route, result string) {
	m.CacheResults.WithLabelValues(route, result).Inc()
}

func (m *Metrics) OnStoreFallback() {
	m.StoreFallbacks.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records per-request metrics.
// It uses the route stored by gateway.RouteMatcher.
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

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
