package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/ShardLimit/internal/gateway"
	"github.com/AlexKimmel/ShardLimit/internal/routing"
)

// Metrics also implements ratelimit.Observer.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
	GCDeleted       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardlimit_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardlimit_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardlimit_rate_limited_total",
				Help: "Total gateway requests rejected due to rate limiting",
			},
			[]string{"route"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardlimit_limiter_errors_total",
				Help: "Total gateway rate limiter errors",
			},
			[]string{"route"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardlimit_decisions_total",
				Help: "Rate limit decisions by limit name, operation and result",
			},
			[]string{"name", "op", "result"},
		),
		StorageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardlimit_storage_errors_total",
				Help: "Failed storage operations",
			},
			[]string{"op"},
		),
		GCDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shardlimit_gc_deleted_total",
				Help: "Shard records removed by garbage collection",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors,
		m.Decisions, m.StorageErrors, m.GCDeleted)
	return m
}

func (m *Metrics) ObserveDecision(name, op string, ok bool) {
	result := "rejected"
	if ok {
		result = "ok"
	}
	m.Decisions.WithLabelValues(name, op, result).Inc()
}

func (m *Metrics) ObserveStorageError(op string) {
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveCleared(n int) {
	m.GCDeleted.Add(float64(n))
}

func (m *Metrics) OnLimited(routeID string) {
	m.RateLimited.WithLabelValues(routeID).Inc()
}

func (m *Metrics) OnLimiterError(routeID string) {
	m.LimiterErrors.WithLabelValues(routeID).Inc()
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

// Middleware records per-request metrics.
// It uses the route stored by RouteMatcher (routing.RouteFrom), so it must
// sit inside it in the chain.
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
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
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
