package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/cellgate/internal/gateway"
	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	SwapRetries     prometheus.Counter
	TrackedKeys     prometheus.Gauge

	reg prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cellgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellgate_ratelimit_decisions_total",
				Help: "Limiter decisions by rate and outcome",
			},
			[]string{"rate", "outcome"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellgate_rate_limited_total",
				Help: "Total requests rejected due to rate limiting",
			},
			[]string{"route", "class"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cellgate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"route"},
		),
		SwapRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cellgate_ratelimit_swap_retries_total",
				Help: "Compare-and-swap rounds lost to concurrent writers",
			},
		),
		TrackedKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cellgate_ratelimit_keys",
				Help: "Keys currently held by the limiter store",
			},
		),
		reg: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.RateLimited,
		m.LimiterErrors, m.SwapRetries, m.TrackedKeys)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Sink counts limiter decisions.
func (m *Metrics) Sink() ratelimit.Sink {
	return ratelimit.SinkFunc(func(_ context.Context, ev ratelimit.Event) {
		outcome := "allowed"
		if !ev.Decision.Allowed {
			outcome = "rejected"
		}
		m.Decisions.WithLabelValues(ev.Spec.String(), outcome).Inc()
		if ev.Attempts > 1 {
			m.SwapRetries.Add(float64(ev.Attempts - 1))
		}
	})
}

func (m *Metrics) OnLimited(routeID, class string) {
	m.RateLimited.WithLabelValues(routeID, class).Inc()
}

func (m *Metrics) OnError(routeID string, _ error) {
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
// It must run outside RouteMatcher; the route is read back from the request
// the inner handlers saw.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			holder := &routeHolder{}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), routeHolderKey{}, holder)))

			route := "unknown"
			if holder.id != "" {
				route = holder.id
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

type routeHolderKey struct{}

type routeHolder struct{ id string }

// CaptureRoute reports the matched route to an enclosing Metrics.Middleware.
// Install it right after RouteMatcher.
func CaptureRoute() gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h, ok := r.Context().Value(routeHolderKey{}).(*routeHolder); ok {
				if rt, ok := routing.RouteFrom(r); ok && rt != nil {
					h.id = rt.ID
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
