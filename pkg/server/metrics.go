package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process's Prometheus registry and the counters/gauges
// the HTTP surface and the domain operations it fronts update. Grounded
// in the teacher's gateway/metrics package (NewMetricsWithRegistry +
// per-route histogram/gauge pattern), generalized from gateway request
// counters to this service's upload/label/retrain/promotion surface.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	uploadsTotal       *prometheus.CounterVec
	rejectionsTotal    prometheus.Counter
	retrainTriggers    prometheus.Counter
	modelPromotions    prometheus.Counter
	unusedLabelsGauge  prometheus.Gauge
}

// NewMetrics builds a Metrics registered against a fresh registry, for
// production use.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry builds a Metrics registered against registry,
// so tests can use an isolated registry instead of the process default.
func NewMetricsWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "alserver_http_request_duration_seconds",
			Help: "HTTP request latency by endpoint, method, and status.",
		}, []string{"endpoint", "method", "status"}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alserver_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alserver_image_uploads_total",
			Help: "Images submitted via /check-image, by resulting status.",
		}, []string{"status"}),
		rejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alserver_case_rejections_total",
			Help: "Cases rejected via /cases/reject.",
		}),
		retrainTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alserver_retrain_triggers_total",
			Help: "Retrain runs started via /admin/retrain/trigger.",
		}),
		modelPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alserver_model_promotions_total",
			Help: "Candidate models promoted to production.",
		}),
		unusedLabelsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alserver_unused_labels",
			Help: "Labeled samples not yet consumed by a training run.",
		}),
	}
	registry.MustRegister(
		m.requestDuration,
		m.requestsInFlight,
		m.uploadsTotal,
		m.rejectionsTotal,
		m.retrainTriggers,
		m.modelPromotions,
		m.unusedLabelsGauge,
	)
	return m
}

// Handler exposes the registry on the conventional /metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMetrics wraps next, observing request duration and status by
// route pattern, method, and status code. A nil Metrics is a no-op so
// routes can be wired before metrics are constructed in tests.
func HTTPMetrics(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.requestDuration.WithLabelValues(routePattern(r), r.Method, strconv.Itoa(sw.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// InFlightRequests tracks the number of requests currently being
// served. A nil Metrics is a no-op.
func InFlightRequests(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}
