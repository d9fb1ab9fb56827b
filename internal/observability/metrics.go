// Package observability hosts the ops HTTP surface: health, queue status and Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/billsync/internal/platform/httpx"
)

const (
	namespace = "billsync"
	subsystem = "ops"

	unmatchedRoute = "unmatched"
)

// Metrics is the registry behind /metrics. The engine, the ledger client and the job
// tracker register into it through Registerer; the ops router reports into it through Middleware.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	size     *prometheus.HistogramVec
}

// MetricsOption customises NewMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	runtime bool
	version string
}

// WithoutRuntimeCollectors leaves the Go and process collectors out, e.g. in tests.
func WithoutRuntimeCollectors() MetricsOption {
	return func(o *metricsOptions) { o.runtime = false }
}

// WithVersion exports billsync_ops_build_info{version} = 1.
func WithVersion(version string) MetricsOption {
	return func(o *metricsOptions) { o.version = version }
}

// NewMetrics builds the ops registry.
func NewMetrics(opts ...MetricsOption) *Metrics {
	o := metricsOptions{runtime: true}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_in_flight_requests",
			Help:      "Ops HTTP requests currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Ops HTTP requests by route and status.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Ops HTTP request duration by route.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"route"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_response_size_bytes",
			Help:      "Ops HTTP response body size by route.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
		}, []string{"route"}),
	}
	m.registry.MustRegister(m.inFlight, m.requests, m.latency, m.size)
	if o.runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.version != "" {
		info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "build_info",
			Help:      "Build version of the running binary.",
		}, []string{"version"})
		info.WithLabelValues(o.version).Set(1)
		m.registry.MustRegister(info)
	}

	m.handler = promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	}))
	return m
}

// Handler serves the registry. A nil Metrics answers 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			httpx.Unavailable(w, "metrics registry not configured")
		})
	}
	return m.handler
}

// Middleware labels each request with the chi route pattern it matched.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := matchedRoute(r)
		m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.size.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
	})
}

// Registerer is where the engine and job metrics register. A nil Metrics falls back to the default registerer.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Gatherer exposes the registry to prometheus/testutil.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

func matchedRoute(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}
