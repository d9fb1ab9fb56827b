package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRegisteredCollectors(t *testing.T) {
	metrics := NewMetrics()
	extra := prometheus.NewCounter(prometheus.CounterOpts{Name: "billsync_test_total", Help: "test"})
	metrics.Registerer().MustRegister(extra)
	extra.Inc()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "billsync_test_total 1")
	require.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	out := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, out.Body.String(), `billsync_ops_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, out.Body.String(), `billsync_ops_http_request_duration_seconds_bucket{route="/test"`)
}

func TestMetricsMiddlewareUnmatchedRouteAndSize(t *testing.T) {
	metrics := NewMetrics(WithoutRuntimeCollectors())
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	expected := `
# HELP billsync_ops_http_requests_total Ops HTTP requests by route and status.
# TYPE billsync_ops_http_requests_total counter
billsync_ops_http_requests_total{code="200",route="unmatched"} 1
# HELP billsync_ops_http_in_flight_requests Ops HTTP requests currently being served.
# TYPE billsync_ops_http_in_flight_requests gauge
billsync_ops_http_in_flight_requests 0
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Gatherer(), strings.NewReader(expected),
		"billsync_ops_http_requests_total", "billsync_ops_http_in_flight_requests"))
	require.Equal(t, 1, testutil.CollectAndCount(metrics.size, "billsync_ops_http_response_size_bytes"))
}

func TestMetricsBuildInfoAndRuntimeCollectors(t *testing.T) {
	metrics := NewMetrics(WithoutRuntimeCollectors(), WithVersion("1.4.0"))
	expected := `
# HELP billsync_ops_build_info Build version of the running binary.
# TYPE billsync_ops_build_info gauge
billsync_ops_build_info{version="1.4.0"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Gatherer(), strings.NewReader(expected), "billsync_ops_build_info"))

	families, err := metrics.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		require.False(t, strings.HasPrefix(f.GetName(), "go_"), f.GetName())
	}
}

func TestNilMetrics(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, prometheus.DefaultRegisterer, metrics.Registerer())
	require.Equal(t, prometheus.DefaultGatherer, metrics.Gatherer())
	require.Contains(t, rr.Header().Get("Content-Type"), "application/problem+json")
}
