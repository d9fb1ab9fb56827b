package billsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/billsync/internal/ledger"
)

// Metrics holds the sync collectors.
type Metrics struct {
	results      *prometheus.CounterVec
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	batch        prometheus.Histogram
}

// NewMetrics registers collectors against registerer, or the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_results_total",
			Help: "Bills synced partitioned by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_ledger_requests_total",
			Help: "Ledger HTTP attempts by entity, operation and status.",
		}, []string{"entity", "op", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billsync_ledger_request_duration_seconds",
			Help:    "Ledger HTTP attempt latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity", "op"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_entity_cache_lookups_total",
			Help: "Entity cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billsync_batch_duration_seconds",
			Help:    "Duration of a full sync batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registerer.MustRegister(m.results, m.requests, m.latency, m.cacheLookups, m.batch)
	return m
}

// ObserveLedgerRequest implements ledger.RequestObserver.
func (m *Metrics) ObserveLedgerRequest(entity ledger.EntityType, op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(entity), op, status).Inc()
	m.latency.WithLabelValues(string(entity), op).Observe(elapsed.Seconds())
}

// ObserveCacheLookup implements resolve.CacheObserver.
func (m *Metrics) ObserveCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) observeReport(report Report) {
	if m == nil {
		return
	}
	for _, res := range report.Results {
		m.results.WithLabelValues(string(res.Outcome), string(res.ErrorKind)).Inc()
	}
	m.batch.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}
