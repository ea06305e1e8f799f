package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph metrics
	ConceptsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synapse_concepts_total",
			Help: "Total number of concepts in the current snapshot by shard",
		},
		[]string{"shard"},
	)

	EdgesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synapse_edges_total",
			Help: "Total number of edges in the current snapshot by shard",
		},
		[]string{"shard"},
	)

	SnapshotSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synapse_snapshot_sequence",
			Help: "Sequence number of the published snapshot by shard",
		},
		[]string{"shard"},
	)

	// Write path metrics
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_wal_appends_total",
			Help: "Total number of WAL appends",
		},
	)

	IngressDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_ingress_dropped_total",
			Help: "Total number of ingress entries evicted by drop-oldest backpressure",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapse_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_flushes_total",
			Help: "Total number of persistence flushes",
		},
	)

	// Query metrics
	VectorSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapse_vector_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synapse_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 2PC metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_transactions_total",
			Help: "Total number of cross-shard transactions by outcome",
		},
		[]string{"outcome"},
	)

	// Rate limiting
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConceptsTotal,
		EdgesTotal,
		SnapshotSequence,
		WALAppendsTotal,
		IngressDroppedTotal,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		FlushesTotal,
		VectorSearchDuration,
		APIRequestsTotal,
		APIRequestDuration,
		TransactionsTotal,
		RateLimitedTotal,
	)
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer creates a timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the metrics HTTP server on the given address
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best-effort; the storage engine keeps running.
			_ = err
		}
	}()

	return server
}
