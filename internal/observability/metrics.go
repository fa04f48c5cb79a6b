package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// analytics engine.
type Metrics struct {
	// Cache behaviour.
	CacheHits           *prometheus.CounterVec // label: op={current,history,forecast,alerts}
	CacheMisses         *prometheus.CounterVec // label: op
	CacheStaleServed    prometheus.Counter
	FetchesDeduplicated prometheus.Counter

	// Persistence collaborator health.
	BackendErrors   prometheus.Counter
	BackendTimeouts prometheus.Counter

	// Reading ingest.
	ReadingsIngested prometheus.Counter
	IngestErrors     prometheus.Counter
	IngestRunning    prometheus.Gauge
	IngestBatchSize  prometheus.Histogram

	// Alert lifecycle.
	AlertTransitions *prometheus.CounterVec // labels: category, transition={created,updated,resolved}
	EvaluateDuration prometheus.Histogram
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.CacheStaleServed,
		m.FetchesDeduplicated,
		m.BackendErrors,
		m.BackendTimeouts,
		m.ReadingsIngested,
		m.IngestErrors,
		m.IngestRunning,
		m.IngestBatchSize,
		m.AlertTransitions,
		m.EvaluateDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "cache_hits_total",
			Help:      "Cache hits by read operation.",
		}, []string{"op"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "cache_misses_total",
			Help:      "Cache misses by read operation.",
		}, []string{"op"}),
		CacheStaleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "cache_stale_served_total",
			Help:      "Stale entries served in degraded-availability mode.",
		}),
		FetchesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "fetches_deduplicated_total",
			Help:      "Callers that joined an in-flight fetch instead of issuing their own.",
		}),
		BackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "backend_errors_total",
			Help:      "Persistence collaborator failures.",
		}),
		BackendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "backend_timeouts_total",
			Help:      "Repository calls that hit their deadline while awaiting a fetch.",
		}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "readings_ingested_total",
			Help:      "Readings accepted and recorded from the ingest source.",
		}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "ingest_errors_total",
			Help:      "Readings rejected during parse or validation.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weather_engine",
			Name:      "ingest_running",
			Help:      "1 when the ingest loop is active, 0 when shut down.",
		}),
		IngestBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_engine",
			Name:      "ingest_batch_size",
			Help:      "Number of readings per extracted batch.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_engine",
			Name:      "alert_transitions_total",
			Help:      "Alert state transitions by category and transition.",
		}, []string{"category", "transition"}),
		EvaluateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_engine",
			Name:      "evaluate_duration_seconds",
			Help:      "Duration of a full alert evaluation pass for one location.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
	}
}
