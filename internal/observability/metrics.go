package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the aggregation engine.
type Metrics struct {
	// --- Engine cycle ---
	CyclesCompleted prometheus.Counter
	CyclesRetried   *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	EnginePosition  prometheus.Gauge

	// --- Event processing ---
	EventsApplied  *prometheus.CounterVec
	ApplyWarnings  *prometheus.CounterVec
	BatchEvents    prometheus.Histogram
	BatchSpan      prometheus.Gauge
	FetchDuration  prometheus.Histogram
	ApplyDuration  prometheus.Histogram

	// --- Feeds ---
	FeedRowsWritten *prometheus.CounterVec
	FeedDuration    *prometheus.HistogramVec

	// --- Commit ---
	CommitDuration prometheus.Histogram
	CommitErrors   *prometheus.CounterVec

	// --- Order history pipeline ---
	HistoryMinutesIndexed prometheus.Counter
	HistoryRunDuration    prometheus.Histogram
	HistoryErrors         prometheus.Counter

	// --- Notifications ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	cycleBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

	return &Metrics{
		CyclesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "econia_engine_cycles_completed_total",
			Help: "Fetch-apply-commit cycles completed",
		}),

		CyclesRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "econia_engine_cycles_retried_total",
			Help: "Cycles retried after a transient failure",
		}, []string{"reason"}),

		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_engine_cycle_duration_seconds",
			Help:    "Full cycle wall time",
			Buckets: cycleBuckets,
		}),

		EnginePosition: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "econia_engine_txn_version",
			Help: "Transaction version of the last committed checkpoint",
		}),

		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "econia_events_applied_total",
			Help: "Events folded into book state",
		}, []string{"event_type"}),

		ApplyWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "econia_apply_warnings_total",
			Help: "Events tolerated as no-ops (e.g. cancel of unknown order)",
		}, []string{"event_type"}),

		BatchEvents: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_batch_events",
			Help:    "Events per fetched batch",
			Buckets: []float64{10, 100, 1000, 10000, 50000, 100000, 250000},
		}),

		BatchSpan: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "econia_batch_span_txn_versions",
			Help: "Current adaptive fetch span in transaction versions",
		}),

		FetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_fetch_duration_seconds",
			Help:    "Event batch fetch duration",
			Buckets: cycleBuckets,
		}),

		ApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_apply_duration_seconds",
			Help:    "Batch apply duration",
			Buckets: cycleBuckets,
		}),

		FeedRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "econia_feed_rows_written_total",
			Help: "Derived feed rows committed",
		}, []string{"feed"}),

		FeedDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "econia_feed_duration_seconds",
			Help:    "Per-calculator duration",
			Buckets: cycleBuckets,
		}, []string{"feed"}),

		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_commit_duration_seconds",
			Help:    "Cycle commit transaction duration",
			Buckets: cycleBuckets,
		}),

		CommitErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "econia_commit_errors_total",
			Help: "Commit failures by class",
		}, []string{"error_type"}),

		HistoryMinutesIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "econia_order_history_minutes_indexed_total",
			Help: "Per-minute snapshots written by the order history pipeline",
		}),

		HistoryRunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "econia_order_history_run_duration_seconds",
			Help:    "Order history pipeline run duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		HistoryErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "econia_order_history_errors_total",
			Help: "Order history pipeline failures",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "econia_publish_drops_total",
			Help: "Notifications dropped due to full publish channel",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "econia_publish_errors_total",
			Help: "NATS publish failures",
		}),
	}
}
