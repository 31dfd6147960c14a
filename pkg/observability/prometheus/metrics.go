// Package prometheus holds the module's metric set on a private registry.
// The registry is exported so the embedding process can mount it wherever it
// serves metrics; the core itself serves nothing.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the registry all default metrics land on.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "qsolog"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the runtime and journal metrics.
type Metrics struct {
	// Writer loop
	OpsAppliedTotal  *prometheus.CounterVec // kind: insert, edit, delete
	OpsRejectedTotal *prometheus.CounterVec // reason: unknown_id, queue_full, degraded, ...
	UndoDepth        prometheus.Gauge
	RedoDepth        prometheus.Gauge
	StoreRecords     prometheus.Gauge

	// Persistence
	PersistQueueDepth    prometheus.Gauge
	PersistBatchOps      prometheus.Histogram
	PersistCommitSeconds prometheus.Histogram
	DurableSeq           prometheus.Gauge
	SnapshotSeconds      prometheus.Histogram

	// Event stream
	EventSubscribers   prometheus.Gauge
	EventsDroppedTotal prometheus.Counter

	// Replay
	ReplayOpsTotal prometheus.Counter
}

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates the metric set on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		OpsAppliedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsolog_ops_applied_total",
				Help: "Total mutating operations applied to the store",
			},
			[]string{"kind"},
		),
		OpsRejectedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsolog_ops_rejected_total",
				Help: "Total mutating operations rejected before or after apply",
			},
			[]string{"reason"},
		),
		UndoDepth: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_undo_depth",
				Help: "Current undo stack depth",
			},
		),
		RedoDepth: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_redo_depth",
				Help: "Current redo stack depth",
			},
		),
		StoreRecords: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_store_records",
				Help: "Live records in the authoritative store",
			},
		),
		PersistQueueDepth: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_persist_queue_depth",
				Help: "Stored ops waiting in the persistence queue",
			},
		),
		PersistBatchOps: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qsolog_persist_batch_ops",
				Help:    "Ops per committed journal batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		PersistCommitSeconds: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qsolog_persist_commit_seconds",
				Help:    "Journal batch commit duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		DurableSeq: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_durable_seq",
				Help: "Highest op sequence known durable",
			},
		),
		SnapshotSeconds: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qsolog_snapshot_seconds",
				Help:    "Snapshot write duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		EventSubscribers: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "qsolog_event_subscribers",
				Help: "Active event stream subscribers",
			},
		),
		EventsDroppedTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "qsolog_events_dropped_total",
				Help: "Events dropped for lagging subscribers",
			},
		),
		ReplayOpsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "qsolog_replay_ops_total",
				Help: "Ops replayed from the journal at startup",
			},
		),
	}
}
