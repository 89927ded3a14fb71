package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for layerstore metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Shared    = "shared"
	Exclusive = "exclusive"
)

// Collectors for layer lifecycle metrics.
var (
	LayersOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "layerstore_layers_opened_total",
		Help: "Cumulative number of top layers opened by rollover.",
	})
	LayerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_layer_transitions_total",
		Help: "Cumulative number of layer state transitions, by the entered state.",
	}, []string{"state"})
	GateWaitSecondsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_gate_wait_seconds_total",
		Help: "Cumulative number of seconds spent waiting on layer mutation gates.",
	}, []string{"mode"})
)

// Collectors for archival metrics.
var (
	ArchiveJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_archive_jobs_total",
		Help: "Cumulative number of layer archive jobs, by status.",
	}, []string{"status"})
	ArchiveDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "layerstore_archive_duration_seconds",
		Help:    "Duration of layer archive jobs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m.
	})
	RepacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_repacks_total",
		Help: "Cumulative number of archived layers unpacked and repacked to apply deletions, by status.",
	}, []string{"status"})
	OffloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_offloads_total",
		Help: "Cumulative number of archive containers offloaded to cold stores, by store and status.",
	}, []string{"store", "status"})
)

// Collectors for the layer index.
var (
	IndexTxnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_index_txns_total",
		Help: "Cumulative number of layer index transactions, by operation and status.",
	}, []string{"op", "status"})
	InlineReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "layerstore_inline_reads_total",
		Help: "Cumulative number of reads served from content inlined in the index, by cache status.",
	}, []string{"cache"})
)

// LayerstoreCollectors returns all collectors of the layer store.
func LayerstoreCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		LayersOpenedTotal,
		LayerTransitionsTotal,
		GateWaitSecondsTotal,
		ArchiveJobsTotal,
		ArchiveDurationSeconds,
		RepacksTotal,
		OffloadsTotal,
		IndexTxnsTotal,
		InlineReadsTotal,
	}
}
