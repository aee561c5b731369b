// Package metrics exposes the engine's Prometheus instrumentation, grounded
// on Voskan-arena-cache's pkg/cache.go (which registers gauges/counters
// directly against the default registry rather than threading a registry
// object through every constructor).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// PendingWriteBytes is a per-table gauge of buffered-but-unflushed write
// bytes, set each time table.Global.PendingWriteBytes is computed (the
// worker computes it when replying to RUN_KERNEL).
var PendingWriteBytes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "bsptable",
		Name:      "pending_write_bytes",
		Help:      "Estimated bytes buffered in outbound write partitions, per table.",
	},
	[]string{"table_id"},
)

// FlushesTotal counts outbound shard buffers shipped to their owning rank
// as a PUT_REQUEST, per table.
var FlushesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bsptable",
		Name:      "flushes_total",
		Help:      "Number of outbound shard buffers flushed to their owning rank, per table.",
	},
	[]string{"table_id"},
)

// RemoteGetDuration observes the round-trip latency of a GlobalTable.Get
// call that had to go over the bus (cache miss on the shadow copy).
var RemoteGetDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bsptable",
		Name:      "remote_get_duration_seconds",
		Help:      "Latency of remote GET_REQUEST/GET_RESPONSE round trips.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"table_id"},
)

// KernelIterationDuration observes wall-clock time for one coordinator
// RunKernelMethod call, from the fan-out to every worker rank until the
// last reply.
var KernelIterationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bsptable",
		Name:      "kernel_iteration_duration_seconds",
		Help:      "Latency of one RUN_KERNEL round across all worker ranks.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"kernel", "method"},
)

func init() {
	prometheus.MustRegister(PendingWriteBytes, FlushesTotal, RemoteGetDuration, KernelIterationDuration)
}
