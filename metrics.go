package blockstm

import "github.com/prometheus/client_golang/prometheus"

var (
	groupEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "group",
			Name:      "events_total",
			Help:      "Counter of versioned group store events.",
		}, []string{"type"})

	txnStatusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockstm",
			Subsystem: "txn",
			Name:      "status_total",
			Help:      "Counter of transaction execution statuses.",
		}, []string{"status"})

	finalizedGroupSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "blockstm",
			Subsystem: "group",
			Name:      "finalized_size_bytes",
			Help:      "Bucketed histogram of finalized resource group sizes.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		})
)

var (
	groupWriteCounter      = groupEventCounter.WithLabelValues("write")
	groupEstimateCounter   = groupEventCounter.WithLabelValues("estimate")
	groupRemoveCounter     = groupEventCounter.WithLabelValues("remove")
	groupFinalizeCounter   = groupEventCounter.WithLabelValues("finalize")
	groupDependencyCounter = groupEventCounter.WithLabelValues("dependency")
)

func init() {
	prometheus.MustRegister(groupEventCounter)
	prometheus.MustRegister(txnStatusCounter)
	prometheus.MustRegister(finalizedGroupSize)
}
