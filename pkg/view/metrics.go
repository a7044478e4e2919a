package view

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// updatePasses counts committed and aborted update passes per view.
	updatePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jsondb",
		Subsystem: "view",
		Name:      "update_passes_total",
		Help:      "Total view update passes by view and result",
	}, []string{"view", "result"})

	// updatePassDuration tracks update pass latency.
	updatePassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jsondb",
		Subsystem: "view",
		Name:      "update_pass_duration_seconds",
		Help:      "View update pass duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"view"})

	// processedChanges counts source changes dispatched to definitions.
	processedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jsondb",
		Subsystem: "view",
		Name:      "changes_processed_total",
		Help:      "Total source changes dispatched to definitions by view and kind",
	}, []string{"view", "kind"})

	// definitionFaults counts definitions flipped to inactive.
	definitionFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jsondb",
		Subsystem: "view",
		Name:      "definition_faults_total",
		Help:      "Total definition faults by view and kind",
	}, []string{"view", "kind"})

	// definitionBackfills counts full backfills run for created definitions.
	definitionBackfills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jsondb",
		Subsystem: "view",
		Name:      "definition_backfills_total",
		Help:      "Total definition backfills by view and kind",
	}, []string{"view", "kind"})
)
