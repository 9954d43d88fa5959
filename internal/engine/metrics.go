package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Admitted requests not yet holding cache",
	})

	queueFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "queue_full_total",
		Help:      "Submissions rejected because the queue was full",
	})

	liveSequences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "live_sequences",
		Help:      "Sequences holding a cache block",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "tick_duration_seconds",
		Help:      "Duration of scheduling ticks",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "step_duration_seconds",
		Help:      "Duration of batched pipeline steps",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	preprocessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "preprocess_duration_seconds",
		Help:      "Duration of request preprocessing",
		Buckets:   prometheus.DefBuckets,
	})

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "queue_wait_seconds",
		Help:      "Time from submission to cache admission",
		Buckets:   prometheus.DefBuckets,
	})

	tokensGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "engine",
		Name:      "tokens_generated_total",
		Help:      "Generated tokens",
	})

	finishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "sequences_finished_total",
			Help:      "Finished sequences by finish reason",
		},
		[]string{"reason"},
	)

	cacheRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "cache_rows",
			Help:      "KV cache rows by state",
		},
		[]string{"state"},
	)

	speculativeTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "speculative_tokens_total",
			Help:      "Draft tokens proposed and accepted",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, queueFullTotal, liveSequences, tickDuration, stepDuration,
		preprocessDuration, queueWait, tokensGenerated, finishedTotal, cacheRows, speculativeTokens)
}
