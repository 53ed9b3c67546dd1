package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bhr", Name: "blocks_total", Help: "Number of block requests accepted"},
		[]string{"source"},
	)
	MetricDuplicateBlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "bhr", Name: "duplicate_blocks_total", Help: "Block requests deduplicated onto an existing active block"},
	)
	MetricWhitelistRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "bhr", Name: "whitelist_rejections_total", Help: "Block requests rejected by the whitelist"},
	)
	MetricConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bhr", Name: "confirmations_total", Help: "Agent blocked confirmations"},
		[]string{"ident"},
	)
	MetricUnconfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bhr", Name: "unconfirmations_total", Help: "Agent unblocked reports"},
		[]string{"ident"},
	)
	MetricExpiredBlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "bhr", Name: "expired_blocks_total", Help: "Blocks deactivated by the expiry sweeper"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bhr",
			Name:      "http_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bhr",
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricBlocksTotal)
	prometheus.MustRegister(MetricDuplicateBlocksTotal)
	prometheus.MustRegister(MetricWhitelistRejectionsTotal)
	prometheus.MustRegister(MetricConfirmationsTotal)
	prometheus.MustRegister(MetricUnconfirmationsTotal)
	prometheus.MustRegister(MetricExpiredBlocksTotal)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
