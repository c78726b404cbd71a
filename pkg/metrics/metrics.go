package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Horizon is the oldest seqno a live cursor or transaction could still
	// observe, per kvdb.DB.Horizon.
	Horizon = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvdb_horizon",
			Help: "Oldest seqno visible to any live cursor or transaction",
		},
	)

	CursorsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvdb_cursors_live",
			Help: "Number of currently live cursors",
		},
	)

	CursorsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvdb_cursors_rejected_total",
			Help: "Total cursor creations rejected by the max-cursors admission check",
		},
	)

	TxnActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvdb_txn_active",
			Help: "Number of currently active transactions",
		},
	)

	TxnExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvdb_txn_expired_total",
			Help: "Total transactions aborted by the maintenance loop's expiry sweep",
		},
	)

	ThrottleSleepSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvdb_throttle_sleep_seconds",
			Help:    "Per-operation sleep duration imposed by the ingest throttle",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	ThrottleRateBytesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvdb_throttle_rate_bytes_per_sec",
			Help: "Current token-bucket refill rate of the ingest throttle",
		},
	)

	KVSOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvdb_kvs_op_total",
			Help: "Total key-value store operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	KVSOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvdb_kvs_op_duration_seconds",
			Help:    "Key-value store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	HealthFlag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvdb_health_flag",
			Help: "1 if a sticky health flag is raised, 0 otherwise",
		},
		[]string{"flag"},
	)

	CompactDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvdb_compact_duration_seconds",
			Help:    "Time taken by a compaction pass in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	StorageCapacityUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvdb_storage_capacity_used_bytes",
			Help: "Bytes currently used in the capacity tier",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Horizon,
		CursorsLive,
		CursorsRejectedTotal,
		TxnActive,
		TxnExpiredTotal,
		ThrottleSleepSeconds,
		ThrottleRateBytesPerSec,
		KVSOpTotal,
		KVSOpDuration,
		HealthFlag,
		CompactDuration,
		StorageCapacityUsedBytes,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and observing its elapsed
// duration into one or more histograms.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vector
// under the given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
