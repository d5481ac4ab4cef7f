package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromGCDurationMilliseconds,
		PromInfohashesCount,
		PromSeedersCount,
		PromLeechersCount,
		PromReapedPeers,
	)
}

var (
	// PromGCDurationMilliseconds is a histogram used by the storage to record
	// the durations of execution time required for removing expired peers.
	PromGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_storage_gc_duration_milliseconds",
		Help:    "The time it takes to perform storage garbage collection",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromInfohashesCount is a gauge used to hold the current total amount of
	// swarms being tracked by a storage.
	PromInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_torrents_count",
		Help: "The number of torrents with at least one peer",
	})

	// PromSeedersCount is a gauge used to hold the current total amount of
	// seeders.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	// PromLeechersCount is a gauge used to hold the current total amount of
	// leechers.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	// PromReapedPeers counts peers removed because they stopped announcing.
	PromReapedPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_storage_reaped_peers_total",
		Help: "The number of peers removed after their lifetime expired",
	})
)

// RecordGCDuration records the duration of a GC sweep.
func RecordGCDuration(duration time.Duration) {
	PromGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
