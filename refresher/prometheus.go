package refresher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromRefreshDurationMilliseconds,
		PromCachedTorrents,
		PromReadFailures,
	)
}

var (
	// PromRefreshDurationMilliseconds is a histogram of the time it takes to
	// snapshot and store the peer counts.
	PromRefreshDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_refresher_duration_milliseconds",
		Help:    "The time it takes to refresh the peer count cache",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromCachedTorrents is the number of torrents written by the last
	// refresh.
	PromCachedTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_refresher_torrents_count",
		Help: "The number of torrents with peers in the last refresh",
	})

	// PromReadFailures counts cache reads answered from the last known
	// counts.
	PromReadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_refresher_read_failures_total",
		Help: "The number of peer count reads served stale because the cache failed",
	})
)

func recordRefreshDuration(duration time.Duration) {
	PromRefreshDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
