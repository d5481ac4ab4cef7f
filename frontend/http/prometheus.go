package http

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharehaven/tracker/bittorrent"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tracker_http_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"action", "address_family", "error"},
)

// recordResponseDuration records the duration of time to respond to a Request
// in milliseconds.
func recordResponseDuration(action string, ip netip.Addr, err error, duration time.Duration) {
	var errString string
	if err != nil {
		var clientErr bittorrent.ClientError
		if errors.As(err, &clientErr) {
			errString = clientErr.Error()
		} else {
			errString = "internal error"
		}
	}

	var addressFamily string
	switch {
	case !ip.IsValid(), ip.IsUnspecified():
		addressFamily = "Unknown"
	case ip.Is4(), ip.Is4In6():
		addressFamily = "IPv4"
	case ip.Is6():
		addressFamily = "IPv6"
	default:
		addressFamily = "Unknown"
	}

	promResponseDurationMilliseconds.
		WithLabelValues(action, addressFamily, errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
