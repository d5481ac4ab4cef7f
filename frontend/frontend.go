// Package frontend defines what a transport needs from the tracker.
package frontend

import (
	"context"

	"github.com/sharehaven/tracker/bittorrent"
)

// TrackerLogic is the interface used by a frontend in order to generate a
// response from a parsed request.
type TrackerLogic interface {
	// HandleAnnounce generates a response for an Announce. By the time it
	// returns without an error, every effect of the announce is committed.
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error)
}
