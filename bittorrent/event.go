package bittorrent

import (
	"strings"
)

// ErrUnknownEvent is returned when NewEvent is given a name that is not in
// the event table.
var ErrUnknownEvent = ClientError("unknown event")

// Event represents an event done by a BitTorrent client.
type Event uint8

const (
	// None is the event when a BitTorrent client announces due to time lapsed
	// since the previous announce.
	None Event = iota

	// Started is the event sent by a BitTorrent client when it joins a swarm.
	Started

	// Stopped is the event sent by a BitTorrent client when it leaves a swarm.
	Stopped

	// Completed is the event sent by a BitTorrent client when it finishes
	// downloading all of the required chunks.
	Completed
)

// eventNames is the single table used in both directions at the protocol
// boundary. Index is the Event value.
var eventNames = [...]string{
	None:      "none",
	Started:   "started",
	Stopped:   "stopped",
	Completed: "completed",
}

// NewEvent returns the proper Event given a string. The empty string is the
// periodic announce.
func NewEvent(eventStr string) (Event, error) {
	if eventStr == "" {
		return None, nil
	}

	lower := strings.ToLower(eventStr)
	for e, name := range eventNames {
		if name == lower {
			return Event(e), nil
		}
	}

	return None, ErrUnknownEvent
}

// String implements Stringer for an event.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}

	panic("bittorrent: event has no associated name")
}
