// Package bittorrent implements the wire-level abstractions shared by the
// announce frontend and the tracker logic: peer and torrent identifiers,
// announce requests and responses, and the errors that may be shown to a
// client.
package bittorrent

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sharehaven/tracker/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// ErrInvalidPeerID is returned when a peer_id is empty or longer than 20
// bytes.
var ErrInvalidPeerID = ClientError("peer_id must be between 1 and 20 bytes")

// ParsePeerID creates a PeerID from the raw value of a peer_id parameter.
// Values shorter than 20 bytes are zero padded.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	if len(s) == 0 || len(s) > len(p) {
		return p, ErrInvalidPeerID
	}
	copy(p[:], s)
	return p, nil
}

// PeerIDFromRawString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromRawString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var p PeerID
	copy(p[:], s)
	return p
}

// String implements fmt.Stringer, returning a string of hex encoded bytes.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// RawString returns the bytes of a PeerID interpreted as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// ClientID represents the part of a PeerID that identifies a Peer's client
// software.
type ClientID [6]byte

// ClientID returns the client-identifying section of a PeerID.
//
// Azureus-style IDs ("-AZ2060-...") drop the leading dash, Shad0w-style IDs
// use the first six bytes as they are.
func (p PeerID) ClientID() ClientID {
	var cid ClientID
	if p[0] == '-' {
		copy(cid[:], p[1:7])
	} else {
		copy(cid[:], p[:6])
	}
	return cid
}

// String returns the printable part of the ClientID.
func (c ClientID) String() string {
	return strings.TrimRight(string(c[:]), "\x00")
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var ih InfoHash
	copy(ih[:], s)
	return ih
}

// String implements fmt.Stringer, returning the base16 encoded InfoHash.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	// Credential is the opaque path segment that authorizes the announce.
	// It is deliberately left out of LogFields.
	Credential string

	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	Peer
	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":           r.Event,
		"infoHash":        r.InfoHash,
		"compact":         r.Compact,
		"eventProvided":   r.EventProvided,
		"numWantProvided": r.NumWantProvided,
		"ipProvided":      r.IPProvided,
		"numWant":         r.NumWant,
		"left":            r.Left,
		"downloaded":      r.Downloaded,
		"uploaded":        r.Uploaded,
		"peer":            r.Peer,
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	Complete    uint32
	Incomplete  uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"compact":     r.Compact,
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"ipv4Peers":   len(r.IPv4Peers),
		"ipv6Peers":   len(r.IPv6Peers),
	}
}

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	ID       PeerID
	AddrPort netip.AddrPort
}

// String implements fmt.Stringer for a human-friendly representation of a
// Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.AddrPort)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   p.ID,
		"ip":   p.AddrPort.Addr(),
		"port": p.AddrPort.Port(),
	}
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
