// Package storage defines the swarm store: the live peers of every torrent,
// keyed by torrent id and peer id.
package storage

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
type Driver interface {
	NewPeerStore(cfg interface{}) (PeerStore, error)
}

// ErrResourceDoesNotExist is the error returned by all delete methods in the
// store if the requested resource does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a peer
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// ErrStopped is returned by mutating methods after Stop was called.
var ErrStopped = errors.New("peer store is stopped")

// PeerKey identifies a peer within the store.
type PeerKey struct {
	TorrentID uint64
	PeerID    bittorrent.PeerID
}

// PeerRecord is the state of one peer in one swarm.
type PeerRecord struct {
	UserID    uint64
	TorrentID uint64
	PeerID    bittorrent.PeerID
	ClientID  bittorrent.ClientID
	Addr      netip.AddrPort

	// Uploaded and Downloaded are the raw session counters last reported by
	// the client; they are the watermark the next announce is accounted
	// against.
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Seeder     bool

	FirstSeen    time.Time
	LastAnnounce time.Time

	// CompletedAt is zero until the peer first reports completion.
	CompletedAt time.Time
}

// Key returns the key of r.
func (r PeerRecord) Key() PeerKey {
	return PeerKey{TorrentID: r.TorrentID, PeerID: r.PeerID}
}

// Peer returns the wire representation of r.
func (r PeerRecord) Peer() bittorrent.Peer {
	return bittorrent.Peer{ID: r.PeerID, AddrPort: r.Addr}
}

// LogFields implements log.Fielder.
func (r PeerRecord) LogFields() log.Fields {
	return log.Fields{
		"userID":       r.UserID,
		"torrentID":    r.TorrentID,
		"peerID":       r.PeerID,
		"addr":         r.Addr,
		"seeder":       r.Seeder,
		"lastAnnounce": r.LastAnnounce,
	}
}

// Counts is the size of a swarm.
type Counts struct {
	Seeders  int
	Leechers int
}

// ApplyFunc computes the next record of a peer from a copy of its previous
// record, which is nil when the peer is not in the swarm. Returning a nil
// record removes the peer. Returning an error leaves the store untouched.
type ApplyFunc func(prev *PeerRecord) (*PeerRecord, error)

// ExpireFunc is called with a peer that timed out, before it is removed. An
// error keeps the peer in the store so that it is retried later.
type ExpireFunc func(rec PeerRecord) error

// PeerStore is an interface that abstracts the interactions of storing and
// manipulating peers such that it can be implemented for various data
// stores.
//
// Updates of the same key are serialized; updates of different keys do not
// wait on each other.
type PeerStore interface {
	// Apply runs fn and stores its result while holding the lock of key,
	// so that fn observes a consistent previous record. It returns that
	// previous record. fn must not mutate the store itself.
	Apply(ctx context.Context, key PeerKey, fn ApplyFunc) (*PeerRecord, error)

	// Upsert stores rec under key and returns the previous record.
	Upsert(ctx context.Context, key PeerKey, rec PeerRecord) (*PeerRecord, error)

	// Remove deletes the peer, returning ErrResourceDoesNotExist if it is not
	// in the swarm.
	Remove(ctx context.Context, key PeerKey) error

	// Get returns a copy of the record stored under key.
	Get(key PeerKey) (PeerRecord, bool)

	// CountSeedersLeechers returns the size of a swarm. Unknown torrents
	// have no peers.
	CountSeedersLeechers(torrentID uint64) (seeders, leechers int)

	// AnnouncePeers returns up to numWant peers of a swarm, never the one
	// identified by exclude. Seeders only receive leechers. When there are
	// more candidates than numWant, the result is a uniform random sample.
	AnnouncePeers(torrentID uint64, exclude PeerKey, seeder bool, numWant int) []PeerRecord

	// ReapExpired removes every peer whose last announce is at least ttl
	// before now, calling onExpire first, and returns the removed keys.
	// Peers that are being updated at the same time are left for the next
	// run.
	ReapExpired(now time.Time, ttl time.Duration, onExpire ExpireFunc) []PeerKey

	// Counts returns the size of every swarm. The snapshot is consistent per
	// swarm, not across swarms.
	Counts() map[uint64]Counts

	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore with given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, cfg interface{}) (PeerStore, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(cfg)
}
