// Package tracker implements the announce logic of the tracker: it
// authenticates the announce, updates the swarm, credits traffic, screens for
// cheating and builds the response.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/cheat"
	"github.com/sharehaven/tracker/credential"
	"github.com/sharehaven/tracker/frontend"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/site"
	"github.com/sharehaven/tracker/storage"
)

var (
	// ErrUnauthorized is returned for unknown, revoked or malformed
	// credentials.
	ErrUnauthorized = bittorrent.ClientError("unauthorized")

	// ErrUnknownTorrent is returned for infohashes that are not registered
	// or belong to a deleted torrent.
	ErrUnknownTorrent = bittorrent.ClientError("unregistered torrent")

	// ErrTorrentMismatch is returned when the credential was issued for a
	// different torrent.
	ErrTorrentMismatch = bittorrent.ClientError("credential is not valid for this torrent")

	// ErrTrackerBanned is returned to users whose tracker access is
	// disabled.
	ErrTrackerBanned = bittorrent.ClientError("tracker access disabled")

	// ErrPeerIDInUse is returned when another user already announces the
	// same peer id on the torrent.
	ErrPeerIDInUse = bittorrent.ClientError("peer_id is in use")
)

// Default config constants.
const (
	defaultAnnounceInterval = 30 * time.Minute
	defaultPersistTimeout   = 5 * time.Second
)

// Config holds the announce and swarm timing of the tracker.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`

	// GCInterval is how often expired peers are reaped. PeerLifetime is how
	// long a peer stays in its swarm without announcing.
	GCInterval   time.Duration `yaml:"gc_interval"`
	PeerLifetime time.Duration `yaml:"peer_lifetime"`

	// PersistTimeout bounds the write of accounted traffic once an announce
	// has been decided.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    cfg.AnnounceInterval,
		"minAnnounceInterval": cfg.MinAnnounceInterval,
		"gcInterval":          cfg.GCInterval,
		"peerLifetime":        cfg.PeerLifetime,
		"persistTimeout":      cfg.PersistTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		warnDefault("AnnounceInterval", cfg.AnnounceInterval, validcfg.AnnounceInterval)
	}

	if cfg.MinAnnounceInterval <= 0 || cfg.MinAnnounceInterval > validcfg.AnnounceInterval {
		validcfg.MinAnnounceInterval = validcfg.AnnounceInterval / 2
		warnDefault("MinAnnounceInterval", cfg.MinAnnounceInterval, validcfg.MinAnnounceInterval)
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = 2 * validcfg.AnnounceInterval
		warnDefault("PeerLifetime", cfg.PeerLifetime, validcfg.PeerLifetime)
	}

	if cfg.GCInterval <= 0 {
		validcfg.GCInterval = validcfg.AnnounceInterval / 2
		warnDefault("GCInterval", cfg.GCInterval, validcfg.GCInterval)
	}

	if cfg.PersistTimeout <= 0 {
		validcfg.PersistTimeout = defaultPersistTimeout
		warnDefault("PersistTimeout", cfg.PersistTimeout, validcfg.PersistTimeout)
	}

	return validcfg
}

func warnDefault(name string, provided, def interface{}) {
	log.Warn("falling back to default configuration", log.Fields{
		"name":     "tracker." + name,
		"provided": provided,
		"default":  def,
	})
}

// Credentials is the part of credential.Service used by the Logic.
type Credentials interface {
	Validate(ctx context.Context, raw string) (credential.Credential, bool, error)
	TouchUsage(token uuid.UUID)
}

// FindingRecorder takes findings off the announce path.
type FindingRecorder interface {
	Record(findings ...cheat.Finding)
}

// Dependencies are the collaborators of a Logic.
type Dependencies struct {
	Credentials Credentials
	Users       site.Users
	Torrents    site.Torrents
	Settings    site.Settings
	Peers       storage.PeerStore
	Detector    *cheat.Detector
	Locations   *cheat.Locations
	Findings    FindingRecorder
	Completions site.CompletionHook
}

var _ frontend.TrackerLogic = &Logic{}

// Logic is the announce state machine.
type Logic struct {
	cfg Config
	Dependencies
	now func() time.Time

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewLogic creates a Logic and starts reaping expired peers.
func NewLogic(provided Config, deps Dependencies) *Logic {
	l := &Logic{
		cfg:          provided.Validate(),
		Dependencies: deps,
		now:          time.Now,
		closing:      make(chan struct{}),
	}

	l.wg.Add(1)
	go l.runGC()
	return l
}

// HandleAnnounce implements frontend.TrackerLogic.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	cred, valid, err := l.Credentials.Validate(ctx, req.Credential)
	if err != nil {
		return nil, errors.Wrap(err, "validate credential")
	}
	if !valid {
		return nil, ErrUnauthorized
	}

	torrent, err := l.Torrents.ByInfoHash(ctx, req.InfoHash)
	if errors.Is(err, site.ErrTorrentNotFound) {
		return nil, ErrUnknownTorrent
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup torrent")
	}
	if torrent.Deleted {
		return nil, ErrUnknownTorrent
	}
	if torrent.ID != cred.TorrentID {
		return nil, ErrTorrentMismatch
	}

	user, err := l.Users.User(ctx, cred.UserID)
	if errors.Is(err, site.ErrUserNotFound) {
		return nil, ErrUnauthorized
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	if user.Bans.Has(site.TrackerBan) {
		return nil, ErrTrackerBanned
	}

	now := l.now()
	a := &announce{
		req:     req,
		user:    user,
		torrent: torrent,
		now:     now,
		others:  l.Locations.Others(user.ID, req.AddrPort.Addr(), now),
	}

	key := storage.PeerKey{TorrentID: torrent.ID, PeerID: req.ID}
	if _, err := l.Peers.Apply(ctx, key, func(prev *storage.PeerRecord) (*storage.PeerRecord, error) {
		return l.apply(ctx, a, prev)
	}); err != nil {
		return nil, err
	}

	// Everything below happens after the announce is committed.
	if len(a.findings) > 0 {
		l.Findings.Record(a.findings...)
	}
	if req.Event != bittorrent.Stopped {
		l.Locations.Observe(user.ID, req.AddrPort.Addr(), now)
	}
	if a.completed {
		l.Completions.Notify(site.Completion{
			UserID:    user.ID,
			TorrentID: torrent.ID,
			PeerID:    req.ID,
			At:        now,
		})
	}
	l.Credentials.TouchUsage(cred.Token)

	log.Debug("announce committed", req, a.delta)
	return l.response(req, key, a.seeder), nil
}

// response builds the response of a committed announce.
func (l *Logic) response(req *bittorrent.AnnounceRequest, key storage.PeerKey, seeder bool) *bittorrent.AnnounceResponse {
	seeders, leechers := l.Peers.CountSeedersLeechers(key.TorrentID)
	resp := &bittorrent.AnnounceResponse{
		Compact:     req.Compact,
		Complete:    uint32(seeders),
		Incomplete:  uint32(leechers),
		Interval:    l.cfg.AnnounceInterval,
		MinInterval: l.cfg.MinAnnounceInterval,
	}
	if req.Event == bittorrent.Stopped {
		return resp
	}

	for _, rec := range l.Peers.AnnouncePeers(key.TorrentID, key, seeder, int(req.NumWant)) {
		if rec.Addr.Addr().Is4() {
			resp.IPv4Peers = append(resp.IPv4Peers, rec.Peer())
		} else {
			resp.IPv6Peers = append(resp.IPv6Peers, rec.Peer())
		}
	}
	return resp
}

// runGC reaps expired peers every GCInterval.
func (l *Logic) runGC() {
	defer l.wg.Done()

	t := time.NewTicker(l.cfg.GCInterval)
	defer t.Stop()

	for {
		select {
		case <-l.closing:
			return
		case <-t.C:
			l.reap()
		}
	}
}

func (l *Logic) reap() []storage.PeerKey {
	now := l.now()
	removed := l.Peers.ReapExpired(now, l.cfg.PeerLifetime, l.finalize)
	users := l.Locations.Prune(now)
	log.Debug("reaped expired peers", log.Fields{
		"removed":         len(removed),
		"trackedLocation": users,
	})
	return removed
}

// Stop stops reaping.
func (l *Logic) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(l.closing)
		l.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
