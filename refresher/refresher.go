// Package refresher periodically copies the size of every swarm into a cache
// that torrent listings read outside of the announce path. The cached counts
// may lag the swarm by up to one refresh interval.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/storage"
)

// Name is the name of this component in logs and configuration.
const Name = "refresher"

const (
	defaultInterval = 5 * time.Minute
	lockName        = "tracker:peercount-refresh"
)

// Config holds the configuration of a Refresher.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{"interval": cfg.Interval}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.Interval <= 0 {
		validcfg.Interval = defaultInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Interval",
			"provided": cfg.Interval,
			"default":  validcfg.Interval,
		})
	}
	return validcfg
}

// Cache holds the last published swarm sizes.
type Cache interface {
	// Store replaces the cached counts. Torrents that were cached before
	// and are missing from counts read as empty afterwards.
	Store(ctx context.Context, counts map[uint64]storage.Counts) error

	// Load returns the cached counts of a torrent. Unknown torrents are
	// empty.
	Load(ctx context.Context, torrentID uint64) (storage.Counts, error)
}

// Source provides the swarm sizes. storage.PeerStore implements it.
type Source interface {
	Counts() map[uint64]storage.Counts
}

// Locker runs fn on at most one tracker instance at a time.
// *redisconn.Backend implements it.
type Locker interface {
	Exclusive(name string, ttl time.Duration, fn func() error) (bool, error)
}

// Refresher copies the swarm sizes of a Source into a Cache on a timer.
type Refresher struct {
	cfg    Config
	source Source
	cache  Cache
	locker Locker

	closing chan struct{}
	wg      sync.WaitGroup
}

// New starts a Refresher. When locker is nil every instance refreshes.
func New(cfg Config, source Source, cache Cache, locker Locker) *Refresher {
	r := &Refresher{
		cfg:     cfg.Validate(),
		source:  source,
		cache:   cache,
		locker:  locker,
		closing: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Refresher) run() {
	defer r.wg.Done()

	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-r.closing:
			return
		case <-t.C:
			r.refreshOnce()
		}
	}
}

func (r *Refresher) refreshOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()
	go func() {
		select {
		case <-r.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	run := func() error { return r.Refresh(ctx) }

	var err error
	if r.locker == nil {
		err = run()
	} else {
		var ran bool
		ran, err = r.locker.Exclusive(lockName, r.cfg.Interval, run)
		if !ran && err == nil {
			log.Debug("peer count refresh running elsewhere")
		}
	}
	if err != nil {
		log.Error("peer count refresh failed", log.Err(err))
	}
}

// Refresh takes one snapshot of the source and stores it. Running it twice
// in a row stores the same state.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	counts := r.source.Counts()

	if err := r.cache.Store(ctx, counts); err != nil {
		return errors.Wrap(err, "store peer counts")
	}

	recordRefreshDuration(time.Since(start))
	PromCachedTorrents.Set(float64(len(counts)))
	log.Debug("refreshed peer counts", log.Fields{"torrents": len(counts)})
	return nil
}

// Stop stops the timer and waits for a running refresh to return.
func (r *Refresher) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(r.closing)
		r.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
