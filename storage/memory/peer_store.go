// Package memory implements the storage interface for a tracker keeping its
// swarms in memory.
package memory

import (
	"context"
	"hash/maphash"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/storage"
)

// Name is the name by which this peer store is registered with the tracker.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount  = 1024
	defaultLockStripes = 4096
)

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg), nil
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	ShardCount  int `yaml:"shard_count"`
	LockStripes int `yaml:"lock_stripes"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":        Name,
		"shardCount":  cfg.ShardCount,
		"lockStripes": cfg.LockStripes,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.LockStripes <= 0 {
		validcfg.LockStripes = defaultLockStripes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LockStripes",
			"provided": cfg.LockStripes,
			"default":  validcfg.LockStripes,
		})
	}

	return validcfg
}

// New creates a new PeerStore backed by memory.
func New(provided Config) storage.PeerStore {
	cfg := provided.Validate()

	ps := &peerStore{
		shards:  make([]*peerShard, cfg.ShardCount),
		locks:   make([]sync.Mutex, cfg.LockStripes),
		seed:    maphash.MakeSeed(),
		closing: make(chan struct{}),
	}
	for i := range ps.shards {
		ps.shards[i] = &peerShard{swarms: make(map[uint64]*swarm)}
	}

	return ps
}

// peerShard holds the swarms of the torrents whose id maps to it. Its lock
// only guards map access; records are replaced, never modified in place, so a
// copy taken under the read lock stays consistent.
type peerShard struct {
	swarms map[uint64]*swarm
	sync.RWMutex
}

type swarm struct {
	peers    map[bittorrent.PeerID]*storage.PeerRecord
	seeders  int
	leechers int
}

type peerStore struct {
	shards []*peerShard

	// locks serialize read-modify-write cycles of the same key. A key always
	// maps to the same stripe.
	locks []sync.Mutex
	seed  maphash.Seed

	closing   chan struct{}
	closeOnce sync.Once
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) shard(torrentID uint64) *peerShard {
	return ps.shards[torrentID%uint64(len(ps.shards))]
}

func (ps *peerStore) lock(key storage.PeerKey) *sync.Mutex {
	return &ps.locks[maphash.Comparable(ps.seed, key)%uint64(len(ps.locks))]
}

func (ps *peerStore) stopped() bool {
	select {
	case <-ps.closing:
		return true
	default:
		return false
	}
}

// get returns a copy of the record of key. The caller holds the shard lock.
func (s *peerShard) get(key storage.PeerKey) *storage.PeerRecord {
	sw, ok := s.swarms[key.TorrentID]
	if !ok {
		return nil
	}
	rec, ok := sw.peers[key.PeerID]
	if !ok {
		return nil
	}
	c := *rec
	return &c
}

// put stores rec. The caller holds the shard write lock.
func (s *peerShard) put(key storage.PeerKey, rec *storage.PeerRecord) {
	sw, ok := s.swarms[key.TorrentID]
	if !ok {
		sw = &swarm{peers: make(map[bittorrent.PeerID]*storage.PeerRecord)}
		s.swarms[key.TorrentID] = sw
		storage.PromInfohashesCount.Inc()
	}

	if old, ok := sw.peers[key.PeerID]; ok {
		sw.uncount(old)
	}
	sw.peers[key.PeerID] = rec
	sw.count(rec)
}

// delete removes key and reports whether it was present. The caller holds
// the shard write lock.
func (s *peerShard) delete(key storage.PeerKey) bool {
	sw, ok := s.swarms[key.TorrentID]
	if !ok {
		return false
	}
	old, ok := sw.peers[key.PeerID]
	if !ok {
		return false
	}

	sw.uncount(old)
	delete(sw.peers, key.PeerID)
	if len(sw.peers) == 0 {
		delete(s.swarms, key.TorrentID)
		storage.PromInfohashesCount.Dec()
	}
	return true
}

func (sw *swarm) count(rec *storage.PeerRecord) {
	if rec.Seeder {
		sw.seeders++
		storage.PromSeedersCount.Inc()
	} else {
		sw.leechers++
		storage.PromLeechersCount.Inc()
	}
}

func (sw *swarm) uncount(rec *storage.PeerRecord) {
	if rec.Seeder {
		sw.seeders--
		storage.PromSeedersCount.Dec()
	} else {
		sw.leechers--
		storage.PromLeechersCount.Dec()
	}
}

func (ps *peerStore) Apply(ctx context.Context, key storage.PeerKey, fn storage.ApplyFunc) (*storage.PeerRecord, error) {
	if ps.stopped() {
		return nil, storage.ErrStopped
	}

	mu := ps.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shard := ps.shard(key.TorrentID)
	shard.RLock()
	prev := shard.get(key)
	shard.RUnlock()

	var arg *storage.PeerRecord
	if prev != nil {
		c := *prev
		arg = &c
	}

	next, err := fn(arg)
	if err != nil {
		return prev, err
	}

	shard.Lock()
	if next == nil {
		shard.delete(key)
	} else {
		rec := *next
		rec.TorrentID = key.TorrentID
		rec.PeerID = key.PeerID
		shard.put(key, &rec)
	}
	shard.Unlock()

	return prev, nil
}

func (ps *peerStore) Upsert(ctx context.Context, key storage.PeerKey, rec storage.PeerRecord) (*storage.PeerRecord, error) {
	return ps.Apply(ctx, key, func(*storage.PeerRecord) (*storage.PeerRecord, error) {
		return &rec, nil
	})
}

func (ps *peerStore) Remove(ctx context.Context, key storage.PeerKey) error {
	if ps.stopped() {
		return storage.ErrStopped
	}

	mu := ps.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	shard := ps.shard(key.TorrentID)
	shard.Lock()
	defer shard.Unlock()

	if !shard.delete(key) {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (ps *peerStore) Get(key storage.PeerKey) (storage.PeerRecord, bool) {
	shard := ps.shard(key.TorrentID)
	shard.RLock()
	defer shard.RUnlock()

	rec := shard.get(key)
	if rec == nil {
		return storage.PeerRecord{}, false
	}
	return *rec, true
}

func (ps *peerStore) CountSeedersLeechers(torrentID uint64) (seeders, leechers int) {
	shard := ps.shard(torrentID)
	shard.RLock()
	defer shard.RUnlock()

	if sw, ok := shard.swarms[torrentID]; ok {
		return sw.seeders, sw.leechers
	}
	return 0, 0
}

// AnnouncePeers samples the swarm with reservoir sampling, so every eligible
// peer has the same chance to be returned and map iteration order never
// leaks into the result.
func (ps *peerStore) AnnouncePeers(torrentID uint64, exclude storage.PeerKey, seeder bool, numWant int) []storage.PeerRecord {
	if numWant <= 0 {
		return nil
	}

	shard := ps.shard(torrentID)
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[torrentID]
	if !ok {
		return nil
	}

	peers := make([]storage.PeerRecord, 0, min(numWant, len(sw.peers)))
	seen := 0
	for id, rec := range sw.peers {
		if exclude.TorrentID == torrentID && id == exclude.PeerID {
			continue
		}
		if seeder && rec.Seeder {
			continue
		}

		seen++
		if len(peers) < numWant {
			peers = append(peers, *rec)
		} else if j := rand.IntN(seen); j < numWant {
			peers[j] = *rec
		}
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	return peers
}

func (ps *peerStore) ReapExpired(now time.Time, ttl time.Duration, onExpire storage.ExpireFunc) []storage.PeerKey {
	if ps.stopped() {
		return nil
	}

	start := time.Now()
	cutoff := now.Add(-ttl)
	var removed []storage.PeerKey

	for _, shard := range ps.shards {
		var candidates []storage.PeerKey
		shard.RLock()
		for tid, sw := range shard.swarms {
			for pid, rec := range sw.peers {
				if !rec.LastAnnounce.After(cutoff) {
					candidates = append(candidates, storage.PeerKey{TorrentID: tid, PeerID: pid})
				}
			}
		}
		shard.RUnlock()

		for _, key := range candidates {
			if ps.reap(shard, key, cutoff, onExpire) {
				removed = append(removed, key)
			}
		}
		runtime.Gosched()
	}

	storage.RecordGCDuration(time.Since(start))
	storage.PromReapedPeers.Add(float64(len(removed)))
	return removed
}

// reap removes one expired peer. A key whose lock is held is being announced
// right now and therefore is not expired.
func (ps *peerStore) reap(shard *peerShard, key storage.PeerKey, cutoff time.Time, onExpire storage.ExpireFunc) bool {
	mu := ps.lock(key)
	if !mu.TryLock() {
		return false
	}
	defer mu.Unlock()

	shard.RLock()
	rec := shard.get(key)
	shard.RUnlock()
	if rec == nil || rec.LastAnnounce.After(cutoff) {
		return false
	}

	if onExpire != nil {
		if err := onExpire(*rec); err != nil {
			log.Error("memory: failed to finalize expired peer", rec, log.Err(err))
			return false
		}
	}

	shard.Lock()
	ok := shard.delete(key)
	shard.Unlock()
	return ok
}

func (ps *peerStore) Counts() map[uint64]storage.Counts {
	counts := make(map[uint64]storage.Counts)
	for _, shard := range ps.shards {
		shard.RLock()
		for tid, sw := range shard.swarms {
			counts[tid] = storage.Counts{Seeders: sw.seeders, Leechers: sw.leechers}
		}
		shard.RUnlock()
	}
	return counts
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		ps.closeOnce.Do(func() { close(ps.closing) })
		c.Done()
	}()
	return c.Result()
}

func (ps *peerStore) LogFields() log.Fields {
	return log.Fields{
		"type":        Name,
		"shardCount":  len(ps.shards),
		"lockStripes": len(ps.locks),
	}
}
