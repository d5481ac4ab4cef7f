package refresher

import (
	"context"
	"sync"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/storage"
)

// Reader reads a Cache for display. When the cache cannot be read it serves
// the last counts it saw for the torrent instead of failing.
type Reader struct {
	cache Cache

	mu   sync.RWMutex
	last map[uint64]storage.Counts
}

// NewReader wraps cache.
func NewReader(cache Cache) *Reader {
	return &Reader{cache: cache, last: make(map[uint64]storage.Counts)}
}

// Counts returns the cached counts of a torrent. stale is true when the
// cache failed and a previous value, or nothing, was served.
func (r *Reader) Counts(ctx context.Context, torrentID uint64) (counts storage.Counts, stale bool) {
	counts, err := r.cache.Load(ctx, torrentID)
	if err != nil {
		PromReadFailures.Inc()
		log.Warn("peer count cache unavailable, serving last known counts", log.Fields{"torrentID": torrentID}, log.Err(err))

		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.last[torrentID], true
	}

	r.mu.Lock()
	r.last[torrentID] = counts
	r.mu.Unlock()
	return counts, false
}
