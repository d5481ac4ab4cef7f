package refresher

import (
	"context"
	"sync"

	"github.com/sharehaven/tracker/storage"
)

// MemoryCache is a Cache for a single tracker instance.
type MemoryCache struct {
	mu     sync.RWMutex
	counts map[uint64]storage.Counts
}

var _ Cache = &MemoryCache{}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{counts: make(map[uint64]storage.Counts)}
}

// Store implements Cache.
func (c *MemoryCache) Store(_ context.Context, counts map[uint64]storage.Counts) error {
	next := make(map[uint64]storage.Counts, len(counts))
	for id, n := range counts {
		next[id] = n
	}

	c.mu.Lock()
	c.counts = next
	c.mu.Unlock()
	return nil
}

// Load implements Cache.
func (c *MemoryCache) Load(_ context.Context, torrentID uint64) (storage.Counts, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[torrentID], nil
}
