package refresher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/storage"
)

type staticSource struct {
	mu     sync.Mutex
	counts map[uint64]storage.Counts
}

func (s *staticSource) set(counts map[uint64]storage.Counts) {
	s.mu.Lock()
	s.counts = counts
	s.mu.Unlock()
}

func (s *staticSource) Counts() map[uint64]storage.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

type countingLocker struct {
	mu   sync.Mutex
	runs int
	busy bool
}

func (l *countingLocker) Exclusive(_ string, _ time.Duration, fn func() error) (bool, error) {
	l.mu.Lock()
	busy := l.busy
	if !busy {
		l.runs++
	}
	l.mu.Unlock()
	if busy {
		return false, nil
	}
	return true, fn()
}

func (l *countingLocker) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

func TestRefreshReplacesCounts(t *testing.T) {
	src := &staticSource{counts: map[uint64]storage.Counts{
		1: {Seeders: 2, Leechers: 3},
		2: {Seeders: 1},
	}}
	cache := NewMemoryCache()
	r := New(Config{Interval: time.Hour}, src, cache, nil)
	defer r.Stop().Wait()

	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	got, err := cache.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, storage.Counts{Seeders: 2, Leechers: 3}, got)

	src.set(map[uint64]storage.Counts{1: {Leechers: 1}})
	require.NoError(t, r.Refresh(ctx))
	require.NoError(t, r.Refresh(ctx))

	got, err = cache.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, storage.Counts{Leechers: 1}, got)

	got, err = cache.Load(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestRefreshLoop(t *testing.T) {
	src := &staticSource{counts: map[uint64]storage.Counts{7: {Seeders: 1}}}
	cache := NewMemoryCache()
	locker := &countingLocker{}

	r := New(Config{Interval: 10 * time.Millisecond}, src, cache, locker)
	require.Eventually(t, func() bool {
		got, _ := cache.Load(context.Background(), 7)
		return got.Seeders == 1
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, r.Stop().Wait())
	require.Positive(t, locker.count())
}

func TestRefreshSkippedWhileLocked(t *testing.T) {
	src := &staticSource{counts: map[uint64]storage.Counts{7: {Seeders: 1}}}
	cache := NewMemoryCache()
	locker := &countingLocker{busy: true}

	r := New(Config{Interval: 5 * time.Millisecond}, src, cache, locker)
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, r.Stop().Wait())

	got, err := cache.Load(context.Background(), 7)
	require.NoError(t, err)
	require.Zero(t, got)
	require.Zero(t, locker.count())
}

type flakyCache struct {
	*MemoryCache
	fail bool
}

func (c *flakyCache) Load(ctx context.Context, torrentID uint64) (storage.Counts, error) {
	if c.fail {
		return storage.Counts{}, errors.New("connection refused")
	}
	return c.MemoryCache.Load(ctx, torrentID)
}

func TestReaderServesLastKnownCounts(t *testing.T) {
	ctx := context.Background()
	cache := &flakyCache{MemoryCache: NewMemoryCache()}
	require.NoError(t, cache.Store(ctx, map[uint64]storage.Counts{1: {Seeders: 4}}))

	r := NewReader(cache)
	counts, stale := r.Counts(ctx, 1)
	require.False(t, stale)
	require.Equal(t, 4, counts.Seeders)

	cache.fail = true
	counts, stale = r.Counts(ctx, 1)
	require.True(t, stale)
	require.Equal(t, 4, counts.Seeders)

	counts, stale = r.Counts(ctx, 2)
	require.True(t, stale)
	require.Zero(t, counts)
}

func TestConfigValidate(t *testing.T) {
	require.Equal(t, defaultInterval, Config{}.Validate().Interval)
	require.Equal(t, time.Minute, Config{Interval: time.Minute}.Validate().Interval)
}
