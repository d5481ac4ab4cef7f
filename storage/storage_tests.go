package storage

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/bittorrent"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testKey(torrentID uint64, id string) PeerKey {
	return PeerKey{TorrentID: torrentID, PeerID: bittorrent.PeerIDFromRawString(id)}
}

func testRecord(key PeerKey, seeder bool, addr string) PeerRecord {
	return PeerRecord{
		UserID:       1,
		TorrentID:    key.TorrentID,
		PeerID:       key.PeerID,
		Addr:         netip.MustParseAddrPort(addr),
		Seeder:       seeder,
		FirstSeen:    testEpoch,
		LastAnnounce: testEpoch,
	}
}

// TestPeerStore tests a PeerStore implementation against the interface. The
// store must be empty and is stopped at the end.
func TestPeerStore(t *testing.T, ps PeerStore) {
	ctx := context.Background()

	t.Run("apply creates updates and removes", func(t *testing.T) {
		key := testKey(1, "-TR3000-000000000001")

		prev, err := ps.Apply(ctx, key, func(prev *PeerRecord) (*PeerRecord, error) {
			require.Nil(t, prev)
			rec := testRecord(key, false, "10.0.0.1:6881")
			rec.Uploaded = 10
			return &rec, nil
		})
		require.NoError(t, err)
		require.Nil(t, prev)

		s, l := ps.CountSeedersLeechers(1)
		require.Equal(t, 0, s)
		require.Equal(t, 1, l)

		prev, err = ps.Apply(ctx, key, func(prev *PeerRecord) (*PeerRecord, error) {
			require.NotNil(t, prev)
			require.Equal(t, uint64(10), prev.Uploaded)
			next := *prev
			next.Uploaded = 20
			next.Seeder = true
			return &next, nil
		})
		require.NoError(t, err)
		require.Equal(t, uint64(10), prev.Uploaded)

		got, ok := ps.Get(key)
		require.True(t, ok)
		require.Equal(t, uint64(20), got.Uploaded)
		s, l = ps.CountSeedersLeechers(1)
		require.Equal(t, 1, s)
		require.Equal(t, 0, l)

		_, err = ps.Apply(ctx, key, func(*PeerRecord) (*PeerRecord, error) { return nil, nil })
		require.NoError(t, err)
		_, ok = ps.Get(key)
		require.False(t, ok)
		s, l = ps.CountSeedersLeechers(1)
		require.Zero(t, s+l)
	})

	t.Run("apply error leaves the store untouched", func(t *testing.T) {
		key := testKey(2, "-TR3000-000000000002")
		_, err := ps.Upsert(ctx, key, testRecord(key, false, "10.0.0.2:6881"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = ps.Apply(ctx, key, func(prev *PeerRecord) (*PeerRecord, error) {
			prev.Uploaded = 999
			return nil, boom
		})
		require.Equal(t, boom, err)

		got, ok := ps.Get(key)
		require.True(t, ok)
		require.Zero(t, got.Uploaded)

		require.NoError(t, ps.Remove(ctx, key))
		require.Equal(t, ErrResourceDoesNotExist, ps.Remove(ctx, key))
	})

	t.Run("cancelled context does not run fn", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		key := testKey(3, "-TR3000-000000000003")
		_, err := ps.Apply(cctx, key, func(*PeerRecord) (*PeerRecord, error) {
			t.Fatal("fn must not run")
			return nil, nil
		})
		require.Equal(t, context.Canceled, err)
		_, ok := ps.Get(key)
		require.False(t, ok)
	})

	t.Run("announce peers", func(t *testing.T) {
		const tid = 4
		requester := testKey(tid, "-TR3000-00000000000r")
		_, err := ps.Upsert(ctx, requester, testRecord(requester, false, "10.0.4.1:6881"))
		require.NoError(t, err)

		var seeders, leechers []PeerKey
		for i := 0; i < 5; i++ {
			sk := testKey(tid, "-TR3000-0000000000s"+string(rune('0'+i)))
			_, err := ps.Upsert(ctx, sk, testRecord(sk, true, "10.0.4.2:6881"))
			require.NoError(t, err)
			seeders = append(seeders, sk)

			lk := testKey(tid, "-TR3000-0000000000l"+string(rune('0'+i)))
			_, err = ps.Upsert(ctx, lk, testRecord(lk, false, "[2001:db8::1]:6881"))
			require.NoError(t, err)
			leechers = append(leechers, lk)
		}

		peers := ps.AnnouncePeers(tid, requester, false, 50)
		require.Len(t, peers, 10)
		for _, p := range peers {
			require.NotEqual(t, requester.PeerID, p.PeerID)
		}

		peers = ps.AnnouncePeers(tid, seeders[0], true, 50)
		require.Len(t, peers, 6)
		for _, p := range peers {
			require.False(t, p.Seeder)
		}

		peers = ps.AnnouncePeers(tid, requester, false, 3)
		require.Len(t, peers, 3)
		unique := make(map[bittorrent.PeerID]bool)
		for _, p := range peers {
			unique[p.PeerID] = true
		}
		require.Len(t, unique, 3)

		require.Empty(t, ps.AnnouncePeers(tid, requester, false, 0))
		require.Empty(t, ps.AnnouncePeers(404, requester, false, 50))

		counts := ps.Counts()
		require.Equal(t, Counts{Seeders: 5, Leechers: 6}, counts[tid])

		for _, k := range append(append(seeders, leechers...), requester) {
			require.NoError(t, ps.Remove(ctx, k))
		}
		_, ok := ps.Counts()[tid]
		require.False(t, ok)
	})

	t.Run("reap expired", func(t *testing.T) {
		const tid = 5
		ttl := time.Minute
		stale := testKey(tid, "-TR3000-0000000stale")
		fresh := testKey(tid, "-TR3000-0000000fresh")
		failing := testKey(tid, "-TR3000-00000failing")

		staleRec := testRecord(stale, false, "10.0.5.1:6881")
		freshRec := testRecord(fresh, false, "10.0.5.2:6881")
		freshRec.LastAnnounce = testEpoch.Add(30 * time.Second)
		failingRec := testRecord(failing, true, "10.0.5.3:6881")

		for _, r := range []PeerRecord{staleRec, freshRec, failingRec} {
			_, err := ps.Upsert(ctx, r.Key(), r)
			require.NoError(t, err)
		}

		var finalized []PeerKey
		onExpire := func(rec PeerRecord) error {
			if rec.Key() == failing {
				return errors.New("persistence unavailable")
			}
			finalized = append(finalized, rec.Key())
			return nil
		}

		removed := ps.ReapExpired(testEpoch.Add(ttl), ttl, onExpire)
		require.Equal(t, []PeerKey{stale}, removed)
		require.Equal(t, []PeerKey{stale}, finalized)

		_, ok := ps.Get(failing)
		require.True(t, ok, "a peer whose finalizer failed stays for the next run")
		_, ok = ps.Get(fresh)
		require.True(t, ok)

		removed = ps.ReapExpired(testEpoch.Add(ttl+time.Hour), ttl, nil)
		require.ElementsMatch(t, []PeerKey{fresh, failing}, removed)
		s, l := ps.CountSeedersLeechers(tid)
		require.Zero(t, s+l)
	})

	t.Run("updates of one key are serialized", func(t *testing.T) {
		key := testKey(6, "-TR3000-000000000006")
		const workers = 64

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ps.Apply(ctx, key, func(prev *PeerRecord) (*PeerRecord, error) {
					next := testRecord(key, false, "10.0.6.1:6881")
					if prev != nil {
						next = *prev
					}
					next.Uploaded++
					return &next, nil
				})
				if err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		got, ok := ps.Get(key)
		require.True(t, ok)
		require.Equal(t, uint64(workers), got.Uploaded)
		require.NoError(t, ps.Remove(ctx, key))
	})

	t.Run("stop", func(t *testing.T) {
		require.Empty(t, ps.Stop().Wait())

		key := testKey(7, "-TR3000-000000000007")
		_, err := ps.Upsert(ctx, key, testRecord(key, false, "10.0.7.1:6881"))
		require.Equal(t, ErrStopped, err)
	})
}
