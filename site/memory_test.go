package site

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/bittorrent"
)

func TestMemoryUsers(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers()

	_, err := users.User(ctx, 1)
	require.Equal(t, ErrUserNotFound, err)
	require.Equal(t, ErrUserNotFound, users.AddTraffic(ctx, 1, Traffic{Uploaded: 1}))

	users.Put(User{ID: 1, Bans: ForumBan})
	u, err := users.User(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, ForumBan, u.Bans)

	require.NoError(t, users.AddTraffic(ctx, 1, Traffic{NominalUploaded: 10, Uploaded: 20}))
	require.NoError(t, users.AddTraffic(ctx, 1, Traffic{NominalDownloaded: 5, Downloaded: 0}))
	require.Equal(t, Totals{NominalUploaded: 10, NominalDownloaded: 5, Uploaded: 20}, users.Totals(1))
}

func TestMemoryUsersCompareAndSwapWarnings(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers()
	users.Put(User{ID: 7})

	w, err := users.Warnings(ctx, 7)
	require.NoError(t, err)

	next := w
	next.Count = 1
	next.Bans |= TrackerBan
	ok, err := users.CompareAndSwapWarnings(ctx, 7, w, next)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale version loses.
	ok, err = users.CompareAndSwapWarnings(ctx, 7, w, next)
	require.NoError(t, err)
	require.False(t, ok)

	u, err := users.User(ctx, 7)
	require.NoError(t, err)
	require.True(t, u.Bans.Has(TrackerBan))

	w, err = users.Warnings(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, w.Count)
	require.Equal(t, uint64(1), w.Version)
}

func TestMemoryUsersConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers()
	users.Put(User{ID: 3})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				w, err := users.Warnings(ctx, 3)
				if !assert.NoError(t, err) {
					return
				}
				next := w
				next.Count++
				ok, err := users.CompareAndSwapWarnings(ctx, 3, w, next)
				if !assert.NoError(t, err) || ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	w, err := users.Warnings(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 50, w.Count)
}

func TestMemoryTorrents(t *testing.T) {
	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")
	torrents := NewMemoryTorrents(Torrent{ID: 9, InfoHash: ih})

	got, err := torrents.ByInfoHash(context.Background(), ih)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.ID)

	_, err = torrents.ByInfoHash(context.Background(), bittorrent.InfoHashFromString("bbbbbbbbbbbbbbbbbbbb"))
	require.Equal(t, ErrTorrentNotFound, err)
}

func TestTotalsSaturate(t *testing.T) {
	tot := Totals{Uploaded: ^uint64(0) - 1}
	tot = tot.Add(Traffic{Uploaded: 5, NominalUploaded: 5})
	require.Equal(t, ^uint64(0), tot.Uploaded)
	require.Equal(t, uint64(5), tot.NominalUploaded)
}

func TestStaticSettings(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := StaticSettings{FreeleechPercent: 50, FreeleechUntil: now}

	require.Equal(t, uint8(50), s.SiteFreeleech(now.Add(-time.Second)))
	require.Equal(t, uint8(0), s.SiteFreeleech(now))
	require.Equal(t, uint8(0), StaticSettings{}.SiteFreeleech(now))
}

func TestCompletionRecorder(t *testing.T) {
	var r CompletionRecorder
	r.Notify(Completion{UserID: 1, TorrentID: 2})
	require.Equal(t, []Completion{{UserID: 1, TorrentID: 2}}, r.Completions())
}

func TestMemoryUsersCompareAndSwapKeepsSiteBans(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers()
	users.Put(User{ID: 7, Bans: ForumBan})

	w, err := users.Warnings(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, ForumBan, w.Bans)

	// The site lifts the forum ban and bans logins without touching the
	// warning counter.
	users.users[7].Bans = LoginBan

	next := w
	next.Count = 1
	next.Bans |= TrackerBan
	ok, err := users.CompareAndSwapWarnings(ctx, 7, w, next)
	require.NoError(t, err)
	require.True(t, ok)

	u, err := users.User(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, LoginBan|TrackerBan, u.Bans)
}
