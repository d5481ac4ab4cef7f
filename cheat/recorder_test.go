package cheat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/site"
)

func highFinding(userID uint64) Finding {
	return Finding{UserID: userID, TorrentID: 1, Type: SpeedCheat, Severity: High, Details: "too fast", At: t0}
}

type fakeRevoker struct {
	mu      sync.Mutex
	revoked map[uint64]string
}

func (f *fakeRevoker) RevokeAllForUser(_ context.Context, userID uint64, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = make(map[uint64]string)
	}
	f.revoked[userID] = reason
	return 1, nil
}

func TestRecorderWritesAndEscalates(t *testing.T) {
	sink := NewMemorySink()
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})
	users.Put(site.User{ID: 2})
	revoker := &fakeRevoker{}

	r := NewRecorder(sink, users, revoker, Config{WarningThreshold: 2, WarningWindow: time.Hour})
	r.now = func() time.Time { return t0.Add(time.Minute) }
	r.Record(
		Finding{UserID: 1, Type: AnnounceSpam, Severity: Low},
		highFinding(1),
		Finding{UserID: 2, Type: MultiLocation, Severity: Medium},
		highFinding(1),
	)
	require.Empty(t, r.Stop().Wait())

	entries := sink.Entries()
	require.Len(t, entries, 4)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.ID)
		require.False(t, e.At.IsZero())
	}

	u, err := users.User(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, u.Bans.Has(site.TrackerBan))

	w, err := users.Warnings(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, w.Count)

	u, err = users.User(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, u.Bans.Has(site.TrackerBan))

	require.Equal(t, map[uint64]string{1: "tracker ban"}, revoker.revoked)
}

func TestRecorderWithoutRevoker(t *testing.T) {
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})

	r := NewRecorder(NewMemorySink(), users, nil, Config{WarningThreshold: 1, WarningWindow: time.Hour})
	r.now = func() time.Time { return t0 }
	r.Record(highFinding(1))
	require.Empty(t, r.Stop().Wait())

	u, err := users.User(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, u.Bans.Has(site.TrackerBan))
}

func TestEscalateWindow(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})

	r := NewRecorder(sink, users, nil, Config{WarningThreshold: 3, WarningWindow: time.Hour})
	defer r.Stop().Wait()

	now := t0
	r.now = func() time.Time { return now }
	warn := func(at time.Time) bool {
		now = at
		f := highFinding(1)
		f.At = at
		_, err := sink.Append(ctx, f)
		require.NoError(t, err)
		banned, err := r.Escalate(ctx, 1)
		require.NoError(t, err)
		return banned
	}

	require.False(t, warn(t0))
	require.False(t, warn(t0.Add(50*time.Minute)))

	// The first warning left the window.
	require.False(t, warn(t0.Add(70*time.Minute)))
	w, err := users.Warnings(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, w.Count)
	require.Equal(t, t0.Add(10*time.Minute), w.WindowStart)

	// Lower severities never count.
	_, err = sink.Append(ctx, Finding{UserID: 1, Type: AnnounceSpam, Severity: Medium, At: now})
	require.NoError(t, err)
	banned, err := r.Escalate(ctx, 1)
	require.NoError(t, err)
	require.False(t, banned)

	require.True(t, warn(t0.Add(80*time.Minute)))

	// Already banned: counted, not banned again.
	require.False(t, warn(t0.Add(81*time.Minute)))
	w, err = users.Warnings(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 4, w.Count)

	_, err = r.Escalate(ctx, 99)
	require.Error(t, err)
}

func TestEscalateBurstAcrossWindowBoundary(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})

	r := NewRecorder(sink, users, nil, Config{WarningThreshold: 3, WarningWindow: time.Hour})
	defer r.Stop().Wait()

	// One stale warning opens the counter, then three warnings land within
	// four minutes straddling an hour after it.
	var banned bool
	for _, at := range []time.Time{
		t0,
		t0.Add(58 * time.Minute),
		t0.Add(61 * time.Minute),
		t0.Add(62 * time.Minute),
	} {
		f := highFinding(1)
		f.At = at
		_, err := sink.Append(ctx, f)
		require.NoError(t, err)

		now := at
		r.now = func() time.Time { return now }
		banned, err = r.Escalate(ctx, 1)
		require.NoError(t, err)
	}
	require.True(t, banned)
}

func TestEscalateConcurrent(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})

	const workers = 50
	r := NewRecorder(sink, users, nil, Config{
		WarningThreshold:      workers,
		WarningWindow:         time.Hour,
		MaxEscalationAttempts: 10 * workers,
	})
	defer r.Stop().Wait()
	r.now = func() time.Time { return t0 }

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		bans int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sink.Append(ctx, highFinding(1))
			assert.NoError(t, err)
			banned, err := r.Escalate(ctx, 1)
			assert.NoError(t, err)
			if banned {
				mu.Lock()
				bans++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	w, err := users.Warnings(ctx, 1)
	require.NoError(t, err)
	require.True(t, w.Bans.Has(site.TrackerBan))
	require.Equal(t, 1, bans)
}

// contendedUsers never lets a swap succeed.
type contendedUsers struct {
	*site.MemoryUsers
}

func (contendedUsers) CompareAndSwapWarnings(context.Context, uint64, site.Warnings, site.Warnings) (bool, error) {
	return false, nil
}

func TestEscalateGivesUp(t *testing.T) {
	users := site.NewMemoryUsers()
	users.Put(site.User{ID: 1})

	r := NewRecorder(NewMemorySink(), contendedUsers{users}, nil, Config{MaxEscalationAttempts: 3})
	defer r.Stop().Wait()

	_, err := r.Escalate(context.Background(), 1)
	require.Equal(t, ErrEscalationContended, err)
}

func TestMemorySinkMarkProcessed(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	id, err := sink.Append(ctx, highFinding(1))
	require.NoError(t, err)

	require.NoError(t, sink.MarkProcessed(ctx, id, 42, t0))
	require.Equal(t, ErrEntryNotFound, sink.MarkProcessed(ctx, id, 43, t0))
	require.Equal(t, ErrEntryNotFound, sink.MarkProcessed(ctx, 100, 42, t0))

	n, err := sink.CountSince(ctx, 1, High, t0.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = sink.CountSince(ctx, 1, High, t0)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	e := sink.Entries()[0]
	require.Equal(t, uint64(42), e.ProcessedBy)
	require.Equal(t, t0, e.ProcessedAt)
}
