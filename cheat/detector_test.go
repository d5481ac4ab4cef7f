package cheat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/accounting"
	"github.com/sharehaven/tracker/bittorrent"
)

var (
	t0   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	addr = netip.MustParseAddrPort("10.0.0.1:6881")
)

func testDetector() *Detector {
	return NewDetector(Config{
		MinIntervalTolerance: 10 * time.Second,
		MaxUploadRate:        10 << 20,
		MaxDownloadRate:      20 << 20,
		BannedClients:        []string{"XX", " BadCl "},
	})
}

func peer(id string) bittorrent.Peer {
	return bittorrent.Peer{ID: bittorrent.PeerIDFromRawString(id), AddrPort: addr}
}

func types(findings []Finding) []Type {
	var ts []Type
	for _, f := range findings {
		ts = append(ts, f.Type)
	}
	return ts
}

func TestEvaluate(t *testing.T) {
	d := testDetector()
	goodPeer := peer("-qB4250-abcdefghijkl")

	table := []struct {
		name     string
		in       Input
		expected []Type
		severity []Severity
	}{
		{
			name: "first announce",
			in:   Input{Event: bittorrent.Started, Peer: goodPeer, Now: t0, MinInterval: time.Minute},
		},
		{
			name: "regular periodic announce",
			in: Input{
				Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-30 * time.Minute), MinInterval: 15 * time.Minute,
				Delta: accounting.Delta{RawUploaded: 1 << 30},
			},
		},
		{
			name: "within tolerance",
			in:   Input{Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-55 * time.Second), MinInterval: time.Minute},
		},
		{
			name:     "spam",
			in:       Input{Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-5 * time.Second), MinInterval: time.Minute},
			expected: []Type{AnnounceSpam},
			severity: []Severity{Low},
		},
		{
			name: "early completed is not spam",
			in: Input{
				Event: bittorrent.Completed, Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-5 * time.Second),
				MinInterval: time.Minute,
			},
		},
		{
			name: "upload too fast",
			in: Input{
				Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-10 * time.Second),
				Delta: accounting.Delta{RawUploaded: 1_000_000_000},
			},
			expected: []Type{SpeedCheat},
			severity: []Severity{High},
		},
		{
			name: "download too fast",
			in: Input{
				Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-time.Second),
				Delta: accounting.Delta{RawDownloaded: 21 << 20},
			},
			expected: []Type{SpeedCheat},
			severity: []Severity{High},
		},
		{
			name: "rollback",
			in: Input{
				Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-time.Hour),
				Delta: accounting.Delta{UploadRolledBack: true},
			},
			expected: []Type{SpeedCheat},
			severity: []Severity{Medium},
		},
		{
			name: "restart resets counters",
			in: Input{
				Event: bittorrent.Started, Peer: goodPeer, Now: t0, PrevAnnounce: t0.Add(-time.Second),
				Delta: accounting.Delta{UploadRolledBack: true},
			},
		},
		{
			name: "multi location",
			in: Input{
				Peer: goodPeer, Now: t0,
				OtherAddrs: []netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("::1")},
			},
			expected: []Type{MultiLocation},
			severity: []Severity{Medium},
		},
		{
			name:     "banned client",
			in:       Input{Peer: peer("-XX1000-abcdefghijkl"), Now: t0},
			expected: []Type{ClientSpoof},
			severity: []Severity{High},
		},
		{
			name:     "banned shadow style client",
			in:       Input{Peer: peer("BadCl0abcdefghijklmn"), Now: t0},
			expected: []Type{ClientSpoof},
			severity: []Severity{High},
		},
		{
			name: "everything",
			in: Input{
				Peer: peer("-XX1000-abcdefghijkl"), Now: t0, PrevAnnounce: t0.Add(-time.Second),
				MinInterval: time.Minute,
				Delta:       accounting.Delta{RawUploaded: 1 << 40, DownloadRolledBack: true},
				OtherAddrs:  []netip.Addr{netip.MustParseAddr("10.0.0.2")},
			},
			expected: []Type{AnnounceSpam, SpeedCheat, SpeedCheat, MultiLocation, ClientSpoof},
			severity: []Severity{Low, Medium, High, Medium, High},
		},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.UserID, tt.in.TorrentID = 7, 9
			findings := d.Evaluate(tt.in)
			require.Equal(t, tt.expected, types(findings))
			for i, f := range findings {
				require.Equal(t, tt.severity[i], f.Severity)
				require.Equal(t, uint64(7), f.UserID)
				require.Equal(t, uint64(9), f.TorrentID)
				require.Equal(t, addr.Addr(), f.IP)
				require.Equal(t, t0, f.At)
				require.NotEmpty(t, f.Details)
			}
		})
	}
}

func TestSeverityNames(t *testing.T) {
	for _, sev := range []Severity{Low, Medium, High} {
		parsed, err := ParseSeverity(sev.String())
		require.NoError(t, err)
		require.Equal(t, sev, parsed)
	}
	_, err := ParseSeverity("critical")
	require.Equal(t, ErrUnknownSeverity, err)
	require.Panics(t, func() { _ = Severity(7).String() })
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, time.Duration(0), cfg.MinIntervalTolerance)
	require.Equal(t, uint64(defaultMaxRate), cfg.MaxUploadRate)
	require.Equal(t, defaultWarningThreshold, cfg.WarningThreshold)
	require.Equal(t, defaultQueueSize, cfg.QueueSize)

	cfg = Config{MinIntervalTolerance: -1, WarningThreshold: 5}.Validate()
	require.Equal(t, defaultMinIntervalTolerance, cfg.MinIntervalTolerance)
	require.Equal(t, 5, cfg.WarningThreshold)
}

func TestLocations(t *testing.T) {
	l := NewLocations(time.Minute)
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	c := netip.MustParseAddr("2001:db8::1")

	require.Empty(t, l.Others(1, a, t0))

	l.Observe(1, a, t0)
	l.Observe(1, c, t0.Add(10*time.Second))
	l.Observe(1, b, t0.Add(20*time.Second))
	l.Observe(2, b, t0)

	require.Equal(t, []netip.Addr{b, c}, l.Others(1, a, t0.Add(30*time.Second)))
	require.Equal(t, []netip.Addr{a, b, c}, l.Others(1, netip.MustParseAddr("10.9.9.9"), t0.Add(30*time.Second)))
	require.Empty(t, l.Others(2, b, t0))

	// a expires first.
	require.Equal(t, []netip.Addr{b, c}, l.Others(1, netip.Addr{}, t0.Add(65*time.Second)))

	require.Equal(t, 2, l.Prune(t0.Add(30*time.Second)))
	require.Equal(t, 1, l.Prune(t0.Add(70*time.Second)))
	require.Equal(t, 0, l.Prune(t0.Add(2*time.Minute)))
}
