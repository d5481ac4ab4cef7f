package http

import (
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/bittorrent"
)

var (
	testInfoHash = "\x12\x34\x56\x78\x9a\xbc\xde\xf0\x12\x34\x56\x78\x9a\xbc\xde\xf0\x12\x34\x56\x78"
	testPeerID   = "-qB4250-abcdefghijkl"
	testOptions  = ParseOptions{MaxNumWant: 100, DefaultNumWant: 50}
)

func announceURL(overrides map[string]string) string {
	v := url.Values{
		"info_hash":  {testInfoHash},
		"peer_id":    {testPeerID},
		"port":       {"6881"},
		"uploaded":   {"10"},
		"downloaded": {"20"},
		"left":       {"30"},
	}
	for key, val := range overrides {
		if val == "" {
			v.Del(key)
		} else {
			v.Set(key, val)
		}
	}
	return "/cred/announce?" + v.Encode()
}

func TestParseAnnounce(t *testing.T) {
	r := httptest.NewRequest("GET", announceURL(map[string]string{
		"event":   "Completed",
		"compact": "1",
		"numwant": "500",
	}), nil)
	r.RemoteAddr = "192.0.2.7:40000"

	req, err := ParseAnnounce(r, "cred", testOptions)
	require.NoError(t, err)
	require.Equal(t, "cred", req.Credential)
	require.Equal(t, bittorrent.InfoHashFromString(testInfoHash), req.InfoHash)
	require.Equal(t, bittorrent.PeerIDFromRawString(testPeerID), req.ID)
	require.Equal(t, bittorrent.Completed, req.Event)
	require.True(t, req.EventProvided)
	require.True(t, req.Compact)
	require.Equal(t, uint64(10), req.Uploaded)
	require.Equal(t, uint64(20), req.Downloaded)
	require.Equal(t, uint64(30), req.Left)
	require.Equal(t, uint32(100), req.NumWant)
	require.Equal(t, netip.MustParseAddrPort("192.0.2.7:6881"), req.AddrPort)
	require.False(t, req.IPProvided)
}

func TestParseAnnounceDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", announceURL(map[string]string{"peer_id": "short"}), nil)
	r.RemoteAddr = "[::ffff:192.0.2.7]:40000"

	req, err := ParseAnnounce(r, "cred", testOptions)
	require.NoError(t, err)
	require.Equal(t, bittorrent.None, req.Event)
	require.False(t, req.Compact)
	require.Equal(t, uint32(50), req.NumWant)
	require.Equal(t, "short", req.ID.RawString()[:5])
	require.True(t, req.AddrPort.Addr().Is4())
}

func TestParseAnnounceRealIPHeader(t *testing.T) {
	r := httptest.NewRequest("GET", announceURL(map[string]string{"ip": "203.0.113.9"}), nil)
	r.RemoteAddr = "127.0.0.1:40000"
	r.Header.Set("X-Real-IP", "2001:db8::5")

	req, err := ParseAnnounce(r, "cred", ParseOptions{RealIPHeader: "X-Real-IP", MaxNumWant: 10})
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("2001:db8::5"), req.AddrPort.Addr())

	req, err = ParseAnnounce(r, "cred", ParseOptions{AllowIPSpoofing: true, MaxNumWant: 10})
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("203.0.113.9"), req.AddrPort.Addr())
	require.True(t, req.IPProvided)
}

func TestParseAnnounceErrors(t *testing.T) {
	table := []struct {
		name      string
		overrides map[string]string
	}{
		{"missing info_hash", map[string]string{"info_hash": ""}},
		{"short info_hash", map[string]string{"info_hash": "abc"}},
		{"missing peer_id", map[string]string{"peer_id": ""}},
		{"long peer_id", map[string]string{"peer_id": testPeerID + "x"}},
		{"missing port", map[string]string{"port": ""}},
		{"zero port", map[string]string{"port": "0"}},
		{"large port", map[string]string{"port": "65536"}},
		{"negative uploaded", map[string]string{"uploaded": "-1"}},
		{"missing downloaded", map[string]string{"downloaded": ""}},
		{"bad left", map[string]string{"left": "lots"}},
		{"bad numwant", map[string]string{"numwant": "many"}},
		{"bad event", map[string]string{"event": "paused"}},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", announceURL(tt.overrides), nil)
			_, err := ParseAnnounce(r, "cred", testOptions)
			require.Error(t, err)
			require.IsType(t, bittorrent.ClientError(""), err)
		})
	}
}
