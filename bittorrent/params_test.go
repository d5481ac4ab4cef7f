package bittorrent

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testPeerID = "-TEST01-6wfG2wk6wWLc"

	validAnnounceArguments = []url.Values{
		{},
		{"peer_id": {testPeerID}, "port": {"6881"}, "downloaded": {"1234"}, "left": {"4321"}},
		{"peer_id": {testPeerID}, "ip": {"192.168.0.1"}, "port": {"6881"}, "downloaded": {"1234"}, "left": {"4321"}},
		{"peer_id": {testPeerID}, "ip": {"192.168.0.1"}, "port": {"6881"}, "downloaded": {"1234"}, "left": {"4321"}, "numwant": {"28"}},
		{"peer_id": {testPeerID}, "ip": {"192.168.0.1"}, "port": {"6881"}, "downloaded": {"1234"}, "left": {"4321"}, "event": {"stopped"}},
		{"peer_id": {testPeerID}, "port": {"6881"}, "downloaded": {"1234"}, "left": {"4321"}, "compact": {"0"}, "no_peer_id": {"1"}},
		{"peer_id": {"%3Ckey%3A+0x90%3E"}, "port": {"6881"}, "compact": {"0"}, "key": {"peerKey"}},
		{"peer_id": {""}, "compact": {""}},
	}

	invalidQueries = []string{
		"/announce?info_hash=%0%a",
		"/announce?info_hash=tooshort",
		"/announce?peer_id=%zz",
	}

	shouldNotPanicQueries = []string{
		"/annnounce?info_hash=" + testPeerID + "&a",
		"/annnounce?info_hash=" + testPeerID + "&=b?",
		"/announce?&&;;=",
	}
)

func TestParseEmptyURLData(t *testing.T) {
	parsedQuery, err := ParseURLData("")
	require.NoError(t, err)
	require.NotNil(t, parsedQuery)
	require.Empty(t, parsedQuery.RawPath())
}

func TestParseValidURLData(t *testing.T) {
	for _, parseVal := range validAnnounceArguments {
		t.Run(parseVal.Encode(), func(t *testing.T) {
			parsed, err := ParseURLData("/announce?" + parseVal.Encode())
			require.NoError(t, err)
			require.Equal(t, "/announce", parsed.RawPath())
			require.Equal(t, parseVal.Encode(), parsed.RawQuery())

			require.Len(t, parsed.params, len(parseVal))
			for k, v := range parseVal {
				got, ok := parsed.String(k)
				require.True(t, ok)
				require.Equal(t, v[0], got)
			}
		})
	}
}

func TestParseInfoHashes(t *testing.T) {
	raw := "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x10\x11\x12\x13\x14"
	parsed, err := ParseURLData("/abc/announce?info_hash=" + url.QueryEscape(raw) + "&port=1")
	require.NoError(t, err)
	require.Equal(t, []InfoHash{InfoHashFromString(raw)}, parsed.InfoHashes())

	_, ok := parsed.String("info_hash")
	require.False(t, ok)

	port, err := parsed.Uint64("port")
	require.NoError(t, err)
	require.Equal(t, uint64(1), port)

	_, err = parsed.Uint64("left")
	require.Equal(t, ErrKeyNotFound, err)
}

func TestParseKeysAreLowercased(t *testing.T) {
	parsed, err := ParseURLData("/announce?NumWant=5;Compact=1")
	require.NoError(t, err)

	v, ok := parsed.String("numwant")
	require.True(t, ok)
	require.Equal(t, "5", v)

	v, ok = parsed.String("compact")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestParseInvalidURLData(t *testing.T) {
	for _, parseStr := range invalidQueries {
		t.Run(parseStr, func(t *testing.T) {
			parsed, err := ParseURLData(parseStr)
			require.Error(t, err)
			require.Nil(t, parsed)
		})
	}
}

func TestParseShouldNotPanicURLData(t *testing.T) {
	for _, parseStr := range shouldNotPanicQueries {
		require.NotPanics(t, func() { _, _ = ParseURLData(parseStr) })
	}
}

func BenchmarkParseQuery(b *testing.B) {
	announceStrings := make([]string, 0, len(validAnnounceArguments))
	for i := range validAnnounceArguments {
		announceStrings = append(announceStrings, validAnnounceArguments[i].Encode())
	}
	b.ResetTimer()
	for bCount := 0; bCount < b.N; bCount++ {
		i := bCount % len(announceStrings)
		if _, err := parseQuery(announceStrings[i]); err != nil {
			b.Error(err, i)
		}
	}
}
