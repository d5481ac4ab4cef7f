package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/site"
)

func TestPublisher(t *testing.T) {
	rs, err := miniredis.Run()
	require.NoError(t, err)
	defer rs.Close()

	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) { return redis.Dial("tcp", rs.Addr()) },
	}
	defer pool.Close()

	p := NewPublisher(pool, "", 8)
	at := time.Unix(1700000000, 0)
	p.Notify(site.Completion{
		UserID:    4,
		TorrentID: 8,
		PeerID:    bittorrent.PeerIDFromRawString("-UT2300-MNu93JKnm930"),
		At:        at,
	})
	require.Empty(t, p.Stop().Wait())

	items, err := rs.List(DefaultKey)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg completionMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	require.Equal(t, uint64(4), msg.UserID)
	require.Equal(t, uint64(8), msg.TorrentID)
	require.Equal(t, at.Unix(), msg.At)
}
