package redisconn

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	var table = []struct {
		in       string
		expected redisURL
		fails    bool
	}{
		{"redis://127.0.0.1:6379", redisURL{Host: "127.0.0.1:6379"}, false},
		{"redis://127.0.0.1:6379/3", redisURL{Host: "127.0.0.1:6379", DB: 3}, false},
		{"redis://secret@cache:6379/1", redisURL{Host: "cache:6379", Password: "secret", DB: 1}, false},
		{"redis://:pw@cache:6379", redisURL{Host: "cache:6379", Password: "pw"}, false},
		{"redis-socket:///tmp/redis.sock?db=2", redisURL{SocketPath: "/tmp/redis.sock", DB: 2}, false},
		{"http://127.0.0.1:6379", redisURL{}, true},
		{"redis://127.0.0.1:6379/x", redisURL{}, true},
	}

	for _, tt := range table {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseURL(tt.in)
			if tt.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, *got)
		})
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "memcached://localhost"})
	require.Error(t, err)

	b, err := New(Config{URL: "redis://localhost:6379"})
	require.NoError(t, err)
	require.NotNil(t, b.Pool)
	require.NotNil(t, b.Redsync)
	require.NoError(t, b.Close())
}

func TestExclusive(t *testing.T) {
	rs, err := miniredis.Run()
	require.NoError(t, err)
	defer rs.Close()

	b, err := New(Config{URL: fmt.Sprintf("redis://@%s/0", rs.Addr())})
	require.NoError(t, err)
	defer b.Close()

	var inner bool
	ran, err := b.Exclusive("tracker:test", time.Minute, func() error {
		// The mutex is held: a second holder is turned away.
		var innerErr error
		inner, innerErr = b.Exclusive("tracker:test", time.Minute, func() error { return nil })
		return innerErr
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, inner)

	// Released after the first run.
	ran, err = b.Exclusive("tracker:test", time.Minute, func() error { return nil })
	require.NoError(t, err)
	require.True(t, ran)
}
