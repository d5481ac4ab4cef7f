// Package redis stores peer counts in Redis as "<seeders>:<leechers>"
// strings under "peercount:<torrent id>". The ids written by the last
// refresh are kept in the set "peercount:torrents" so that the next refresh
// can zero the torrents whose swarm emptied.
package redis

import (
	"context"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/refresher"
	"github.com/sharehaven/tracker/storage"
)

// DefaultPrefix is prepended to every key written by a Cache.
const DefaultPrefix = "peercount:"

const emptyCounts = "0:0"

// Cache is a refresher.Cache backed by a redigo pool.
type Cache struct {
	pool   *redis.Pool
	prefix string
}

var _ refresher.Cache = &Cache{}

// New returns a Cache writing keys below prefix.
func New(pool *redis.Pool, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{pool: pool, prefix: prefix}
}

func (c *Cache) countsKey(torrentID uint64) string {
	return c.prefix + strconv.FormatUint(torrentID, 10)
}

func (c *Cache) indexKey() string {
	return c.prefix + "torrents"
}

// Store implements refresher.Cache. All writes happen in one MULTI/EXEC
// block.
func (c *Cache) Store(ctx context.Context, counts map[uint64]storage.Counts) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	known, err := redis.Strings(conn.Do("SMEMBERS", c.indexKey()))
	if err != nil {
		return errors.Wrap(err, "smembers")
	}

	if err := conn.Send("MULTI"); err != nil {
		return errors.Wrap(err, "multi")
	}
	for _, member := range known {
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			if err := conn.Send("SREM", c.indexKey(), member); err != nil {
				return errors.Wrap(err, "queue srem")
			}
			continue
		}
		if _, ok := counts[id]; ok {
			continue
		}
		if err := conn.Send("SET", c.countsKey(id), emptyCounts); err != nil {
			return errors.Wrap(err, "queue set")
		}
		if err := conn.Send("SREM", c.indexKey(), member); err != nil {
			return errors.Wrap(err, "queue srem")
		}
	}
	for id, n := range counts {
		if err := conn.Send("SET", c.countsKey(id), formatCounts(n)); err != nil {
			return errors.Wrap(err, "queue set")
		}
		if err := conn.Send("SADD", c.indexKey(), id); err != nil {
			return errors.Wrap(err, "queue sadd")
		}
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.Wrap(err, "exec")
	}
	return nil
}

// Load implements refresher.Cache.
func (c *Cache) Load(ctx context.Context, torrentID uint64) (storage.Counts, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return storage.Counts{}, errors.Wrap(err, "get redis connection")
	}
	defer conn.Close()

	value, err := redis.String(conn.Do("GET", c.countsKey(torrentID)))
	if errors.Is(err, redis.ErrNil) {
		return storage.Counts{}, nil
	}
	if err != nil {
		return storage.Counts{}, errors.Wrap(err, "get")
	}
	return parseCounts(value)
}

func formatCounts(n storage.Counts) string {
	return strconv.Itoa(n.Seeders) + ":" + strconv.Itoa(n.Leechers)
}

func parseCounts(value string) (storage.Counts, error) {
	seeders, leechers, ok := strings.Cut(value, ":")
	if !ok {
		return storage.Counts{}, errors.Errorf("malformed peer counts %q", value)
	}

	s, err := strconv.Atoi(seeders)
	if err != nil {
		return storage.Counts{}, errors.Wrapf(err, "malformed peer counts %q", value)
	}
	l, err := strconv.Atoi(leechers)
	if err != nil {
		return storage.Counts{}, errors.Wrapf(err, "malformed peer counts %q", value)
	}
	return storage.Counts{Seeders: s, Leechers: l}, nil
}
