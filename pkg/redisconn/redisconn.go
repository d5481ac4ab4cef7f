// Package redisconn builds redigo connection pools and redsync lockers from a
// redis:// or redis-socket:// URL.
package redisconn

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
)

// Config holds the connection settings of a Redis backend.
type Config struct {
	URL            string        `yaml:"url"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxIdle        int           `yaml:"max_idle"`
}

// Enabled reports whether a Redis URL was configured.
func (cfg Config) Enabled() bool { return cfg.URL != "" }

// Backend bundles a connection pool and a distributed lock factory sharing
// the same pool.
type Backend struct {
	Pool    *redigolib.Pool
	Redsync *redsync.Redsync
}

// New parses cfg.URL and returns a Backend. No connection is opened until the
// pool is first used.
func New(cfg Config) (*Backend, error) {
	u, err := parseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}

	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 3
	}

	pool := &redigolib.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigolib.Conn, error) {
			return dial(cfg, u)
		},
		// PINGs connections that have been idle more than 10 seconds.
		TestOnBorrow: func(c redigolib.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	return &Backend{
		Pool:    pool,
		Redsync: redsync.New(redigo.NewPool(pool)),
	}, nil
}

// Exclusive runs fn while holding the distributed mutex called name, so that
// only one tracker instance runs it at a time. The mutex expires after ttl
// even if the holder dies. It reports false without running fn when another
// instance holds the mutex.
func (b *Backend) Exclusive(name string, ttl time.Duration, fn func() error) (bool, error) {
	mutex := b.Redsync.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.Lock(); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return false, nil
		}
		return false, errors.Wrap(err, "lock "+name)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			log.Debug("failed to release mutex", log.Fields{"name": name}, log.Err(err))
		}
	}()

	return true, fn()
}

// Close releases the pool's idle connections.
func (b *Backend) Close() error {
	return b.Pool.Close()
}

func dial(cfg Config, u *redisURL) (redigolib.Conn, error) {
	opts := []redigolib.DialOption{
		redigolib.DialDatabase(u.DB),
		redigolib.DialReadTimeout(cfg.ReadTimeout),
		redigolib.DialWriteTimeout(cfg.WriteTimeout),
		redigolib.DialConnectTimeout(cfg.ConnectTimeout),
	}

	if u.Password != "" {
		opts = append(opts, redigolib.DialPassword(u.Password))
	}

	if u.SocketPath != "" {
		return redigolib.Dial("unix", u.SocketPath, opts...)
	}

	return redigolib.Dial("tcp", u.Host, opts...)
}

// redisURL is the parsed form of
//
//	redis://[password@]host[/db]
//	redis-socket://[password@]path[?db=db]
type redisURL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

func parseURL(target string) (*redisURL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "redis-socket" {
		return nil, errors.New("no redis scheme found")
	}

	db := 0
	var socketPath string

	switch u.Scheme {
	case "redis":
		parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
		if parts[0] != "" {
			db, err = strconv.Atoi(parts[0])
			if err != nil {
				return nil, err
			}
		}
	case "redis-socket":
		socketPath = u.Path
		if dbval := u.Query().Get("db"); dbval != "" {
			db, err = strconv.Atoi(dbval)
			if err != nil {
				return nil, err
			}
		}
	}

	var password string
	if u.User != nil {
		password = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	return &redisURL{
		Host:       u.Host,
		SocketPath: socketPath,
		Password:   password,
		DB:         db,
	}, nil
}
