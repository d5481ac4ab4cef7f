// Package redis hands completions over to the site through a Redis list the
// site consumes at its own pace.
package redis

import (
	"encoding/json"
	"sync"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/site"
)

// DefaultKey is the list completions are appended to.
const DefaultKey = "tracker:completions"

type completionMessage struct {
	UserID    uint64 `json:"user_id"`
	TorrentID uint64 `json:"torrent_id"`
	PeerID    string `json:"peer_id"`
	At        int64  `json:"at"`
}

// Publisher is a site.CompletionHook that appends completions to a Redis
// list from a background goroutine. A full queue drops the completion.
type Publisher struct {
	pool    *redis.Pool
	key     string
	queue   chan site.Completion
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ site.CompletionHook = &Publisher{}

// NewPublisher starts a Publisher writing to key.
func NewPublisher(pool *redis.Pool, key string, queueSize int) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Publisher{
		pool:    pool,
		key:     key,
		queue:   make(chan site.Completion, queueSize),
		closing: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Notify implements site.CompletionHook.
func (p *Publisher) Notify(c site.Completion) {
	select {
	case p.queue <- c:
	default:
		log.Warn("completion queue full, dropping completion", c)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case c := <-p.queue:
			p.publish(c)
		case <-p.closing:
			// Drain what was queued before the stop.
			for {
				select {
				case c := <-p.queue:
					p.publish(c)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(c site.Completion) {
	payload, err := json.Marshal(completionMessage{
		UserID:    c.UserID,
		TorrentID: c.TorrentID,
		PeerID:    c.PeerID.String(),
		At:        c.At.Unix(),
	})
	if err != nil {
		log.Error("failed to encode completion", c, log.Err(err))
		return
	}

	conn := p.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("RPUSH", p.key, payload); err != nil {
		log.Error("failed to publish completion", c, log.Err(errors.Wrap(err, "rpush")))
	}
}

// Stop flushes the queue and stops the background goroutine.
func (p *Publisher) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(p.closing)
		p.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
