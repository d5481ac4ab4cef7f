package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
)

// Default config constants.
const (
	defaultTouchQueueSize    = 4096
	defaultMaxCreateAttempts = 3
	cleanupLockName          = "tracker:credential-cleanup"
)

// Config holds the configuration of a Service.
type Config struct {
	TouchQueueSize  int           `yaml:"touch_queue_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	InactiveDays    int           `yaml:"inactive_days"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"touchQueueSize":  cfg.TouchQueueSize,
		"cleanupInterval": cfg.CleanupInterval,
		"inactiveDays":    cfg.InactiveDays,
	}
}

// Locker runs fn on at most one tracker instance at a time.
// *redisconn.Backend implements it.
type Locker interface {
	Exclusive(name string, ttl time.Duration, fn func() error) (bool, error)
}

type touch struct {
	token uuid.UUID
	at    time.Time
}

// Service is the credential authority of the tracker.
//
// Validate always reads the store: nothing is cached, so a revocation is
// observed by the very next announce.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time

	touches chan touch
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a Service and starts its usage writer.
func NewService(store Store, cfg Config) *Service {
	if cfg.TouchQueueSize <= 0 {
		cfg.TouchQueueSize = defaultTouchQueueSize
	}

	s := &Service{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		touches: make(chan touch, cfg.TouchQueueSize),
		closing: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeTouches()
	return s
}

// GetOrCreate returns the active token of a pair, issuing one if there is
// none. Concurrent callers for the same pair end up with the same token.
func (s *Service) GetOrCreate(ctx context.Context, userID, torrentID uint64) (uuid.UUID, error) {
	for attempt := 0; attempt < defaultMaxCreateAttempts; attempt++ {
		c, err := s.store.Active(ctx, userID, torrentID)
		if err == nil {
			return c.Token, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return uuid.Nil, errors.Wrap(err, "lookup active credential")
		}

		token, err := uuid.NewRandom()
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "generate token")
		}

		now := s.now()
		err = s.store.Insert(ctx, Credential{
			Token:      token,
			UserID:     userID,
			TorrentID:  torrentID,
			IssuedAt:   now,
			LastUsedAt: now,
		})
		if err == nil {
			log.Debug("issued credential", log.Fields{
				"credential": Fingerprint(token),
				"userID":     userID,
				"torrentID":  torrentID,
			})
			return token, nil
		}
		if !errors.Is(err, ErrConflict) {
			return uuid.Nil, errors.Wrap(err, "insert credential")
		}
		// Lost the race against another issuer: read its token.
	}

	return uuid.Nil, errors.Wrap(ErrConflict, "giving up issuing credential")
}

// Validate resolves a token as it appears in an announce URL. Malformed,
// unknown and revoked tokens are invalid. A store error is returned with
// valid == false, so callers fail closed.
func (s *Service) Validate(ctx context.Context, raw string) (Credential, bool, error) {
	token, err := ParseToken(raw)
	if err != nil {
		return Credential{}, false, nil
	}

	c, err := s.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, false, nil
	} else if err != nil {
		return Credential{}, false, errors.Wrap(err, "lookup credential")
	}

	if !c.Active() {
		return Credential{}, false, nil
	}
	return c, true, nil
}

// Revoke revokes a single token.
func (s *Service) Revoke(ctx context.Context, token uuid.UUID, reason string) error {
	if err := s.store.Revoke(ctx, token, reason, s.now()); err != nil {
		return errors.Wrap(err, "revoke credential")
	}
	log.Info("revoked credential", log.Fields{"credential": Fingerprint(token), "reason": reason})
	return nil
}

// RevokeAllForUser revokes every active token of a user, as when the user is
// banned.
func (s *Service) RevokeAllForUser(ctx context.Context, userID uint64, reason string) (int64, error) {
	n, err := s.store.RevokeUser(ctx, userID, reason, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "revoke user credentials")
	}
	log.Info("revoked user credentials", log.Fields{"userID": userID, "count": n, "reason": reason})
	return n, nil
}

// RevokeAllForUserTorrent revokes the active token of a pair.
func (s *Service) RevokeAllForUserTorrent(ctx context.Context, userID, torrentID uint64, reason string) (int64, error) {
	n, err := s.store.RevokeUserTorrent(ctx, userID, torrentID, reason, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "revoke user torrent credentials")
	}
	log.Info("revoked user torrent credentials", log.Fields{
		"userID":    userID,
		"torrentID": torrentID,
		"count":     n,
		"reason":    reason,
	})
	return n, nil
}

// TouchUsage records that token was just used. It never blocks: when the
// writer falls behind the touch is dropped.
func (s *Service) TouchUsage(token uuid.UUID) {
	select {
	case s.touches <- touch{token: token, at: s.now()}:
	default:
		log.Debug("credential touch queue full", log.Fields{"credential": Fingerprint(token)})
	}
}

func (s *Service) writeTouches() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.touches:
			s.writeTouch(t)
		case <-s.closing:
			for {
				select {
				case t := <-s.touches:
					s.writeTouch(t)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) writeTouch(t touch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Touch(ctx, t.token, t.at); err != nil {
		log.Debug("failed to touch credential", log.Fields{"credential": Fingerprint(t.token)}, log.Err(err))
	}
}

// CleanupInactive deletes active credentials unused for thresholdDays; the
// pair gets a fresh token on its next request. Revoked credentials are never
// deleted. Running it
// twice has the same effect as running it once.
func (s *Service) CleanupInactive(ctx context.Context, thresholdDays int) (int64, error) {
	if thresholdDays <= 0 {
		return 0, errors.New("cleanup threshold must be positive")
	}

	before := s.now().AddDate(0, 0, -thresholdDays)
	n, err := s.store.DeleteUnusedSince(ctx, before)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup credentials")
	}
	return n, nil
}

// RunCleanup calls CleanupInactive every cfg.CleanupInterval until Stop. When
// locker is not nil a run is skipped while another instance holds the
// cleanup lock.
func (s *Service) RunCleanup(locker Locker) {
	if s.cfg.CleanupInterval <= 0 || s.cfg.InactiveDays <= 0 {
		log.Info("credential cleanup disabled", s.cfg)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTicker(s.cfg.CleanupInterval)
		defer t.Stop()

		for {
			select {
			case <-s.closing:
				return
			case <-t.C:
				s.cleanupOnce(locker)
			}
		}
	}()
}

func (s *Service) cleanupOnce(locker Locker) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupInterval)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	run := func() error {
		n, err := s.CleanupInactive(ctx, s.cfg.InactiveDays)
		if err != nil {
			return err
		}
		log.Info("cleaned up inactive credentials", log.Fields{"deleted": n})
		return nil
	}

	var err error
	if locker == nil {
		err = run()
	} else {
		var ran bool
		ran, err = locker.Exclusive(cleanupLockName, s.cfg.CleanupInterval, run)
		if !ran && err == nil {
			log.Debug("credential cleanup running elsewhere")
		}
	}
	if err != nil {
		log.Error("credential cleanup failed", log.Err(err))
	}
}

// Stop flushes pending touches and stops the background goroutines.
func (s *Service) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closing)
		s.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
