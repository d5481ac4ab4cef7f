package cheat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/site"
)

// ErrEscalationContended is returned when a warning could not be recorded
// because the user's warning counter kept changing underneath.
var ErrEscalationContended = errors.New("warning counter is contended")

// Revoker revokes every credential a user holds.
type Revoker interface {
	RevokeAllForUser(ctx context.Context, userID uint64, reason string) (int64, error)
}

// Recorder writes findings to a Sink from a background goroutine and bans
// users that collect too many high severity findings. Banned users lose
// their credentials when a Revoker is set.
type Recorder struct {
	sink    Sink
	users   site.Users
	revoker Revoker
	cfg     Config
	now     func() time.Time

	queue   chan Finding
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder starts a Recorder. revoker may be nil.
func NewRecorder(sink Sink, users site.Users, revoker Revoker, provided Config) *Recorder {
	cfg := provided.Validate()

	r := &Recorder{
		sink:    sink,
		users:   users,
		revoker: revoker,
		cfg:     cfg,
		now:     time.Now,
		queue:   make(chan Finding, cfg.QueueSize),
		closing: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues findings without blocking. Findings that do not fit in the
// queue are dropped.
func (r *Recorder) Record(findings ...Finding) {
	for _, f := range findings {
		PromFindingsTotal.WithLabelValues(string(f.Type), f.Severity.String()).Inc()
		select {
		case r.queue <- f:
		default:
			PromDroppedFindingsTotal.Inc()
			log.Warn("cheat log queue full, dropping finding", f)
		}
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case f := <-r.queue:
			r.handle(f)
		case <-r.closing:
			for {
				select {
				case f := <-r.queue:
					r.handle(f)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(f Finding) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if f.At.IsZero() {
		f.At = r.now()
	}
	id, err := r.sink.Append(ctx, f)
	if err != nil {
		log.Error("failed to write cheat log", f, log.Err(err))
	} else {
		log.Info("recorded cheat finding", f, log.Fields{"id": id})
	}

	if f.Severity < High {
		return
	}
	banned, err := r.escalate(ctx, f.UserID, f.At)
	if err != nil {
		log.Error("failed to escalate cheat finding", f, log.Err(err))
		return
	}
	if !banned {
		return
	}
	PromBansTotal.Inc()
	log.Info("user banned from the tracker", log.Fields{"userID": f.UserID})

	if r.revoker == nil {
		return
	}
	n, err := r.revoker.RevokeAllForUser(ctx, f.UserID, "tracker ban")
	if err != nil {
		log.Error("failed to revoke credentials of banned user", log.Fields{"userID": f.UserID}, log.Err(err))
		return
	}
	log.Info("revoked credentials of banned user", log.Fields{"userID": f.UserID, "revoked": n})
}

// Escalate recounts a user's warnings: the high severity findings in the
// sink during the warning window ending now. Reaching the threshold sets the
// TrackerBan flag. It reports whether this call set the flag.
//
// The update is a compare-and-swap on the user's warning counter, retried
// when another writer got there first, so exactly one caller observes the
// ban.
func (r *Recorder) Escalate(ctx context.Context, userID uint64) (bool, error) {
	return r.escalate(ctx, userID, r.now())
}

// escalate counts the warnings in the window ending at end.
func (r *Recorder) escalate(ctx context.Context, userID uint64, end time.Time) (bool, error) {
	since := end.Add(-r.cfg.WarningWindow)
	for attempt := 0; attempt < r.cfg.MaxEscalationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		old, err := r.users.Warnings(ctx, userID)
		if err != nil {
			return false, errors.Wrap(err, "read warnings")
		}

		count, err := r.sink.CountSince(ctx, userID, High, since)
		if err != nil {
			return false, errors.Wrap(err, "count warnings")
		}

		next := old
		next.Count = count
		next.WindowStart = since

		ban := next.Count >= r.cfg.WarningThreshold && !old.Bans.Has(site.TrackerBan)
		if ban {
			next.Bans |= site.TrackerBan
		}

		swapped, err := r.users.CompareAndSwapWarnings(ctx, userID, old, next)
		if err != nil {
			return false, errors.Wrap(err, "swap warnings")
		}
		if swapped {
			return ban, nil
		}
		PromEscalationRetriesTotal.Inc()
	}

	return false, ErrEscalationContended
}

// Stop writes the queued findings and stops the background goroutine.
func (r *Recorder) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(r.closing)
		r.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
