package tracker

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/accounting"
	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/cheat"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/site"
	"github.com/sharehaven/tracker/storage"
)

// announce carries one announce through the swarm update and holds what the
// update decided.
type announce struct {
	req     *bittorrent.AnnounceRequest
	user    site.User
	torrent site.Torrent
	now     time.Time
	others  []netip.Addr

	delta     accounting.Delta
	findings  []cheat.Finding
	completed bool
	seeder    bool
}

// apply computes the next record of the announcing peer from its previous
// one and persists the credited traffic. It runs under the lock of the peer,
// so prev is the record every concurrent announce of the peer is ordered
// after. Returning an error leaves both the swarm and the user untouched.
func (l *Logic) apply(ctx context.Context, a *announce, prev *storage.PeerRecord) (*storage.PeerRecord, error) {
	req := a.req
	if prev != nil && prev.UserID != a.user.ID {
		return nil, ErrPeerIDInUse
	}

	var (
		snap         accounting.Snapshot
		prevAnnounce time.Time
	)
	switch {
	case prev != nil:
		snap = accounting.Snapshot{Uploaded: prev.Uploaded, Downloaded: prev.Downloaded}
		prevAnnounce = prev.LastAnnounce
	case req.Event != bittorrent.Started:
		// The swarm lost this peer, after it expired or a restart. What it
		// reports may have been credited already, so it only sets the
		// watermark.
		snap = accounting.Snapshot{Uploaded: req.Uploaded, Downloaded: req.Downloaded}
	}

	m := accounting.MultipliersFor(a.user, a.torrent, l.Settings.SiteFreeleech(a.now), a.now)
	delta := accounting.Account(snap, req.Uploaded, req.Downloaded, m)

	findings := l.Detector.Evaluate(cheat.Input{
		UserID:       a.user.ID,
		TorrentID:    a.torrent.ID,
		Event:        req.Event,
		Peer:         req.Peer,
		Now:          a.now,
		PrevAnnounce: prevAnnounce,
		MinInterval:  l.cfg.MinAnnounceInterval,
		Delta:        delta,
		OtherAddrs:   a.others,
	})

	next := nextRecord(prev, req, a.user.ID, a.now)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// From here on the announce commits even if the client goes away.
	if traffic := delta.Traffic(); !traffic.IsZero() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PersistTimeout)
		defer cancel()
		if err := l.Users.AddTraffic(pctx, a.user.ID, traffic); err != nil {
			return nil, errors.Wrap(err, "persist traffic")
		}
	}

	a.delta = delta
	a.findings = findings
	a.completed = req.Event == bittorrent.Completed && (prev == nil || prev.CompletedAt.IsZero())
	a.seeder = next != nil && next.Seeder
	return next, nil
}

// nextRecord applies the event transition. A nil result removes the peer.
func nextRecord(prev *storage.PeerRecord, req *bittorrent.AnnounceRequest, userID uint64, now time.Time) *storage.PeerRecord {
	if req.Event == bittorrent.Stopped {
		return nil
	}

	next := &storage.PeerRecord{
		UserID:       userID,
		ClientID:     req.ID.ClientID(),
		Addr:         req.AddrPort,
		Uploaded:     req.Uploaded,
		Downloaded:   req.Downloaded,
		Left:         req.Left,
		Seeder:       req.Left == 0,
		FirstSeen:    now,
		LastAnnounce: now,
	}

	if prev != nil {
		// A completion is recorded once per peer, restarts included.
		next.CompletedAt = prev.CompletedAt
		if req.Event != bittorrent.Started {
			next.FirstSeen = prev.FirstSeen
		}
	}

	if req.Event == bittorrent.Completed {
		next.Seeder = true
		if next.CompletedAt.IsZero() {
			next.CompletedAt = now
		}
	}

	return next
}

// finalize ends the session of an expired peer. Its last report was credited
// when it was announced, so unlike an explicit stop there are no new
// counters left to account.
func (l *Logic) finalize(rec storage.PeerRecord) error {
	log.Debug("peer expired", rec, log.Fields{
		"session":    rec.LastAnnounce.Sub(rec.FirstSeen),
		"uploaded":   rec.Uploaded,
		"downloaded": rec.Downloaded,
	})
	return nil
}
