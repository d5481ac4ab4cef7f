package cheat

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sharehaven/tracker/accounting"
	"github.com/sharehaven/tracker/bittorrent"
)

// Input is everything the detector looks at for one announce.
type Input struct {
	UserID    uint64
	TorrentID uint64
	Event     bittorrent.Event
	Peer      bittorrent.Peer
	Now       time.Time

	// PrevAnnounce is the time of the peer's previous announce, zero for a
	// peer that is new to the swarm.
	PrevAnnounce time.Time
	MinInterval  time.Duration
	Delta        accounting.Delta

	// OtherAddrs are the other addresses the user announced from recently.
	OtherAddrs []netip.Addr
}

// Detector evaluates announces. It holds no state besides its
// configuration and is safe for concurrent use.
type Detector struct {
	cfg    Config
	banned []string
}

// NewDetector creates a Detector.
func NewDetector(provided Config) *Detector {
	cfg := provided.Validate()

	d := &Detector{cfg: cfg}
	for _, sig := range cfg.BannedClients {
		if sig = strings.TrimSpace(sig); sig != "" {
			d.banned = append(d.banned, sig)
		}
	}
	return d
}

// Config returns the validated configuration of d.
func (d *Detector) Config() Config { return d.cfg }

// Evaluate returns the findings for an announce, in a fixed order.
func (d *Detector) Evaluate(in Input) []Finding {
	var findings []Finding
	add := func(t Type, sev Severity, format string, args ...interface{}) {
		findings = append(findings, Finding{
			UserID:    in.UserID,
			TorrentID: in.TorrentID,
			Type:      t,
			Severity:  sev,
			Details:   fmt.Sprintf(format, args...),
			IP:        in.Peer.AddrPort.Addr(),
			At:        in.Now,
		})
	}

	var elapsed time.Duration
	resumed := !in.PrevAnnounce.IsZero() && in.Event != bittorrent.Started
	if resumed {
		elapsed = in.Now.Sub(in.PrevAnnounce)
	}

	if resumed && in.Event == bittorrent.None && elapsed < in.MinInterval-d.cfg.MinIntervalTolerance {
		add(AnnounceSpam, Low, "announced after %s, min interval is %s", elapsed, in.MinInterval)
	}

	if resumed {
		if in.Delta.RolledBack() {
			add(SpeedCheat, Medium, "counters went backwards (upload %t, download %t)",
				in.Delta.UploadRolledBack, in.Delta.DownloadRolledBack)
		}
		if rate := perSecond(in.Delta.RawUploaded, elapsed); rate > d.cfg.MaxUploadRate {
			add(SpeedCheat, High, "upload rate %d B/s over %s exceeds %d B/s", rate, elapsed, d.cfg.MaxUploadRate)
		}
		if rate := perSecond(in.Delta.RawDownloaded, elapsed); rate > d.cfg.MaxDownloadRate {
			add(SpeedCheat, High, "download rate %d B/s over %s exceeds %d B/s", rate, elapsed, d.cfg.MaxDownloadRate)
		}
	}

	if len(in.OtherAddrs) > 0 {
		others := make([]string, len(in.OtherAddrs))
		for i, addr := range in.OtherAddrs {
			others[i] = addr.String()
		}
		add(MultiLocation, Medium, "also announcing from %s", strings.Join(others, ", "))
	}

	if sig, ok := d.bannedClient(in.Peer.ID.ClientID()); ok {
		add(ClientSpoof, High, "client %q matches banned signature %q", in.Peer.ID.ClientID(), sig)
	}

	return findings
}

func (d *Detector) bannedClient(cid bittorrent.ClientID) (string, bool) {
	s := cid.String()
	for _, sig := range d.banned {
		if strings.HasPrefix(s, sig) {
			return sig, true
		}
	}
	return "", false
}

// perSecond returns n/elapsed in bytes per second. Announces less than a
// second apart are measured over one second.
func perSecond(n uint64, elapsed time.Duration) uint64 {
	secs := uint64(elapsed / time.Second)
	if secs == 0 {
		secs = 1
	}
	return n / secs
}
