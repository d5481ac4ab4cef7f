// Package cheat screens announces for signs of cheating and records what it
// finds. Findings never reject the announce that produced them; repeated
// high severity findings eventually ban the user from the tracker.
package cheat

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/pkg/log"
)

// Type is the kind of a finding.
type Type string

// Finding types, as stored in the cheat log.
const (
	AnnounceSpam  Type = "announce_spam"
	SpeedCheat    Type = "speed_cheat"
	MultiLocation Type = "multi_location"
	ClientSpoof   Type = "client_spoof"
)

// Severity orders findings. Only High findings count towards a ban.
type Severity uint8

// Severities.
const (
	Low Severity = iota
	Medium
	High
)

var severityNames = [...]string{
	Low:    "low",
	Medium: "medium",
	High:   "high",
}

// ErrUnknownSeverity is returned by ParseSeverity.
var ErrUnknownSeverity = errors.New("unknown severity")

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == lower {
			return Severity(sev), nil
		}
	}
	return Low, ErrUnknownSeverity
}

// String implements fmt.Stringer.
func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	panic("cheat: severity has no associated name")
}

// Finding is one suspicious observation about an announce.
type Finding struct {
	UserID    uint64
	TorrentID uint64
	Type      Type
	Severity  Severity
	Details   string
	IP        netip.Addr
	At        time.Time
}

// LogFields implements log.Fielder.
func (f Finding) LogFields() log.Fields {
	return log.Fields{
		"userID":    f.UserID,
		"torrentID": f.TorrentID,
		"type":      f.Type,
		"severity":  f.Severity.String(),
		"details":   f.Details,
		"ip":        f.IP,
	}
}

// Entry is a Finding as stored in the cheat log.
type Entry struct {
	ID int64
	Finding

	// ProcessedAt is zero until a moderator handled the entry.
	ProcessedAt time.Time
	ProcessedBy uint64
}

// ErrEntryNotFound is returned by Sink.MarkProcessed for unknown or already
// processed entries.
var ErrEntryNotFound = errors.New("cheat log entry not found")

// Sink is the append-only cheat log.
type Sink interface {
	// Append stores f and returns its id.
	Append(ctx context.Context, f Finding) (int64, error)

	// MarkProcessed records that a moderator handled an entry.
	MarkProcessed(ctx context.Context, id int64, moderatorID uint64, at time.Time) error

	// CountSince counts a user's entries of the given severity found after
	// since.
	CountSince(ctx context.Context, userID uint64, severity Severity, since time.Time) (int, error)
}
