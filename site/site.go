// Package site describes what the tracker needs from the community site that
// owns users and torrents. The tracker only references those entities by id
// and never holds more than the narrow views defined here.
package site

import (
	"context"
	"time"

	"github.com/sharehaven/tracker/bittorrent"
	"github.com/sharehaven/tracker/pkg/log"
)

var (
	// ErrUserNotFound is returned when a user id is unknown.
	ErrUserNotFound = bittorrent.ClientError("unknown user")

	// ErrTorrentNotFound is returned when an infohash is unknown.
	ErrTorrentNotFound = bittorrent.ClientError("unregistered torrent")
)

// User is the tracker's read-only view of a site user.
type User struct {
	ID                    uint64
	Bans                  BanFlags
	DoubleUploadExpiresAt time.Time
	NoHRExpiresAt         time.Time
	FreeleechExpiresAt    time.Time
}

// LogFields implements log.Fielder.
func (u User) LogFields() log.Fields {
	return log.Fields{
		"userID": u.ID,
		"bans":   u.Bans.String(),
	}
}

// Torrent is the tracker's read-only view of a site torrent.
type Torrent struct {
	ID               uint64
	InfoHash         bittorrent.InfoHash
	Deleted          bool
	FreeleechUntil   time.Time
	FreeleechPercent uint8
}

// Warnings is the versioned per-user warning counter used by cheat
// escalation. Bans is the user's ban mask at read time so that a swap can
// raise the counter and add a ban in one step.
type Warnings struct {
	Count       int
	WindowStart time.Time
	Bans        BanFlags
	Version     uint64
}

// Traffic is the accounted effect of a single announce on a user's totals.
type Traffic struct {
	NominalUploaded   uint64
	NominalDownloaded uint64
	Uploaded          uint64
	Downloaded        uint64
}

// IsZero reports whether t changes nothing.
func (t Traffic) IsZero() bool { return t == Traffic{} }

// Totals are a user's running transfer totals. The nominal pair counts bytes
// as transferred, the other pair after multipliers.
type Totals struct {
	NominalUploaded   uint64
	NominalDownloaded uint64
	Uploaded          uint64
	Downloaded        uint64
}

// Add returns the totals after t. Every field saturates instead of wrapping,
// so totals never decrease.
func (tot Totals) Add(t Traffic) Totals {
	return Totals{
		NominalUploaded:   saturatingAdd(tot.NominalUploaded, t.NominalUploaded),
		NominalDownloaded: saturatingAdd(tot.NominalDownloaded, t.NominalDownloaded),
		Uploaded:          saturatingAdd(tot.Uploaded, t.Uploaded),
		Downloaded:        saturatingAdd(tot.Downloaded, t.Downloaded),
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// Users is the user collaborator.
type Users interface {
	// User returns ErrUserNotFound for an unknown id.
	User(ctx context.Context, id uint64) (User, error)

	// Warnings returns the current warning counter of a user.
	Warnings(ctx context.Context, id uint64) (Warnings, error)

	// CompareAndSwapWarnings stores next only if the stored version still
	// equals old.Version, bumping the version. It reports whether the swap
	// happened. Ban flags are only ever added: the flags of next.Bans missing
	// from old.Bans are set, every other flag keeps its stored value, so ban
	// changes made by the site in the meantime survive.
	CompareAndSwapWarnings(ctx context.Context, id uint64, old, next Warnings) (bool, error)

	// AddTraffic adds t to the user's totals.
	AddTraffic(ctx context.Context, id uint64, t Traffic) error
}

// Torrents is the torrent collaborator.
type Torrents interface {
	// ByInfoHash returns ErrTorrentNotFound for an unknown infohash.
	// Deleted torrents are returned with Deleted set.
	ByInfoHash(ctx context.Context, ih bittorrent.InfoHash) (Torrent, error)
}

// Completion is sent to a CompletionHook the first time a peer reports that
// it finished downloading a torrent.
type Completion struct {
	UserID    uint64
	TorrentID uint64
	PeerID    bittorrent.PeerID
	At        time.Time
}

// LogFields implements log.Fielder.
func (c Completion) LogFields() log.Fields {
	return log.Fields{
		"userID":    c.UserID,
		"torrentID": c.TorrentID,
		"peerID":    c.PeerID,
	}
}

// CompletionHook is notified of completions. Notify must not block the
// caller; what the site does with the notification is its own business.
type CompletionHook interface {
	Notify(c Completion)
}

// Settings supplies site-wide values that change the accounting of every
// announce.
type Settings interface {
	// SiteFreeleech returns the site-wide freeleech percent in effect at now.
	SiteFreeleech(now time.Time) uint8
}

// StaticSettings is a Settings read from the configuration file.
type StaticSettings struct {
	FreeleechPercent uint8     `yaml:"percent"`
	FreeleechUntil   time.Time `yaml:"until"`
}

// SiteFreeleech implements Settings.
func (s StaticSettings) SiteFreeleech(now time.Time) uint8 {
	if now.Before(s.FreeleechUntil) {
		return s.FreeleechPercent
	}
	return 0
}
