package site

import (
	"strings"

	"github.com/pkg/errors"
)

// BanFlags is the bitmask of restrictions placed on a user. Only TrackerBan
// is enforced by the tracker; the rest are carried so the value round-trips.
type BanFlags uint32

// The values are persisted and must not be renumbered.
const (
	LoginBan BanFlags = 1 << iota
	TrackerBan
	DownloadBan
	ForumBan
	MessagingBan
	InviteBan
)

// banNames maps every flag to its name. It is the only place where names and
// bits are related.
var banNames = []struct {
	flag BanFlags
	name string
}{
	{LoginBan, "login"},
	{TrackerBan, "tracker"},
	{DownloadBan, "download"},
	{ForumBan, "forum"},
	{MessagingBan, "messaging"},
	{InviteBan, "invite"},
}

// AllBans is the union of every known flag.
const AllBans = LoginBan | TrackerBan | DownloadBan | ForumBan | MessagingBan | InviteBan

// ErrUnknownBan is returned by ParseBanFlags for a name that is not in the
// table.
var ErrUnknownBan = errors.New("unknown ban flag")

// Has reports whether every bit of f is set in b.
func (b BanFlags) Has(f BanFlags) bool { return b&f == f }

// Names returns the names of the flags set in b in table order. Unknown bits
// are ignored.
func (b BanFlags) Names() []string {
	var names []string
	for _, bn := range banNames {
		if b.Has(bn.flag) {
			names = append(names, bn.name)
		}
	}
	return names
}

// String returns the flag names joined by ",", or "none".
func (b BanFlags) String() string {
	if b&AllBans == 0 {
		return "none"
	}
	return strings.Join(b.Names(), ",")
}

// ParseBanFlags parses a comma separated list of flag names. Both "" and
// "none" parse to zero.
func ParseBanFlags(s string) (BanFlags, error) {
	if s == "" || s == "none" {
		return 0, nil
	}

	var b BanFlags
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, bn := range banNames {
			if bn.name == name {
				b |= bn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Wrapf(ErrUnknownBan, "%q", name)
		}
	}
	return b, nil
}
