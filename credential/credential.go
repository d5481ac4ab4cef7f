// Package credential issues, validates and revokes the per-user, per-torrent
// tokens that authorize announces.
package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"

	"github.com/sharehaven/tracker/pkg/log"
)

var (
	// ErrNotFound is returned by a Store when no credential matches.
	ErrNotFound = errors.New("credential not found")

	// ErrConflict is returned by Store.Insert when the pair already has an
	// active credential.
	ErrConflict = errors.New("active credential already exists")
)

// Credential binds a token to a user and a torrent.
type Credential struct {
	Token      uuid.UUID
	UserID     uint64
	TorrentID  uint64
	IssuedAt   time.Time
	LastUsedAt time.Time

	// RevokedAt is zero while the credential is active.
	RevokedAt    time.Time
	RevokeReason string
}

// Active reports whether c has not been revoked.
func (c Credential) Active() bool { return c.RevokedAt.IsZero() }

// LogFields implements log.Fielder. The token itself is never logged.
func (c Credential) LogFields() log.Fields {
	return log.Fields{
		"credential": Fingerprint(c.Token),
		"userID":     c.UserID,
		"torrentID":  c.TorrentID,
		"active":     c.Active(),
	}
}

// FormatToken renders t the way it appears in announce URLs: 32 lowercase hex
// characters.
func FormatToken(t uuid.UUID) string {
	return hex.EncodeToString(t[:])
}

// ParseToken parses the 32 character form produced by FormatToken. The
// hyphenated UUID form is accepted as well.
func ParseToken(s string) (uuid.UUID, error) {
	if len(s) != 32 && len(s) != 36 {
		return uuid.Nil, errors.New("malformed credential")
	}
	return uuid.Parse(s)
}

// Fingerprint returns a short digest of t that can be logged in place of
// the token.
func Fingerprint(t uuid.UUID) string {
	sum := sha256.Sum256(t[:])
	return hex.EncodeToString(sum[:6])
}

// Store persists credentials.
type Store interface {
	// Active returns the active credential of a pair or ErrNotFound.
	Active(ctx context.Context, userID, torrentID uint64) (Credential, error)

	// Get returns the credential of a token, revoked or not, or ErrNotFound.
	Get(ctx context.Context, token uuid.UUID) (Credential, error)

	// Insert stores a new active credential, returning ErrConflict if the
	// pair already has one.
	Insert(ctx context.Context, c Credential) error

	// Revoke revokes a token. Revoking a revoked token keeps its original
	// timestamp and reason. Unknown tokens return ErrNotFound.
	Revoke(ctx context.Context, token uuid.UUID, reason string, at time.Time) error

	// RevokeUser revokes every active credential of a user.
	RevokeUser(ctx context.Context, userID uint64, reason string, at time.Time) (int64, error)

	// RevokeUserTorrent revokes the active credentials of a pair.
	RevokeUserTorrent(ctx context.Context, userID, torrentID uint64, reason string, at time.Time) (int64, error)

	// Touch sets the last use of a token.
	Touch(ctx context.Context, token uuid.UUID, at time.Time) error

	// DeleteUnusedSince deletes active credentials not used since before.
	// Revoked credentials are kept as the record of why they stopped working.
	DeleteUnusedSince(ctx context.Context, before time.Time) (int64, error)
}
