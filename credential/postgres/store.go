// Package postgres stores credentials in the credentials table.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/credential"
	pg "github.com/sharehaven/tracker/pkg/postgres"
)

const selectCredential = `
	SELECT token, user_id, torrent_id, issued_at, last_used_at, revoked_at, revoke_reason
	FROM credentials
`

// Store implements credential.Store.
type Store struct {
	db pg.DBTX
}

var _ credential.Store = &Store{}

// NewStore constructs a Store bound to db.
func NewStore(db pg.DBTX) *Store {
	return &Store{db: db}
}

func scanCredential(row *sql.Row) (credential.Credential, error) {
	var (
		c                 credential.Credential
		userID, torrentID int64
		revokedAt         sql.NullTime
	)
	err := row.Scan(&c.Token, &userID, &torrentID, &c.IssuedAt, &c.LastUsedAt, &revokedAt, &c.RevokeReason)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	} else if err != nil {
		return credential.Credential{}, errors.Wrap(err, "select credential")
	}

	c.UserID = uint64(userID)
	c.TorrentID = uint64(torrentID)
	if revokedAt.Valid {
		c.RevokedAt = revokedAt.Time
	}
	return c, nil
}

// Active implements credential.Store.
func (s *Store) Active(ctx context.Context, userID, torrentID uint64) (credential.Credential, error) {
	query := selectCredential + `WHERE user_id = $1 AND torrent_id = $2 AND revoked_at IS NULL`
	return scanCredential(s.db.QueryRowContext(ctx, query, int64(userID), int64(torrentID)))
}

// Get implements credential.Store.
func (s *Store) Get(ctx context.Context, token uuid.UUID) (credential.Credential, error) {
	query := selectCredential + `WHERE token = $1`
	return scanCredential(s.db.QueryRowContext(ctx, query, token.String()))
}

// Insert implements credential.Store. The partial unique index on active
// pairs turns a concurrent issue into credential.ErrConflict.
func (s *Store) Insert(ctx context.Context, c credential.Credential) error {
	query := `
		INSERT INTO credentials (token, user_id, torrent_id, issued_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.Token.String(), int64(c.UserID), int64(c.TorrentID), c.IssuedAt, c.LastUsedAt)
	if pg.IsUniqueViolation(err) {
		return credential.ErrConflict
	} else if err != nil {
		return errors.Wrap(err, "insert credential")
	}
	return nil
}

// Revoke implements credential.Store.
func (s *Store) Revoke(ctx context.Context, token uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE credentials
		SET revoked_at = $2, revoke_reason = $3
		WHERE token = $1 AND revoked_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, token.String(), at, reason)
	if err != nil {
		return errors.Wrap(err, "revoke credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "revoke credential")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM credentials WHERE token = $1)`, token.String()).
		Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check credential")
	}
	if !exists {
		return credential.ErrNotFound
	}
	return nil
}

func (s *Store) execCount(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeUser implements credential.Store.
func (s *Store) RevokeUser(ctx context.Context, userID uint64, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE credentials
		SET revoked_at = $2, revoke_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`
	n, err := s.execCount(ctx, query, int64(userID), at, reason)
	return n, errors.Wrap(err, "revoke user credentials")
}

// RevokeUserTorrent implements credential.Store.
func (s *Store) RevokeUserTorrent(ctx context.Context, userID, torrentID uint64, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE credentials
		SET revoked_at = $3, revoke_reason = $4
		WHERE user_id = $1 AND torrent_id = $2 AND revoked_at IS NULL
	`
	n, err := s.execCount(ctx, query, int64(userID), int64(torrentID), at, reason)
	return n, errors.Wrap(err, "revoke user torrent credentials")
}

// Touch implements credential.Store. last_used_at never moves backwards.
func (s *Store) Touch(ctx context.Context, token uuid.UUID, at time.Time) error {
	query := `
		UPDATE credentials
		SET last_used_at = $2
		WHERE token = $1 AND last_used_at < $2
	`
	_, err := s.db.ExecContext(ctx, query, token.String(), at)
	return errors.Wrap(err, "touch credential")
}

// DeleteUnusedSince implements credential.Store.
func (s *Store) DeleteUnusedSince(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM credentials
		WHERE last_used_at < $1 AND revoked_at IS NULL
	`
	n, err := s.execCount(ctx, query, before)
	return n, errors.Wrap(err, "delete unused credentials")
}
