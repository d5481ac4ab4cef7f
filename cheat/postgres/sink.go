// Package postgres stores the cheat log in the cheat_logs table.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/cheat"
	pg "github.com/sharehaven/tracker/pkg/postgres"
)

// Sink implements cheat.Sink.
type Sink struct {
	db pg.DBTX
}

var _ cheat.Sink = &Sink{}

// NewSink constructs a Sink bound to db.
func NewSink(db pg.DBTX) *Sink {
	return &Sink{db: db}
}

// Append implements cheat.Sink.
func (s *Sink) Append(ctx context.Context, f cheat.Finding) (int64, error) {
	query := `
		INSERT INTO cheat_logs (user_id, torrent_id, detection_type, severity, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var torrentID sql.NullInt64
	if f.TorrentID != 0 {
		torrentID = sql.NullInt64{Int64: int64(f.TorrentID), Valid: true}
	}
	var ip string
	if f.IP.IsValid() {
		ip = f.IP.String()
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		int64(f.UserID), torrentID, string(f.Type), f.Severity.String(), f.Details, ip, at).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert cheat log")
	}
	return id, nil
}

// MarkProcessed implements cheat.Sink.
func (s *Sink) MarkProcessed(ctx context.Context, id int64, moderatorID uint64, at time.Time) error {
	query := `
		UPDATE cheat_logs
		SET processed_at = $2, processed_by_user_id = $3
		WHERE id = $1 AND processed_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id, at, int64(moderatorID))
	if err != nil {
		return errors.Wrap(err, "update cheat log")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update cheat log")
	}
	if n == 0 {
		return cheat.ErrEntryNotFound
	}
	return nil
}

// CountSince implements cheat.Sink.
func (s *Sink) CountSince(ctx context.Context, userID uint64, severity cheat.Severity, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM cheat_logs
		WHERE user_id = $1 AND severity = $2 AND created_at > $3
	`
	var n int
	err := s.db.QueryRowContext(ctx, query, int64(userID), severity.String(), since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count cheat logs")
	}
	return n, nil
}
