// Package postgres reads the site's users and torrents tables. Only the
// columns the tracker needs are touched.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/sharehaven/tracker/bittorrent"
	pg "github.com/sharehaven/tracker/pkg/postgres"
	"github.com/sharehaven/tracker/site"
)

// Users implements site.Users over the users table.
type Users struct {
	db pg.DBTX
}

// NewUsers constructs a Users bound to db.
func NewUsers(db pg.DBTX) *Users {
	return &Users{db: db}
}

// User implements site.Users.
func (r *Users) User(ctx context.Context, id uint64) (site.User, error) {
	query := `
		SELECT ban_flags, double_upload_expires_at, no_hr_expires_at, freeleech_expires_at
		FROM users
		WHERE id = $1
	`
	var (
		bans                 int64
		doubleUp, noHR, free sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, int64(id)).Scan(&bans, &doubleUp, &noHR, &free)
	if errors.Is(err, sql.ErrNoRows) {
		return site.User{}, site.ErrUserNotFound
	} else if err != nil {
		return site.User{}, errors.Wrap(err, "select user")
	}

	return site.User{
		ID:                    id,
		Bans:                  site.BanFlags(bans),
		DoubleUploadExpiresAt: nullTime(doubleUp),
		NoHRExpiresAt:         nullTime(noHR),
		FreeleechExpiresAt:    nullTime(free),
	}, nil
}

// Warnings implements site.Users.
func (r *Users) Warnings(ctx context.Context, id uint64) (site.Warnings, error) {
	query := `
		SELECT tracker_warnings, tracker_warnings_since, ban_flags, tracker_version
		FROM users
		WHERE id = $1
	`
	var (
		count, bans, version int64
		since                sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, int64(id)).Scan(&count, &since, &bans, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return site.Warnings{}, site.ErrUserNotFound
	} else if err != nil {
		return site.Warnings{}, errors.Wrap(err, "select warnings")
	}

	return site.Warnings{
		Count:       int(count),
		WindowStart: nullTime(since),
		Bans:        site.BanFlags(bans),
		Version:     uint64(version),
	}, nil
}

// CompareAndSwapWarnings implements site.Users with a version-guarded
// UPDATE.
func (r *Users) CompareAndSwapWarnings(ctx context.Context, id uint64, old, next site.Warnings) (bool, error) {
	query := `
		UPDATE users
		SET tracker_warnings = $3,
		    tracker_warnings_since = $4,
		    ban_flags = ban_flags | $5,
		    tracker_version = tracker_version + 1
		WHERE id = $1 AND tracker_version = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		int64(id), int64(old.Version), int64(next.Count), next.WindowStart, int64(next.Bans&^old.Bans))
	if err != nil {
		return false, errors.Wrap(err, "update warnings")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update warnings")
	}
	return n == 1, nil
}

// AddTraffic implements site.Users.
func (r *Users) AddTraffic(ctx context.Context, id uint64, t site.Traffic) error {
	query := `
		UPDATE users
		SET nominal_uploaded = nominal_uploaded + $2,
		    nominal_downloaded = nominal_downloaded + $3,
		    uploaded = uploaded + $4,
		    downloaded = downloaded + $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, int64(id),
		clampInt64(t.NominalUploaded), clampInt64(t.NominalDownloaded),
		clampInt64(t.Uploaded), clampInt64(t.Downloaded))
	if err != nil {
		return errors.Wrap(err, "update traffic")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update traffic")
	}
	if n == 0 {
		return site.ErrUserNotFound
	}
	return nil
}

// Torrents implements site.Torrents over the torrents table.
type Torrents struct {
	db pg.DBTX
}

// NewTorrents constructs a Torrents bound to db.
func NewTorrents(db pg.DBTX) *Torrents {
	return &Torrents{db: db}
}

// ByInfoHash implements site.Torrents.
func (r *Torrents) ByInfoHash(ctx context.Context, ih bittorrent.InfoHash) (site.Torrent, error) {
	query := `
		SELECT id, is_deleted, freeleech_until, freeleech_percent
		FROM torrents
		WHERE info_hash = $1
	`
	var (
		id, percent int64
		deleted     bool
		until       sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, ih[:]).Scan(&id, &deleted, &until, &percent)
	if errors.Is(err, sql.ErrNoRows) {
		return site.Torrent{}, site.ErrTorrentNotFound
	} else if err != nil {
		return site.Torrent{}, errors.Wrap(err, "select torrent")
	}

	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	return site.Torrent{
		ID:               uint64(id),
		InfoHash:         ih,
		Deleted:          deleted,
		FreeleechUntil:   nullTime(until),
		FreeleechPercent: uint8(percent),
	}, nil
}

func nullTime(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
