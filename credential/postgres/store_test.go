package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/credential"
)

var credentialColumns = []string{
	"token", "user_id", "torrent_id", "issued_at", "last_used_at", "revoked_at", "revoke_reason",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestGet(t *testing.T) {
	db, mock := newMock(t)
	token := uuid.New()
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	revoked := issued.Add(time.Hour)

	mock.ExpectQuery(`(?s)SELECT token, .* FROM credentials\s+WHERE token = \$1`).
		WithArgs(token.String()).
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow(token.String(), int64(3), int64(4), issued, issued, revoked, "leaked"))

	c, err := NewStore(db).Get(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, token, c.Token)
	require.Equal(t, uint64(3), c.UserID)
	require.Equal(t, uint64(4), c.TorrentID)
	require.False(t, c.Active())
	require.Equal(t, "leaked", c.RevokeReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`WHERE user_id = \$1 AND torrent_id = \$2 AND revoked_at IS NULL`).
		WithArgs(int64(3), int64(4)).
		WillReturnError(sql.ErrNoRows)

	_, err := NewStore(db).Active(context.Background(), 3, 4)
	require.Equal(t, credential.ErrNotFound, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertConflict(t *testing.T) {
	db, mock := newMock(t)
	c := credential.Credential{Token: uuid.New(), UserID: 1, TorrentID: 2}

	mock.ExpectExec(`INSERT INTO credentials`).
		WithArgs(c.Token.String(), int64(1), int64(2), c.IssuedAt, c.LastUsedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := NewStore(db).Insert(context.Background(), c)
	require.Equal(t, credential.ErrConflict, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("active", func(t *testing.T) {
		db, mock := newMock(t)
		token := uuid.New()
		mock.ExpectExec(`(?s)UPDATE credentials\s+SET revoked_at = \$2.*WHERE token = \$1 AND revoked_at IS NULL`).
			WithArgs(token.String(), at, "leaked").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewStore(db).Revoke(ctx, token, "leaked", at))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already revoked", func(t *testing.T) {
		db, mock := newMock(t)
		token := uuid.New()
		mock.ExpectExec(`UPDATE credentials`).
			WithArgs(token.String(), at, "again").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(token.String()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		require.NoError(t, NewStore(db).Revoke(ctx, token, "again", at))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown", func(t *testing.T) {
		db, mock := newMock(t)
		token := uuid.New()
		mock.ExpectExec(`UPDATE credentials`).
			WithArgs(token.String(), at, "x").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(token.String()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		require.Equal(t, credential.ErrNotFound, NewStore(db).Revoke(ctx, token, "x", at))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRevokeUser(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)UPDATE credentials.*WHERE user_id = \$1 AND revoked_at IS NULL`).
		WithArgs(int64(7), at, "banned").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewStore(db).RevokeUser(context.Background(), 7, "banned", at)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUnusedSince(t *testing.T) {
	db, mock := newMock(t)
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)DELETE FROM credentials\s+WHERE last_used_at < \$1 AND revoked_at IS NULL`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := NewStore(db).DeleteUnusedSince(context.Background(), before)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
