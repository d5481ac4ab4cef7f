package postgres

import (
	"context"
	"database/sql"
	"net/netip"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sharehaven/tracker/cheat"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestAppend(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO cheat_logs .* RETURNING id`).
		WithArgs(int64(3), int64(4), "speed_cheat", "high", "too fast", "10.0.0.1", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))

	id, err := NewSink(db).Append(context.Background(), cheat.Finding{
		UserID:    3,
		TorrentID: 4,
		Type:      cheat.SpeedCheat,
		Severity:  cheat.High,
		Details:   "too fast",
		IP:        netip.MustParseAddr("10.0.0.1"),
		At:        at,
	})
	require.NoError(t, err)
	require.Equal(t, int64(17), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWithoutTorrent(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO cheat_logs`).
		WithArgs(int64(3), nil, "multi_location", "medium", "", "", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	_, err := NewSink(db).Append(context.Background(), cheat.Finding{
		UserID: 3, Type: cheat.MultiLocation, Severity: cheat.Medium, At: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sink := NewSink(db)

	mock.ExpectExec(`(?s)UPDATE cheat_logs\s+SET processed_at = \$2.*WHERE id = \$1 AND processed_at IS NULL`).
		WithArgs(int64(17), at, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE cheat_logs`).
		WithArgs(int64(17), at, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.MarkProcessed(context.Background(), 17, 42, at))
	require.Equal(t, cheat.ErrEntryNotFound, sink.MarkProcessed(context.Background(), 17, 42, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountSince(t *testing.T) {
	db, mock := newMock(t)
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT COUNT\(\*\) FROM cheat_logs\s+WHERE user_id = \$1 AND severity = \$2 AND created_at > \$3`).
		WithArgs(int64(3), "high", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := NewSink(db).CountSince(context.Background(), 3, cheat.High, since)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
