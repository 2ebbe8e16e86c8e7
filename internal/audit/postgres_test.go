package audit

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

var eventColumns = []string{"id", "event_type", "content_hash", "from_tier", "to_tier", "tier", "reason", "status", "error", "estimated_savings", "created_at"}

func stubOpen(t *testing.T, db *sql.DB, openErr error) {
	t.Helper()
	orig := sqlOpen
	sqlOpen = func(driverName, dataSourceName string) (*sql.DB, error) {
		if openErr != nil {
			return nil, openErr
		}
		return db, nil
	}
	t.Cleanup(func() { sqlOpen = orig })
}

func TestOpenPostgres(t *testing.T) {
	ctx := context.Background()

	t.Run("creates table", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		stubOpen(t, db, nil)

		mock.ExpectPing()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS storage_events").WillReturnResult(sqlmock.NewResult(0, 0))

		l, err := OpenPostgres(ctx, "postgres://u@localhost/db")
		assert.NoError(t, err)
		assert.NotNil(t, l)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sqlOpen error", func(t *testing.T) {
		stubOpen(t, nil, stderrors.New("open error"))
		l, err := OpenPostgres(ctx, "postgres://u@localhost/db")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sql open: open error")
		assert.Nil(t, l)
	})

	t.Run("ping error", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		stubOpen(t, db, nil)

		mock.ExpectPing().WillReturnError(stderrors.New("ping failed"))

		l, err := OpenPostgres(ctx, "postgres://u@localhost/db")
		assert.True(t, errors.IsCode(err, errors.ErrCodeConnectivity))
		assert.Nil(t, l)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLogAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLog(db)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id := uuid.New()
	hash := types.HashBytes([]byte("pg"))

	mock.ExpectExec("INSERT INTO storage_events").
		WithArgs(id.String(), "tiering", string(hash), "hot", "warm", "", "age 10.0d", StatusSuccess, "", 50.0, at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = l.Append(context.Background(), Event{
		ID: id, Type: EventTiering, Hash: hash, FromTier: types.TierHot, ToTier: types.TierWarm,
		Reason: "age 10.0d", Status: StatusSuccess, EstimatedSavings: 50, Timestamp: at,
	})
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO storage_events").WillReturnError(stderrors.New("disk full"))
	err = l.Append(context.Background(), Event{Type: EventDeletion, Status: StatusFailed})
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageWrite))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLog(db)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	hash := types.HashBytes([]byte("pg"))

	rows := sqlmock.NewRows(eventColumns).
		AddRow(id.String(), "tiering", string(hash), "warm", "cold", "", "cold", StatusSuccess, "", 80.0, since.Add(time.Hour))
	mock.ExpectQuery("SELECT (.+) FROM storage_events").
		WithArgs("tiering", since).
		WillReturnRows(rows)

	events, err := l.Since(context.Background(), EventTiering, since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, hash, events[0].Hash)
	assert.Equal(t, types.TierCold, events[0].ToTier)
	assert.Equal(t, 80.0, events[0].EstimatedSavings)

	mock.ExpectQuery("SELECT (.+) FROM storage_events").
		WithArgs("", since).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("not-a-uuid", "deletion", string(hash), "", "", "cold", "", StatusSuccess, "", 0.0, since))
	_, err = l.Since(context.Background(), "", since)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageRead))

	assert.NoError(t, mock.ExpectationsWereMet())
}
