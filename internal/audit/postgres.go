package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

var sqlOpen = sql.Open

const schema = `
	CREATE TABLE IF NOT EXISTS storage_events (
		id                UUID PRIMARY KEY,
		event_type        TEXT NOT NULL,
		content_hash      TEXT NOT NULL,
		from_tier         TEXT NOT NULL DEFAULT '',
		to_tier           TEXT NOT NULL DEFAULT '',
		tier              TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		estimated_savings DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS storage_events_type_created_idx ON storage_events (event_type, created_at)
`

// PostgresLog stores events in the storage_events table.
type PostgresLog struct {
	db *sql.DB
}

// OpenPostgres connects through the pgx stdlib driver wrapped by otelsql and creates the
// table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLog, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing, "audit postgres dsn is required").WithComponent("audit")
	}

	driverName, err := otelsql.Register("pgx",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
		otelsql.WithSQLCommenter(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register otelsql: %w", err)
	}

	db, err := sqlOpen(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeConnectivity, "db ping").WithComponent("audit")
	}

	l := NewPostgresLog(db)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create storage_events").WithComponent("audit")
	}
	return l, nil
}

// NewPostgresLog uses an existing connection. The table must already exist.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append implements Log.
func (p *PostgresLog) Append(ctx context.Context, event Event) error {
	const q = `
		INSERT INTO storage_events
			(id, event_type, content_hash, from_tier, to_tier, tier, reason, status, error, estimated_savings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	e := prepare(event)
	_, err := p.db.ExecContext(ctx, q,
		e.ID.String(),
		string(e.Type),
		string(e.Hash),
		string(e.FromTier),
		string(e.ToTier),
		string(e.Tier),
		e.Reason,
		e.Status,
		e.Error,
		e.EstimatedSavings,
		e.Timestamp,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "insert audit event").WithComponent("audit")
	}
	return nil
}

// Since implements Log.
func (p *PostgresLog) Since(ctx context.Context, eventType EventType, since time.Time) ([]Event, error) {
	const q = `
		SELECT id, event_type, content_hash, from_tier, to_tier, tier, reason, status, error, estimated_savings, created_at
		FROM storage_events
		WHERE ($1 = '' OR event_type = $1) AND created_at >= $2
		ORDER BY created_at, id
	`
	rows, err := p.db.QueryContext(ctx, q, string(eventType), since)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "query audit events").WithComponent("audit")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                      Event
			id, typ, hash          string
			fromTier, toTier, tier string
		)
		if err := rows.Scan(&id, &typ, &hash, &fromTier, &toTier, &tier, &e.Reason, &e.Status, &e.Error, &e.EstimatedSavings, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "scan audit event").WithComponent("audit")
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "parse audit event id").WithComponent("audit")
		}
		e.Type = EventType(typ)
		e.Hash = types.ContentHash(hash)
		e.FromTier, e.ToTier, e.Tier = types.Tier(fromTier), types.Tier(toTier), types.Tier(tier)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "iterate audit events").WithComponent("audit")
	}
	return out, nil
}

// Close implements Log.
func (p *PostgresLog) Close() error {
	return p.db.Close()
}
