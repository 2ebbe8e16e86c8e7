// Package audit records tiering and deletion events in an append-only log. The
// lifecycle manager reads the log back to report recent moves and savings.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// EventType classifies an audit event.
type EventType string

// Event types
const (
	EventTiering  EventType = "tiering"
	EventDeletion EventType = "deletion"
)

// Event outcomes
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is one audit log entry.
type Event struct {
	ID               uuid.UUID         `json:"id"`
	Type             EventType         `json:"type"`
	Hash             types.ContentHash `json:"content_hash"`
	FromTier         types.Tier        `json:"from_tier,omitempty"`
	ToTier           types.Tier        `json:"to_tier,omitempty"`
	Tier             types.Tier        `json:"tier,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Status           string            `json:"status"`
	Error            string            `json:"error,omitempty"`
	EstimatedSavings float64           `json:"estimated_savings,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Log is an append-only event store.
type Log interface {
	Append(ctx context.Context, event Event) error
	// Since returns events of eventType recorded at or after since, oldest first. An empty
	// eventType matches every event.
	Since(ctx context.Context, eventType EventType, since time.Time) ([]Event, error)
	Close() error
}

// Config selects the audit log backend.
type Config struct {
	Backend     string `yaml:"backend"` // memory, file or postgres
	FilePath    string `yaml:"file_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit", "backend", cfg.Backend)

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLog(), nil
	case "file":
		return OpenFile(cfg.FilePath)
	case "postgres":
		l, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("audit log connected")
		return l, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown audit backend %q", cfg.Backend).WithComponent("audit")
	}
}

// prepare fills the ID and timestamp when the caller left them empty.
func prepare(e Event) Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

func matches(e Event, eventType EventType, since time.Time) bool {
	if eventType != "" && e.Type != eventType {
		return false
	}
	return !e.Timestamp.Before(since)
}
