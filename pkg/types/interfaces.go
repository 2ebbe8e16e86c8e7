package types

import (
	"context"
	"io"
	"time"
)

// Driver defines the operation set every storage backend implements.
type Driver interface {
	// Name identifies the backend ("fs", "s3") in logs and metrics.
	Name() string

	// Object operations
	PutObject(ctx context.Context, hash ContentHash, body io.Reader, size int64, tier Tier, meta *StorageMetadata) error
	GetObject(ctx context.Context, hash ContentHash, tier Tier, rng *ByteRange) (*Object, error)
	HeadObject(ctx context.Context, hash ContentHash, tier Tier) (*StorageMetadata, error)
	DeleteObject(ctx context.Context, hash ContentHash, tier Tier) error
	ObjectExists(ctx context.Context, hash ContentHash, tier Tier) (bool, error)

	// PresignedURL returns a time-bounded URL. A ttl <= 0 selects the configured default.
	PresignedURL(ctx context.Context, hash ContentHash, tier Tier, ttl time.Duration) (*PresignedURL, error)

	// MoveObject copies to the destination tier then deletes the source. It is not atomic.
	MoveObject(ctx context.Context, hash ContentHash, from, to Tier) error

	// ListObjects returns entries whose hash starts with prefix. maxKeys <= 0 returns everything.
	ListObjects(ctx context.Context, tier Tier, prefix string, maxKeys int) ([]StorageObject, error)

	// HealthCheck performs one cheap round-trip per tier and never fails.
	HealthCheck(ctx context.Context) []TierHealth
}

// AccessRecord is raw telemetry for one content hash over a time window.
type AccessRecord struct {
	Hash           ContentHash
	CreatedAt      time.Time
	LastAccessed   time.Time
	AccessCount24h int
	AccessCount7d  int
	AccessCount30d int
	// Size is optional; when zero the lifecycle manager asks the driver.
	Size int64
}

// AccessSource supplies per-hash access telemetry from the marketplace usage subsystem.
type AccessSource interface {
	AccessWindow(ctx context.Context, now time.Time) ([]AccessRecord, error)
}

// ReferenceCounter reports how many active catalog entries reference a hash.
type ReferenceCounter interface {
	References(ctx context.Context, hash ContentHash) (int, error)
}
