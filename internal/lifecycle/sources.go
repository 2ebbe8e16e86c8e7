package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// SnapshotEntry is one object in an access snapshot file.
type SnapshotEntry struct {
	Hash           types.ContentHash `json:"content_hash"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessed   time.Time         `json:"last_accessed"`
	AccessCount24h int               `json:"access_count_24h"`
	AccessCount7d  int               `json:"access_count_7d"`
	AccessCount30d int               `json:"access_count_30d"`
	Size           int64             `json:"size,omitempty"`
	References     int               `json:"references"`
}

// SnapshotSource serves access telemetry and reference counts from a JSON file exported
// by the usage subsystem. The file is re-read on every AccessWindow call so a new export
// takes effect on the next run.
type SnapshotSource struct {
	path string

	mu   sync.RWMutex
	refs map[types.ContentHash]int
}

// NewSnapshotSource returns a source backed by the JSON array at path.
func NewSnapshotSource(path string) *SnapshotSource {
	return &SnapshotSource{path: path, refs: make(map[types.ContentHash]int)}
}

// AccessWindow implements types.AccessSource.
func (s *SnapshotSource) AccessWindow(ctx context.Context, now time.Time) ([]types.AccessRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read access snapshot").WithComponent("lifecycle")
	}
	var entries []SnapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "decode access snapshot").WithComponent("lifecycle")
	}

	refs := make(map[types.ContentHash]int, len(entries))
	records := make([]types.AccessRecord, 0, len(entries))
	for _, e := range entries {
		hash, err := types.ParseContentHash(string(e.Hash))
		if err != nil {
			continue
		}
		refs[hash] = e.References
		records = append(records, types.AccessRecord{
			Hash:           hash,
			CreatedAt:      e.CreatedAt,
			LastAccessed:   e.LastAccessed,
			AccessCount24h: e.AccessCount24h,
			AccessCount7d:  e.AccessCount7d,
			AccessCount30d: e.AccessCount30d,
			Size:           e.Size,
		})
	}

	s.mu.Lock()
	s.refs = refs
	s.mu.Unlock()
	return records, nil
}

// References implements types.ReferenceCounter using the last snapshot read. A hash absent
// from the snapshot is reported as referenced so cleanup never deletes unknown content.
func (s *SnapshotSource) References(ctx context.Context, hash types.ContentHash) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.refs[hash]
	if !ok {
		return 1, nil
	}
	return n, nil
}

// ListingSource derives access records from the driver's listings when no telemetry feed
// exists. Every object reports zero accesses and is as old as its last modification, so
// only the age-based demotion rules can fire.
type ListingSource struct {
	Driver types.Driver
}

// AccessWindow implements types.AccessSource.
func (s ListingSource) AccessWindow(ctx context.Context, now time.Time) ([]types.AccessRecord, error) {
	var records []types.AccessRecord
	for _, tier := range types.AllTiers {
		objects, err := s.Driver.ListObjects(ctx, tier, "", 0)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			records = append(records, types.AccessRecord{
				Hash:         obj.Hash,
				CreatedAt:    obj.LastModified,
				LastAccessed: obj.LastModified,
				Size:         obj.Size,
			})
		}
	}
	return records, nil
}
