package migration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
)

// Checkpoint records how far through the discovery list a run has progressed.
type Checkpoint struct {
	RunID            string    `json:"run_id"`
	ProcessedObjects int       `json:"processed_objects"`
	TotalObjects     int       `json:"total_objects"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LoadCheckpoint reads the checkpoint at path. A missing file returns nil without error.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read checkpoint").WithComponent("migration")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "decode checkpoint").WithComponent("migration")
	}
	return &cp, nil
}

// SaveCheckpoint replaces the checkpoint at path atomically.
func SaveCheckpoint(path string, cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encode checkpoint").WithComponent("migration")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "create checkpoint directory").WithComponent("migration")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "write checkpoint").WithComponent("migration")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "replace checkpoint").WithComponent("migration")
	}
	return nil
}
