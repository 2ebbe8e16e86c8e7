package migration

import "fmt"

// Config controls a migration run.
type Config struct {
	BatchSize             int    `yaml:"batch_size" json:"batch_size"`
	ParallelTransfers     int    `yaml:"parallel_transfers" json:"parallel_transfers"`
	Verify                bool   `yaml:"verify" json:"verify"`
	VerifyChecksums       bool   `yaml:"verify_checksums" json:"verify_checksums"`
	DeleteSourceAfterCopy bool   `yaml:"delete_source_after_copy" json:"delete_source_after_copy"`
	ResumeFromCheckpoint  bool   `yaml:"resume_from_checkpoint" json:"resume_from_checkpoint"`
	CheckpointFile        string `yaml:"checkpoint_file" json:"checkpoint_file"`
	CheckpointEvery       int    `yaml:"checkpoint_every" json:"checkpoint_every"`
}

// DefaultConfig returns the default migration settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		ParallelTransfers: 4,
		Verify:            true,
		VerifyChecksums:   true,
		CheckpointFile:    "migration-checkpoint.json",
		CheckpointEvery:   100,
	}
}

// Validate checks the migration settings.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.ParallelTransfers <= 0 {
		return fmt.Errorf("parallel_transfers must be positive")
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive")
	}
	if c.ResumeFromCheckpoint && c.CheckpointFile == "" {
		return fmt.Errorf("resume_from_checkpoint requires checkpoint_file")
	}
	return nil
}
