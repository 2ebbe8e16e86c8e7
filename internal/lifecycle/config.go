package lifecycle

import (
	"fmt"
	"time"
)

// Config holds the tiering and cleanup thresholds.
type Config struct {
	HotToWarmAfterDays     float64 `yaml:"hot_to_warm_after_days" json:"hot_to_warm_after_days"`
	WarmToColdAfterDays    float64 `yaml:"warm_to_cold_after_days" json:"warm_to_cold_after_days"`
	HotMinAccessesPerDay   int     `yaml:"hot_min_accesses_per_day" json:"hot_min_accesses_per_day"`
	WarmMinAccessesPerWeek int     `yaml:"warm_min_accesses_per_week" json:"warm_min_accesses_per_week"`
	DeleteAfterDays        float64 `yaml:"delete_after_days" json:"delete_after_days"`
	OrphanCleanupEnabled   bool    `yaml:"orphan_cleanup_enabled" json:"orphan_cleanup_enabled"`
	MaxObjectsPerBatch     int     `yaml:"max_objects_per_batch" json:"max_objects_per_batch"`
	TieringIntervalHours   float64 `yaml:"tiering_interval_hours" json:"tiering_interval_hours"`

	// AccessSnapshotFile is a JSON export of access telemetry and reference counts. The
	// binary derives access records from listings when it is empty.
	AccessSnapshotFile string `yaml:"access_snapshot_file" json:"access_snapshot_file,omitempty"`
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() Config {
	return Config{
		HotToWarmAfterDays:     7,
		WarmToColdAfterDays:    30,
		HotMinAccessesPerDay:   5,
		WarmMinAccessesPerWeek: 3,
		DeleteAfterDays:        90,
		OrphanCleanupEnabled:   false,
		MaxObjectsPerBatch:     100,
		TieringIntervalHours:   24,
	}
}

// Validate checks the thresholds for consistency.
func (c Config) Validate() error {
	if c.HotToWarmAfterDays < 0 || c.WarmToColdAfterDays < 0 || c.DeleteAfterDays < 0 {
		return fmt.Errorf("lifecycle day thresholds must not be negative")
	}
	if c.HotMinAccessesPerDay < 0 || c.WarmMinAccessesPerWeek < 0 {
		return fmt.Errorf("lifecycle access thresholds must not be negative")
	}
	if c.MaxObjectsPerBatch <= 0 {
		return fmt.Errorf("max_objects_per_batch must be positive")
	}
	if c.TieringIntervalHours <= 0 {
		return fmt.Errorf("tiering_interval_hours must be positive")
	}
	return nil
}

// Interval returns the scheduling period between runs.
func (c Config) Interval() time.Duration {
	return time.Duration(c.TieringIntervalHours * float64(time.Hour))
}
