package migration

import (
	"time"

	"github.com/datamarket/tierstore/pkg/types"
)

// Phase is a step of the migration protocol. Phases run strictly in declaration order.
type Phase string

// Migration phases
const (
	PhasePending      Phase = "pending"
	PhaseDiscovery    Phase = "discovery"
	PhaseMigration    Phase = "migration"
	PhaseVerification Phase = "verification"
	PhaseCleanup      Phase = "cleanup"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Progress is a snapshot of a migration run.
type Progress struct {
	RunID                  string            `json:"run_id"`
	Phase                  Phase             `json:"phase"`
	TotalObjects           int               `json:"total_objects"`
	ProcessedObjects       int               `json:"processed_objects"`
	SuccessCount           int               `json:"success_count"`
	ErrorCount             int               `json:"error_count"`
	SkippedCount           int               `json:"skipped_count"`
	BytesTransferred       int64             `json:"bytes_transferred"`
	StartTime              time.Time         `json:"start_time"`
	EstimatedTimeRemaining time.Duration     `json:"estimated_time_remaining"`
	CurrentObject          types.ContentHash `json:"current_object,omitempty"`
	LastError              string            `json:"last_error,omitempty"`
}

// VerificationStatus is the outcome of verifying one object.
type VerificationStatus string

// Verification outcomes
const (
	StatusVerified VerificationStatus = "verified"
	StatusMismatch VerificationStatus = "mismatch"
	StatusMissing  VerificationStatus = "missing"
	StatusError    VerificationStatus = "error"
)

// VerificationResult compares the source and target copies of one object.
type VerificationResult struct {
	Hash           types.ContentHash  `json:"content_hash"`
	Tier           types.Tier         `json:"tier"`
	Status         VerificationStatus `json:"status"`
	SourceChecksum string             `json:"source_checksum,omitempty"`
	TargetChecksum string             `json:"target_checksum,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// LatencyStats summarises per-operation latency in milliseconds.
type LatencyStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P95 float64 `json:"p95"`
}

// BenchmarkResult describes one {operation, tier, size} cell of a benchmark.
type BenchmarkResult struct {
	Operation      string       `json:"operation"`
	Backend        string       `json:"backend"`
	Tier           types.Tier   `json:"tier"`
	ObjectCount    int          `json:"object_count"`
	ObjectSize     int64        `json:"object_size"`
	TotalSizeBytes int64        `json:"total_size_bytes"`
	DurationMs     float64      `json:"duration_ms"`
	ThroughputMBps float64      `json:"throughput_mbps"`
	OpsPerSecond   float64      `json:"ops_per_second"`
	Errors         int          `json:"errors"`
	Latency        LatencyStats `json:"latency"`
}

// Summary counts verification outcomes by status.
func Summary(results []VerificationResult) map[VerificationStatus]int {
	out := make(map[VerificationStatus]int, 4)
	for _, r := range results {
		out[r.Status]++
	}
	return out
}
