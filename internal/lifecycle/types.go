package lifecycle

import (
	"time"

	"github.com/datamarket/tierstore/pkg/types"
)

// AccessMetrics is the per-object input to the decision engine.
type AccessMetrics struct {
	Hash           types.ContentHash `json:"content_hash"`
	CurrentTier    types.Tier        `json:"current_tier"`
	LastAccessed   time.Time         `json:"last_accessed"`
	AccessCount24h int               `json:"access_count_24h"`
	AccessCount7d  int               `json:"access_count_7d"`
	AccessCount30d int               `json:"access_count_30d"`
	TotalSize      int64             `json:"total_size"`
	CreatedAt      time.Time         `json:"created_at"`
}

// TieringDecision is a proposed move. Positive savings are a cost reduction.
type TieringDecision struct {
	Hash             types.ContentHash `json:"content_hash"`
	FromTier         types.Tier        `json:"from_tier"`
	ToTier           types.Tier        `json:"to_tier"`
	Reason           string            `json:"reason"`
	Priority         int               `json:"priority"`
	EstimatedSavings float64           `json:"estimated_savings"`
}

// TierStats summarises the contents of one tier.
type TierStats struct {
	Objects int   `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Stats is the answer to a statistics query.
type Stats struct {
	Tiers               map[types.Tier]TierStats `json:"tiers"`
	RecentMoves         int                      `json:"recent_moves_24h"`
	EstimatedSavings30d float64                  `json:"estimated_savings_30d"`
	GeneratedAt         time.Time                `json:"generated_at"`
}

// CleanupReport summarises one orphan cleanup pass.
type CleanupReport struct {
	Enabled    bool `json:"enabled"`
	Scanned    int  `json:"scanned"`
	Expired    int  `json:"expired"`
	Referenced int  `json:"referenced"`
	Deleted    int  `json:"deleted"`
	Failed     int  `json:"failed"`
}

// RunReport summarises one lifecycle run.
type RunReport struct {
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	Evaluated        int               `json:"evaluated"`
	Decisions        []TieringDecision `json:"decisions"`
	Executed         int               `json:"executed"`
	Moved            int               `json:"moved"`
	Failed           int               `json:"failed"`
	Deferred         int               `json:"deferred"`
	EstimatedSavings float64           `json:"estimated_savings"`
	Cleanup          CleanupReport     `json:"cleanup"`
}
