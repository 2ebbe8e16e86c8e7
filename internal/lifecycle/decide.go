package lifecycle

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/datamarket/tierstore/pkg/types"
)

// Fractions of object size saved by a demotion. Promotions report the negated value.
const (
	warmSavingsFraction = 0.5
	coldSavingsFraction = 0.8
)

const day = 24 * time.Hour

// Decide evaluates the tiering rules for every object and returns at most one decision
// per object, ordered by priority (highest first) and then by hash. Rules are tried in
// this order and the first match wins: hot to warm, warm to cold, cold to warm, warm to
// hot. The result depends only on its arguments.
func Decide(cfg Config, metrics []AccessMetrics, now time.Time) []TieringDecision {
	decisions := make([]TieringDecision, 0, len(metrics))
	for _, m := range metrics {
		if d, ok := decide(cfg, m, now); ok {
			decisions = append(decisions, d)
		}
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].Priority != decisions[j].Priority {
			return decisions[i].Priority > decisions[j].Priority
		}
		return decisions[i].Hash < decisions[j].Hash
	})
	return decisions
}

func decide(cfg Config, m AccessMetrics, now time.Time) (TieringDecision, bool) {
	age := now.Sub(m.CreatedAt).Hours() / 24
	size := float64(m.TotalSize)
	d := TieringDecision{Hash: m.Hash, FromTier: m.CurrentTier}

	switch {
	case m.CurrentTier == types.TierHot && age > cfg.HotToWarmAfterDays && m.AccessCount24h < cfg.HotMinAccessesPerDay:
		d.ToTier = types.TierWarm
		d.Priority = int(math.Floor(age))
		d.EstimatedSavings = warmSavingsFraction * size
		d.Reason = fmt.Sprintf("age %.1fd > %gd and %d accesses in 24h < %d",
			age, cfg.HotToWarmAfterDays, m.AccessCount24h, cfg.HotMinAccessesPerDay)

	case m.CurrentTier == types.TierWarm && age > cfg.WarmToColdAfterDays && m.AccessCount7d < cfg.WarmMinAccessesPerWeek:
		d.ToTier = types.TierCold
		d.Priority = int(math.Floor(age / 2))
		d.EstimatedSavings = coldSavingsFraction * size
		d.Reason = fmt.Sprintf("age %.1fd > %gd and %d accesses in 7d < %d",
			age, cfg.WarmToColdAfterDays, m.AccessCount7d, cfg.WarmMinAccessesPerWeek)

	case m.CurrentTier == types.TierCold && m.AccessCount7d >= cfg.WarmMinAccessesPerWeek:
		d.ToTier = types.TierWarm
		d.Priority = 100 + m.AccessCount7d
		d.EstimatedSavings = -coldSavingsFraction * size
		d.Reason = fmt.Sprintf("%d accesses in 7d >= %d", m.AccessCount7d, cfg.WarmMinAccessesPerWeek)

	case m.CurrentTier == types.TierWarm && m.AccessCount24h >= cfg.HotMinAccessesPerDay:
		d.ToTier = types.TierHot
		d.Priority = 150 + m.AccessCount24h
		d.EstimatedSavings = -warmSavingsFraction * size
		d.Reason = fmt.Sprintf("%d accesses in 24h >= %d", m.AccessCount24h, cfg.HotMinAccessesPerDay)

	default:
		return TieringDecision{}, false
	}
	return d, true
}
