// Package lifecycle moves objects between tiers according to access patterns and deletes
// expired orphans.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datamarket/tierstore/internal/audit"
	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Dependencies are the collaborators of a Manager. Driver and Access are required.
// References is required only when orphan cleanup is enabled. Audit, Metrics and Logger
// may be nil.
type Dependencies struct {
	Driver     types.Driver
	Access     types.AccessSource
	References types.ReferenceCounter
	Audit      audit.Log
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Manager runs tiering and cleanup passes against one driver.
type Manager struct {
	config  Config
	driver  types.Driver
	access  types.AccessSource
	refs    types.ReferenceCounter
	audit   audit.Log
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	// runMu serialises Run between the scheduler and on-demand callers.
	runMu sync.Mutex
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "lifecycle config").WithComponent("lifecycle")
	}
	if deps.Driver == nil || deps.Access == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing, "lifecycle manager needs a driver and an access source").WithComponent("lifecycle")
	}
	if cfg.OrphanCleanupEnabled && deps.References == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing, "orphan cleanup needs a reference counter").WithComponent("lifecycle")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		driver:  deps.Driver,
		access:  deps.Access,
		refs:    deps.References,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  logger.With("component", "lifecycle"),
		now:     time.Now,
	}, nil
}

// CollectMetrics joins access telemetry with the object's current tier and size. Objects
// present in no tier are skipped, as are objects whose tier could not be probed.
func (m *Manager) CollectMetrics(ctx context.Context) ([]AccessMetrics, error) {
	records, err := m.access.AccessWindow(ctx, m.now())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read access telemetry").WithComponent("lifecycle")
	}

	out := make([]AccessMetrics, 0, len(records))
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tier, err := m.locate(ctx, r.Hash)
		if err != nil {
			m.logger.Warn("tier probe failed", "content_hash", r.Hash, "error", err)
			continue
		}
		if tier == "" {
			m.logger.Debug("object not stored in any tier", "content_hash", r.Hash)
			continue
		}

		size := r.Size
		if size <= 0 {
			if md, err := m.driver.HeadObject(ctx, r.Hash, tier); err == nil {
				size = md.ContentLength
			} else {
				m.logger.Warn("size lookup failed", "content_hash", r.Hash, "tier", tier, "error", err)
			}
		}

		out = append(out, AccessMetrics{
			Hash:           r.Hash,
			CurrentTier:    tier,
			LastAccessed:   r.LastAccessed,
			AccessCount24h: r.AccessCount24h,
			AccessCount7d:  r.AccessCount7d,
			AccessCount30d: r.AccessCount30d,
			TotalSize:      size,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

// locate probes tiers hottest first and returns the first tier holding hash.
func (m *Manager) locate(ctx context.Context, hash types.ContentHash) (types.Tier, error) {
	for _, tier := range types.AllTiers {
		ok, err := m.driver.ObjectExists(ctx, hash, tier)
		if err != nil {
			return "", err
		}
		if ok {
			return tier, nil
		}
	}
	return "", nil
}

// Decide applies the configured thresholds at the manager's current time.
func (m *Manager) Decide(metrics []AccessMetrics) []TieringDecision {
	return Decide(m.config, metrics, m.now())
}

// Run performs one tiering pass followed by a cleanup pass. Per-object failures are
// logged, audited and counted in the report. Only a failure to read access telemetry
// aborts the run.
func (m *Manager) Run(ctx context.Context) (*RunReport, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	report := &RunReport{StartedAt: m.now()}
	collected, err := m.CollectMetrics(ctx)
	if err != nil {
		return nil, err
	}
	report.Evaluated = len(collected)
	report.Decisions = m.Decide(collected)
	for _, d := range report.Decisions {
		m.metrics.RecordLifecycleDecision(d.FromTier, d.ToTier)
	}

	batch := report.Decisions
	if len(batch) > m.config.MaxObjectsPerBatch {
		report.Deferred = len(batch) - m.config.MaxObjectsPerBatch
		batch = batch[:m.config.MaxObjectsPerBatch]
	}

	for _, d := range batch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Executed++
		err := m.driver.MoveObject(ctx, d.Hash, d.FromTier, d.ToTier)
		event := audit.Event{
			Type:             audit.EventTiering,
			Hash:             d.Hash,
			FromTier:         d.FromTier,
			ToTier:           d.ToTier,
			Reason:           d.Reason,
			Status:           audit.StatusSuccess,
			EstimatedSavings: d.EstimatedSavings,
			Timestamp:        m.now(),
		}
		if err != nil {
			report.Failed++
			event.Status = audit.StatusFailed
			event.Error = err.Error()
			m.logger.Error("tier move failed", "content_hash", d.Hash, "from", d.FromTier, "to", d.ToTier, "error", err)
		} else {
			report.Moved++
			report.EstimatedSavings += d.EstimatedSavings
			m.logger.Info("object moved", "content_hash", d.Hash, "from", d.FromTier, "to", d.ToTier, "reason", d.Reason)
		}
		m.metrics.RecordLifecycleMove(d.FromTier, d.ToTier, err == nil)
		m.record(ctx, event)
	}

	cleanup, err := m.Cleanup(ctx)
	report.Cleanup = cleanup
	report.FinishedAt = m.now()
	m.metrics.SetLifecycleRun(report.FinishedAt, report.EstimatedSavings)
	m.logger.Info("lifecycle run complete",
		"evaluated", report.Evaluated,
		"decisions", len(report.Decisions),
		"moved", report.Moved,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"deleted", cleanup.Deleted,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, err
}

// Cleanup deletes objects older than DeleteAfterDays that no catalog entry references.
// It does nothing unless orphan cleanup is enabled.
func (m *Manager) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	if !m.config.OrphanCleanupEnabled || m.config.DeleteAfterDays <= 0 {
		return report, nil
	}
	report.Enabled = true

	now := m.now()
	maxAge := time.Duration(m.config.DeleteAfterDays * float64(day))
	for _, tier := range types.AllTiers {
		objects, err := m.driver.ListObjects(ctx, tier, "", 0)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			m.logger.Error("list for cleanup failed", "tier", tier, "error", err)
			continue
		}

		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			age := now.Sub(obj.LastModified)
			if age <= maxAge {
				continue
			}
			report.Expired++

			refs, err := m.refs.References(ctx, obj.Hash)
			if err != nil {
				report.Failed++
				m.logger.Warn("reference lookup failed", "content_hash", obj.Hash, "error", err)
				continue
			}
			if refs > 0 {
				report.Referenced++
				continue
			}

			event := audit.Event{
				Type:      audit.EventDeletion,
				Hash:      obj.Hash,
				Tier:      tier,
				Reason:    fmt.Sprintf("orphaned, age %.1fd > %gd", age.Hours()/24, m.config.DeleteAfterDays),
				Status:    audit.StatusSuccess,
				Timestamp: now,
			}
			if err := m.driver.DeleteObject(ctx, obj.Hash, tier); err != nil {
				report.Failed++
				event.Status = audit.StatusFailed
				event.Error = err.Error()
				m.logger.Error("orphan delete failed", "content_hash", obj.Hash, "tier", tier, "error", err)
			} else {
				report.Deleted++
				m.logger.Info("orphan deleted", "content_hash", obj.Hash, "tier", tier, "size", obj.Size)
			}
			m.metrics.RecordLifecycleDeletion(event.Status == audit.StatusSuccess)
			m.record(ctx, event)
		}
	}
	return report, nil
}

// Stats reports per-tier totals and recent activity from the audit log.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	now := m.now()
	stats := &Stats{Tiers: make(map[types.Tier]TierStats, len(types.AllTiers)), GeneratedAt: now}
	for _, tier := range types.AllTiers {
		objects, err := m.driver.ListObjects(ctx, tier, "", 0)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "list tier "+string(tier)).WithComponent("lifecycle")
		}
		var ts TierStats
		for _, obj := range objects {
			ts.Objects++
			ts.Bytes += obj.Size
		}
		stats.Tiers[tier] = ts
	}

	if m.audit == nil {
		return stats, nil
	}
	events, err := m.audit.Since(ctx, audit.EventTiering, now.Add(-30*day))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "read audit log").WithComponent("lifecycle")
	}
	recent := now.Add(-day)
	for _, e := range events {
		if e.Status != audit.StatusSuccess {
			continue
		}
		stats.EstimatedSavings30d += e.EstimatedSavings
		if !e.Timestamp.Before(recent) {
			stats.RecentMoves++
		}
	}
	return stats, nil
}

// Start runs a pass immediately and then every TieringIntervalHours until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval())
	defer ticker.Stop()

	for {
		if _, err := m.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("lifecycle run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) record(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(ctx, event); err != nil {
		m.logger.Warn("audit append failed", "type", event.Type, "content_hash", event.Hash, "error", err)
	}
}
