// Package migration copies every object from one driver to another, verifies the copy
// and benchmarks drivers.
package migration

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Migrator moves objects from source to target, tier for tier.
type Migrator struct {
	config  Config
	source  types.Driver
	target  types.Driver
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	// runMu is held for the duration of Migrate.
	runMu sync.Mutex

	mu           sync.Mutex
	progress     Progress
	phaseStarted time.Time
	resumedFrom  int
	failed       map[objectKey]bool
	verification []VerificationResult
}

type objectKey struct {
	hash types.ContentHash
	tier types.Tier
}

// NewMigrator validates cfg. collector and logger may be nil.
func NewMigrator(cfg Config, source, target types.Driver, collector *metrics.Collector, logger *slog.Logger) (*Migrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "migration config").WithComponent("migration")
	}
	if source == nil || target == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing, "migration needs a source and a target driver").WithComponent("migration")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		config:   cfg,
		source:   source,
		target:   target,
		metrics:  collector,
		logger:   logger.With("component", "migration", "source", source.Name(), "target", target.Name()),
		now:      time.Now,
		progress: Progress{Phase: PhasePending},
	}, nil
}

// Discover lists every tier of the source. The result is sorted by hash and then tier so
// checkpoint indexes stay valid across runs.
func (m *Migrator) Discover(ctx context.Context) ([]types.StorageObject, error) {
	var objects []types.StorageObject
	for _, tier := range types.AllTiers {
		listed, err := m.source.ListObjects(ctx, tier, "", 0)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "discover tier "+string(tier)).WithComponent("migration")
		}
		for _, obj := range listed {
			obj.Tier = tier
			objects = append(objects, obj)
		}
	}
	sort.Slice(objects, func(i, j int) bool {
		if objects[i].Hash != objects[j].Hash {
			return objects[i].Hash < objects[j].Hash
		}
		return tierIndex(objects[i].Tier) < tierIndex(objects[j].Tier)
	})
	return objects, nil
}

// Migrate runs discovery, migration, verification and cleanup in order and returns the
// final progress. Individual object failures are counted and do not stop the run.
// Discovery failures and cancellation do; on cancellation the checkpoint is saved first.
func (m *Migrator) Migrate(ctx context.Context) (Progress, error) {
	if !m.runMu.TryLock() {
		return m.Progress(), errors.New(errors.ErrCodeInProgress, "a migration is already running").WithComponent("migration")
	}
	defer m.runMu.Unlock()

	m.mu.Lock()
	m.progress = Progress{RunID: uuid.NewString(), Phase: PhasePending, StartTime: m.now()}
	m.failed = make(map[objectKey]bool)
	m.verification = nil
	m.mu.Unlock()

	m.setPhase(PhaseDiscovery)
	objects, err := m.Discover(ctx)
	if err != nil {
		return m.fail(err)
	}
	m.mu.Lock()
	m.progress.TotalObjects = len(objects)
	m.mu.Unlock()
	m.logger.Info("discovery complete", "objects", len(objects))

	m.setPhase(PhaseMigration)
	if err := m.migrateObjects(ctx, objects); err != nil {
		return m.fail(err)
	}

	if m.config.Verify {
		m.setPhase(PhaseVerification)
		results, err := m.Verify(ctx)
		if err != nil {
			return m.fail(err)
		}
		m.mu.Lock()
		m.verification = results
		for _, r := range results {
			if r.Status != StatusVerified {
				m.failed[objectKey{r.Hash, r.Tier}] = true
			}
		}
		m.mu.Unlock()
		summary := Summary(results)
		m.logger.Info("verification complete",
			"verified", summary[StatusVerified],
			"mismatch", summary[StatusMismatch],
			"missing", summary[StatusMissing],
			"error", summary[StatusError])
	}

	if m.config.DeleteSourceAfterCopy {
		m.setPhase(PhaseCleanup)
		m.CleanupSource(ctx, m.safeToDelete(ctx, objects))
		if err := ctx.Err(); err != nil {
			return m.fail(err)
		}
	}

	m.setPhase(PhaseCompleted)
	p := m.Progress()
	m.logger.Info("migration complete",
		"run_id", p.RunID,
		"total", p.TotalObjects,
		"migrated", p.SuccessCount,
		"skipped", p.SkippedCount,
		"errors", p.ErrorCount,
		"bytes", p.BytesTransferred,
		"duration", m.now().Sub(p.StartTime))
	return p, nil
}

func (m *Migrator) migrateObjects(ctx context.Context, objects []types.StorageObject) error {
	start, err := m.resumePoint(len(objects))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.progress.ProcessedObjects = start
	m.resumedFrom = start
	m.mu.Unlock()

	for batchStart := start; batchStart < len(objects); batchStart += m.config.BatchSize {
		if err := ctx.Err(); err != nil {
			m.checkpoint(batchStart, len(objects))
			return err
		}
		batchEnd := min(batchStart+m.config.BatchSize, len(objects))

		p := pool.New().WithMaxGoroutines(m.config.ParallelTransfers)
		for _, obj := range objects[batchStart:batchEnd] {
			p.Go(func() { m.transfer(ctx, obj) })
		}
		p.Wait()

		// An interrupted batch is not counted so resume retries all of it.
		if err := ctx.Err(); err != nil {
			m.checkpoint(batchStart, len(objects))
			return err
		}
		if batchEnd/m.config.CheckpointEvery > batchStart/m.config.CheckpointEvery {
			m.checkpoint(batchEnd, len(objects))
		}
	}
	m.checkpoint(len(objects), len(objects))
	return nil
}

// resumePoint returns the index of the first object to process.
func (m *Migrator) resumePoint(total int) (int, error) {
	if !m.config.ResumeFromCheckpoint {
		return 0, nil
	}
	cp, err := LoadCheckpoint(m.config.CheckpointFile)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	if cp.TotalObjects != total || cp.ProcessedObjects > total {
		m.logger.Warn("checkpoint does not match discovery, starting over",
			"checkpoint_total", cp.TotalObjects, "discovered", total)
		return 0, nil
	}
	m.logger.Info("resuming from checkpoint", "processed", cp.ProcessedObjects, "total", total, "previous_run", cp.RunID)
	return cp.ProcessedObjects, nil
}

func (m *Migrator) checkpoint(processed, total int) {
	if m.config.CheckpointFile == "" {
		return
	}
	cp := Checkpoint{
		RunID:            m.Progress().RunID,
		ProcessedObjects: processed,
		TotalObjects:     total,
		UpdatedAt:        m.now(),
	}
	if err := SaveCheckpoint(m.config.CheckpointFile, cp); err != nil {
		m.logger.Error("checkpoint save failed", "processed", processed, "error", err)
	}
}

// transfer copies one object. Progress counters are updated however the copy ends.
func (m *Migrator) transfer(ctx context.Context, obj types.StorageObject) {
	var (
		status = "migrated"
		bytes  int64
		err    error
	)
	m.mu.Lock()
	m.progress.CurrentObject = obj.Hash
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.progress.ProcessedObjects++
		switch {
		case err != nil:
			status = "failed"
			m.progress.ErrorCount++
			m.progress.LastError = err.Error()
			m.failed[objectKey{obj.Hash, obj.Tier}] = true
		case status == "skipped":
			m.progress.SkippedCount++
		default:
			m.progress.SuccessCount++
			m.progress.BytesTransferred += bytes
		}
		m.mu.Unlock()
		m.metrics.RecordMigrationObject(status, bytes)
		if err != nil {
			m.logger.Error("object copy failed", "content_hash", obj.Hash, "tier", obj.Tier, "error", err)
		}
	}()

	exists, err := m.target.ObjectExists(ctx, obj.Hash, obj.Tier)
	if err != nil {
		return
	}
	if exists {
		status = "skipped"
		return
	}

	src, err := m.source.GetObject(ctx, obj.Hash, obj.Tier, nil)
	if err != nil {
		return
	}
	defer src.Body.Close()

	md := src.Metadata
	md.Tier = obj.Tier
	if err = m.target.PutObject(ctx, obj.Hash, src.Body, src.ContentLength, obj.Tier, &md); err != nil {
		return
	}
	bytes = src.ContentLength
}

// CleanupSource deletes objects from the source driver. Failures are logged and counted.
func (m *Migrator) CleanupSource(ctx context.Context, objects []types.StorageObject) (deleted, failed int) {
	for _, obj := range objects {
		if ctx.Err() != nil {
			return deleted, failed
		}
		if err := m.source.DeleteObject(ctx, obj.Hash, obj.Tier); err != nil {
			failed++
			m.logger.Error("source delete failed", "content_hash", obj.Hash, "tier", obj.Tier, "error", err)
			continue
		}
		deleted++
	}
	m.logger.Info("source cleanup complete", "deleted", deleted, "failed", failed)
	return deleted, failed
}

// safeToDelete drops objects whose copy failed or did not verify. Objects before the
// resume point were not handled by this run; without a verification pass each of them
// must be found on the target before its source copy may go.
func (m *Migrator) safeToDelete(ctx context.Context, objects []types.StorageObject) []types.StorageObject {
	m.mu.Lock()
	resumedFrom := m.resumedFrom
	failed := make(map[objectKey]bool, len(m.failed))
	for k, v := range m.failed {
		failed[k] = v
	}
	m.mu.Unlock()

	out := make([]types.StorageObject, 0, len(objects))
	for i, obj := range objects {
		if failed[objectKey{obj.Hash, obj.Tier}] {
			m.logger.Warn("keeping source copy", "content_hash", obj.Hash, "tier", obj.Tier)
			continue
		}
		if i < resumedFrom && !m.config.Verify {
			exists, err := m.target.ObjectExists(ctx, obj.Hash, obj.Tier)
			if err != nil || !exists {
				m.logger.Warn("keeping source copy, not found on target",
					"content_hash", obj.Hash, "tier", obj.Tier, "error", err)
				continue
			}
		}
		out = append(out, obj)
	}
	return out
}

// Progress returns a snapshot with a fresh time-remaining estimate.
func (m *Migrator) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progress
	if p.Phase == PhaseMigration {
		done := p.ProcessedObjects - m.resumedFrom
		elapsed := m.now().Sub(m.phaseStarted)
		if done > 0 && elapsed > 0 {
			perObject := elapsed / time.Duration(done)
			p.EstimatedTimeRemaining = perObject * time.Duration(p.TotalObjects-p.ProcessedObjects)
		}
	}
	return p
}

// VerificationResults returns the results of the last verification phase.
func (m *Migrator) VerificationResults() []VerificationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VerificationResult(nil), m.verification...)
}

func (m *Migrator) setPhase(phase Phase) {
	m.mu.Lock()
	m.progress.Phase = phase
	m.phaseStarted = m.now()
	m.mu.Unlock()
	m.metrics.SetMigrationPhase(string(phase))
	m.logger.Debug("migration phase", "phase", phase)
}

func (m *Migrator) fail(err error) (Progress, error) {
	m.mu.Lock()
	m.progress.LastError = err.Error()
	m.mu.Unlock()
	m.setPhase(PhaseFailed)
	m.logger.Error("migration aborted", "error", err)
	return m.Progress(), err
}

func tierIndex(t types.Tier) int {
	for i, tier := range types.AllTiers {
		if tier == t {
			return i
		}
	}
	return len(types.AllTiers)
}
