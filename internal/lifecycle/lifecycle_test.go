package lifecycle

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/internal/audit"
	"github.com/datamarket/tierstore/internal/storage/storagetest"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticAccess struct {
	records []types.AccessRecord
	err     error
	calls   int
	onCall  func()
}

func (s *staticAccess) AccessWindow(ctx context.Context, now time.Time) ([]types.AccessRecord, error) {
	s.calls++
	if s.onCall != nil {
		s.onCall()
	}
	return s.records, s.err
}

type staticRefs map[types.ContentHash]int

func (r staticRefs) References(ctx context.Context, hash types.ContentHash) (int, error) {
	n, ok := r[hash]
	if !ok {
		return 0, stderrors.New("catalog unavailable")
	}
	return n, nil
}

func payload(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func daysAgo(d float64) time.Time {
	return testNow.Add(-time.Duration(d * float64(24*time.Hour)))
}

func newTestManager(t *testing.T, cfg Config, deps Dependencies) *Manager {
	t.Helper()
	m, err := NewManager(cfg, deps)
	require.NoError(t, err)
	m.now = func() time.Time { return testNow }
	return m
}

func TestDecideHotToWarmExample(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HotToWarmAfterDays = 7
	cfg.HotMinAccessesPerDay = 5

	hash := types.HashBytes([]byte("example"))
	decisions := Decide(cfg, []AccessMetrics{{
		Hash:           hash,
		CurrentTier:    types.TierHot,
		AccessCount24h: 0,
		TotalSize:      1000,
		CreatedAt:      daysAgo(10),
	}}, testNow)

	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, types.TierHot, d.FromTier)
	assert.Equal(t, types.TierWarm, d.ToTier)
	assert.Equal(t, 10, d.Priority)
	assert.Equal(t, 500.0, d.EstimatedSavings)
	assert.Contains(t, d.Reason, "10.0d")
	assert.Contains(t, d.Reason, "0 accesses in 24h")
}

func TestDecideRules(t *testing.T) {
	cfg := DefaultConfig() // 7d, 30d, 5/day, 3/week
	hash := types.HashBytes([]byte("rules"))

	tests := []struct {
		name     string
		metrics  AccessMetrics
		want     types.Tier
		priority int
		savings  float64
	}{
		{
			name:     "hot to warm",
			metrics:  AccessMetrics{CurrentTier: types.TierHot, CreatedAt: daysAgo(8.5), AccessCount24h: 4},
			want:     types.TierWarm,
			priority: 8,
			savings:  50,
		},
		{
			name:    "busy hot object stays",
			metrics: AccessMetrics{CurrentTier: types.TierHot, CreatedAt: daysAgo(30), AccessCount24h: 5},
		},
		{
			name:    "young hot object stays",
			metrics: AccessMetrics{CurrentTier: types.TierHot, CreatedAt: daysAgo(7)},
		},
		{
			name:     "warm to cold",
			metrics:  AccessMetrics{CurrentTier: types.TierWarm, CreatedAt: daysAgo(45), AccessCount7d: 2},
			want:     types.TierCold,
			priority: 22,
			savings:  80,
		},
		{
			name:     "cold to warm",
			metrics:  AccessMetrics{CurrentTier: types.TierCold, CreatedAt: daysAgo(200), AccessCount7d: 3},
			want:     types.TierWarm,
			priority: 103,
			savings:  -80,
		},
		{
			name:    "quiet cold object stays",
			metrics: AccessMetrics{CurrentTier: types.TierCold, CreatedAt: daysAgo(200), AccessCount7d: 2},
		},
		{
			name:     "warm to hot",
			metrics:  AccessMetrics{CurrentTier: types.TierWarm, CreatedAt: daysAgo(10), AccessCount24h: 9, AccessCount7d: 20},
			want:     types.TierHot,
			priority: 159,
			savings:  -50,
		},
		{
			name:     "demotion rule is tried before promotion",
			metrics:  AccessMetrics{CurrentTier: types.TierWarm, CreatedAt: daysAgo(40), AccessCount24h: 6, AccessCount7d: 2},
			want:     types.TierCold,
			priority: 20,
			savings:  80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.metrics
			m.Hash = hash
			m.TotalSize = 100
			decisions := Decide(cfg, []AccessMetrics{m}, testNow)
			if tt.want == "" {
				assert.Empty(t, decisions)
				return
			}
			require.Len(t, decisions, 1)
			assert.Equal(t, tt.metrics.CurrentTier, decisions[0].FromTier)
			assert.Equal(t, tt.want, decisions[0].ToTier)
			assert.Equal(t, tt.priority, decisions[0].Priority)
			assert.InDelta(t, tt.savings, decisions[0].EstimatedSavings, 1e-9)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	var input []AccessMetrics
	for i := 0; i < 20; i++ {
		input = append(input, AccessMetrics{
			Hash:        types.HashBytes([]byte{byte(i)}),
			CurrentTier: types.AllTiers[i%3],
			CreatedAt:   daysAgo(float64(10 + i%4)),
			// Cold objects with three weekly accesses all share priority 103.
			AccessCount7d: 3,
			TotalSize:     int64(i * 10),
		})
	}
	reversed := make([]AccessMetrics, len(input))
	for i := range input {
		reversed[len(input)-1-i] = input[i]
	}

	first := Decide(cfg, input, testNow)
	require.NotEmpty(t, first)
	assert.Equal(t, first, Decide(cfg, input, testNow))
	assert.Equal(t, first, Decide(cfg, reversed, testNow), "input order does not matter")

	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		assert.True(t, prev.Priority > cur.Priority || (prev.Priority == cur.Priority && prev.Hash < cur.Hash))
	}
}

func TestNewManagerValidation(t *testing.T) {
	driver := storagetest.NewMemDriver("mem")
	access := &staticAccess{}

	_, err := NewManager(DefaultConfig(), Dependencies{Access: access})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigMissing))

	cfg := DefaultConfig()
	cfg.MaxObjectsPerBatch = 0
	_, err = NewManager(cfg, Dependencies{Driver: driver, Access: access})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))

	cfg = DefaultConfig()
	cfg.OrphanCleanupEnabled = true
	_, err = NewManager(cfg, Dependencies{Driver: driver, Access: access})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigMissing))

	// Any reference counter enables cleanup; no snapshot file is involved.
	m, err := NewManager(cfg, Dependencies{Driver: driver, Access: ListingSource{Driver: driver}, References: staticRefs{}})
	require.NoError(t, err)
	assert.Empty(t, m.config.AccessSnapshotFile)
}

type runFixture struct {
	driver                 *storagetest.MemDriver
	audit                  *audit.MemoryLog
	access                 *staticAccess
	cold, hot, warm, quiet types.ContentHash
	busy, unstored         types.ContentHash
}

func newRunFixture() *runFixture {
	f := &runFixture{driver: storagetest.NewMemDriver("mem"), audit: audit.NewMemoryLog()}
	plant := func(b byte, n int, tier types.Tier) types.ContentHash {
		data := payload(b, n)
		h := types.HashBytes(data)
		f.driver.Plant(h, tier, data, daysAgo(1))
		return h
	}
	f.hot = plant('a', 100, types.TierHot)
	f.warm = plant('b', 200, types.TierWarm)
	f.cold = plant('c', 300, types.TierCold)
	f.busy = plant('d', 400, types.TierWarm)
	f.quiet = plant('e', 500, types.TierHot)
	f.unstored = types.HashBytes([]byte("never stored"))

	f.access = &staticAccess{records: []types.AccessRecord{
		{Hash: f.hot, CreatedAt: daysAgo(10)},
		{Hash: f.warm, CreatedAt: daysAgo(40)},
		{Hash: f.cold, CreatedAt: daysAgo(100), AccessCount7d: 5},
		{Hash: f.busy, CreatedAt: daysAgo(1), AccessCount24h: 6, AccessCount7d: 6},
		{Hash: f.quiet, CreatedAt: daysAgo(2)},
		{Hash: f.unstored, CreatedAt: daysAgo(50)},
	}}
	return f
}

func TestCollectMetrics(t *testing.T) {
	f := newRunFixture()
	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: f.driver, Access: f.access})

	collected, err := m.CollectMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, collected, 5, "objects in no tier are skipped")

	byHash := make(map[types.ContentHash]AccessMetrics)
	for _, c := range collected {
		byHash[c.Hash] = c
	}
	assert.Equal(t, types.TierCold, byHash[f.cold].CurrentTier)
	assert.Equal(t, int64(300), byHash[f.cold].TotalSize, "size comes from HeadObject")
	assert.Equal(t, 5, byHash[f.cold].AccessCount7d)

	f.access.err = stderrors.New("telemetry down")
	_, err = m.CollectMetrics(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageRead))
}

func TestRunExecutesDecisionsInPriorityOrder(t *testing.T) {
	f := newRunFixture()
	f.driver.FailMove[f.warm] = errors.New(errors.ErrCodeConnectivity, "injected")
	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: f.driver, Access: f.access, Audit: f.audit})

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Evaluated)
	require.Len(t, report.Decisions, 4)
	assert.Equal(t, []types.ContentHash{f.busy, f.cold, f.warm, f.hot}, []types.ContentHash{
		report.Decisions[0].Hash, report.Decisions[1].Hash, report.Decisions[2].Hash, report.Decisions[3].Hash,
	})
	assert.Equal(t, 4, report.Executed)
	assert.Equal(t, 3, report.Moved)
	assert.Equal(t, 1, report.Failed)
	assert.InDelta(t, -0.5*400-0.8*300+0.5*100, report.EstimatedSavings, 1e-9)
	assert.False(t, report.Cleanup.Enabled)

	_, inHot := f.driver.Bytes(f.busy, types.TierHot)
	assert.True(t, inHot)
	_, inWarm := f.driver.Bytes(f.hot, types.TierWarm)
	assert.True(t, inWarm)
	_, stillWarm := f.driver.Bytes(f.warm, types.TierWarm)
	assert.True(t, stillWarm, "a failed move leaves the object in place")

	events := f.audit.Events()
	require.Len(t, events, 4)
	var failed []audit.Event
	for _, e := range events {
		assert.Equal(t, audit.EventTiering, e.Type)
		if e.Status == audit.StatusFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, f.warm, failed[0].Hash)
	assert.Contains(t, failed[0].Error, "injected")
}

func TestRunHonoursBatchLimit(t *testing.T) {
	f := newRunFixture()
	cfg := DefaultConfig()
	cfg.MaxObjectsPerBatch = 2
	m := newTestManager(t, cfg, Dependencies{Driver: f.driver, Access: f.access})

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 2, f.driver.Calls("MoveObject"))
}

func TestCleanupDeletesExpiredOrphansOnly(t *testing.T) {
	driver := storagetest.NewMemDriver("mem")
	log := audit.NewMemoryLog()
	plant := func(s string, tier types.Tier, modified time.Time) types.ContentHash {
		h := types.HashBytes([]byte(s))
		driver.Plant(h, tier, []byte(s), modified)
		return h
	}
	orphan := plant("old orphan", types.TierCold, daysAgo(120))
	referenced := plant("old referenced", types.TierWarm, daysAgo(120))
	young := plant("young orphan", types.TierHot, daysAgo(10))
	unknown := plant("old unknown", types.TierCold, daysAgo(200))

	cfg := DefaultConfig()
	cfg.OrphanCleanupEnabled = true
	cfg.DeleteAfterDays = 90
	refs := staticRefs{orphan: 0, referenced: 2, young: 0}
	m := newTestManager(t, cfg, Dependencies{Driver: driver, Access: &staticAccess{}, References: refs, Audit: log})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Enabled)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 3, report.Expired)
	assert.Equal(t, 1, report.Referenced)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Failed)

	_, ok := driver.Bytes(orphan, types.TierCold)
	assert.False(t, ok)
	for hash, tier := range map[types.ContentHash]types.Tier{referenced: types.TierWarm, young: types.TierHot, unknown: types.TierCold} {
		_, ok := driver.Bytes(hash, tier)
		assert.True(t, ok, "%s must survive", hash)
	}

	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventDeletion, events[0].Type)
	assert.Equal(t, types.TierCold, events[0].Tier)
	assert.Contains(t, events[0].Reason, "orphaned")
}

func TestCleanupDisabled(t *testing.T) {
	driver := storagetest.NewMemDriver("mem")
	driver.Plant(types.HashBytes([]byte("x")), types.TierCold, []byte("x"), daysAgo(1000))
	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: driver, Access: &staticAccess{}})

	report, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Enabled)
	assert.Zero(t, driver.Calls("ListObjects"))
	assert.Equal(t, 1, driver.Count(types.TierCold))
}

func TestStats(t *testing.T) {
	f := newRunFixture()
	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: f.driver, Access: f.access, Audit: f.audit})

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.audit.Append(context.Background(), audit.Event{
		Type: audit.EventTiering, Status: audit.StatusSuccess, EstimatedSavings: 1000, Timestamp: testNow.Add(-10 * 24 * time.Hour),
	}))
	require.NoError(t, f.audit.Append(context.Background(), audit.Event{
		Type: audit.EventTiering, Status: audit.StatusSuccess, EstimatedSavings: 5000, Timestamp: testNow.Add(-40 * 24 * time.Hour),
	}))

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierStats{Objects: 2, Bytes: 900}, stats.Tiers[types.TierHot])
	assert.Equal(t, TierStats{Objects: 2, Bytes: 400}, stats.Tiers[types.TierWarm])
	assert.Equal(t, TierStats{Objects: 1, Bytes: 200}, stats.Tiers[types.TierCold])
	assert.Equal(t, 4, stats.RecentMoves)
	assert.InDelta(t, -0.5*400-0.8*300+0.5*100+0.8*200+1000, stats.EstimatedSavings30d, 1e-9)
}

func TestStartRunsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	access := &staticAccess{onCall: cancel}
	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: storagetest.NewMemDriver("mem"), Access: access})

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	assert.Equal(t, 1, access.calls)
}

func TestSnapshotSource(t *testing.T) {
	known := types.HashBytes([]byte("known"))
	path := filepath.Join(t.TempDir(), "access.json")
	doc := `[
	  {"content_hash": "` + string(known) + `", "created_at": "2026-01-01T00:00:00Z", "access_count_24h": 2, "references": 0, "size": 42},
	  {"content_hash": "not-a-hash", "references": 3}
	]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	src := NewSnapshotSource(path)
	records, err := src.AccessWindow(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, known, records[0].Hash)
	assert.Equal(t, 2, records[0].AccessCount24h)
	assert.Equal(t, int64(42), records[0].Size)

	n, err := src.References(context.Background(), known)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = src.References(context.Background(), types.HashBytes([]byte("other")))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unknown content counts as referenced")

	_, err = NewSnapshotSource(filepath.Join(t.TempDir(), "missing.json")).AccessWindow(context.Background(), testNow)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageRead))
}

func TestListingSource(t *testing.T) {
	driver := storagetest.NewMemDriver("mem")
	hash := types.HashBytes([]byte("listed"))
	driver.Plant(hash, types.TierWarm, []byte("listed"), daysAgo(60))

	records, err := ListingSource{Driver: driver}.AccessWindow(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, daysAgo(60), records[0].CreatedAt)

	m := newTestManager(t, DefaultConfig(), Dependencies{Driver: driver, Access: ListingSource{Driver: driver}})
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Moved)
	assert.Equal(t, 1, driver.Count(types.TierCold))
}
