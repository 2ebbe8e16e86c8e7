package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/internal/storage/storagetest"
	"github.com/datamarket/tierstore/pkg/types"
)

func round(hot, warm, cold bool) []types.TierHealth {
	probe := func(tier types.Tier, ok bool) types.TierHealth {
		h := types.TierHealth{Tier: tier, Healthy: ok, LatencyMs: 1.5}
		if !ok {
			h.Error = "connection refused"
		}
		return h
	}
	return []types.TierHealth{probe(types.TierCold, cold), probe(types.TierHot, hot), probe(types.TierWarm, warm)}
}

func TestHealthStateString(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", HealthState(42).String())
}

func TestThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	cfg.UnavailableThreshold = 4
	cfg.RecoveryThreshold = 2
	tracker := NewTracker(cfg)

	tracker.Observe("mem", round(true, true, false))
	c, err := tracker.GetComponentHealth("cold")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, c.State, "one failure stays below the error threshold")
	assert.Equal(t, StateHealthy, tracker.Overall())

	tracker.Observe("mem", round(true, true, false))
	c, _ = tracker.GetComponentHealth("cold")
	assert.Equal(t, StateDegraded, c.State)
	assert.Equal(t, "connection refused", c.LastErrorMessage)
	assert.Equal(t, StateDegraded, tracker.Overall())

	tracker.Observe("mem", round(true, true, false))
	rep := tracker.Observe("mem", round(true, true, false))
	assert.Equal(t, StateUnavailable, rep.Components["cold"].State)
	assert.Equal(t, StateDegraded, rep.Status, "one unavailable tier degrades the service")

	tracker.Observe("mem", round(true, true, true))
	c, _ = tracker.GetComponentHealth("cold")
	assert.Equal(t, StateUnavailable, c.State, "recovery needs two successes")
	tracker.Observe("mem", round(true, true, true))
	c, _ = tracker.GetComponentHealth("cold")
	assert.Equal(t, StateHealthy, c.State)
	assert.Empty(t, c.LastErrorMessage)
	assert.Equal(t, StateHealthy, tracker.Overall())
}

func TestAllTiersUnavailable(t *testing.T) {
	tracker := NewTracker(ImmediateConfig())
	rep := tracker.Observe("s3", round(false, false, false))
	assert.Equal(t, StateUnavailable, rep.Status)
	assert.Equal(t, "s3", rep.Backend)

	require.Len(t, rep.Tiers, 3)
	assert.Equal(t, types.TierHot, rep.Tiers[0].Tier)
	assert.Equal(t, types.TierWarm, rep.Tiers[1].Tier)
	assert.Equal(t, types.TierCold, rep.Tiers[2].Tier)
}

func TestStateChangeCallbacks(t *testing.T) {
	tracker := NewTracker(ImmediateConfig())
	var changes []string
	tracker.OnStateChange(func(component string, oldState, newState HealthState, message string) {
		changes = append(changes, component+":"+oldState.String()+"->"+newState.String())
	})

	tracker.Observe("mem", round(false, true, true))
	tracker.Observe("mem", round(false, true, true))
	tracker.Observe("mem", round(true, true, true))
	assert.Equal(t, []string{"hot:healthy->unavailable", "hot:unavailable->healthy"}, changes)
}

func TestGetComponentHealthUnknown(t *testing.T) {
	_, err := NewTracker(DefaultConfig()).GetComponentHealth("archive")
	assert.Error(t, err)
}

func TestCheckProbesDriver(t *testing.T) {
	d := storagetest.NewMemDriver("mem")
	tracker := NewTracker(DefaultConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	rep := tracker.Check(context.Background(), d)
	assert.Equal(t, 1, d.Calls("HealthCheck"))
	assert.Equal(t, StateHealthy, rep.Status)
	assert.Equal(t, now, rep.CheckedAt)
	assert.Len(t, rep.Components, 3)
	assert.Equal(t, now, rep.Components["warm"].LastHealthCheck)
}

func TestStartHealthChecksStops(t *testing.T) {
	d := storagetest.NewMemDriver("mem")
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	tracker := NewTracker(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.StartHealthChecks(ctx, d)
		close(done)
	}()
	assert.Eventually(t, func() bool { return d.Calls("HealthCheck") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checks did not stop")
	}
}
