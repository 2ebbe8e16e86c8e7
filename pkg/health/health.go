// Package health turns per-tier probe results into component states and an overall
// service state.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datamarket/tierstore/pkg/types"
)

// HealthState represents the health state of a tier or of the whole service
type HealthState int

const (
	// StateHealthy indicates the tier is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated probe failures below the unavailable threshold
	StateDegraded

	// StateUnavailable indicates the tier is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of one tier
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastHealthCheck      time.Time   `json:"last_health_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
	LatencyMs            float64     `json:"latency_ms"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes to recover
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`

	// HealthCheckInterval is the interval for automatic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// CheckTimeout bounds a single round of probes
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, message string)

// Report is the result of one round of probes.
type Report struct {
	Status    HealthState        `json:"status"`
	Backend   string             `json:"backend"`
	CheckedAt time.Time          `json:"checked_at"`
	Tiers     []types.TierHealth `json:"tiers"`
	// Components is keyed by tier name.
	Components map[string]ComponentHealth `json:"components"`
}

// Tracker tracks the health of every tier and determines overall service health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
		HealthCheckInterval:  30 * time.Second,
		CheckTimeout:         10 * time.Second,
	}
}

// ImmediateConfig reports a failure on the first failed probe. It suits one-shot checks.
func ImmediateConfig() TrackerConfig {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	cfg.UnavailableThreshold = 1
	cfg.RecoveryThreshold = 1
	return cfg
}

// NewTracker creates a new health tracker with every tier registered as healthy
func NewTracker(config TrackerConfig) *Tracker {
	t := &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
	for _, tier := range types.AllTiers {
		t.components[string(tier)] = &ComponentHealth{Name: string(tier), State: StateHealthy, LastStateChange: t.now()}
	}
	return t
}

// OnStateChange registers a callback for state changes
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Observe folds one round of probe results into the tracked state.
func (t *Tracker) Observe(backend string, results []types.TierHealth) Report {
	type change struct {
		name     string
		from, to HealthState
		message  string
	}
	var changes []change

	t.mu.Lock()
	now := t.now()
	for _, r := range results {
		c, ok := t.components[string(r.Tier)]
		if !ok {
			c = &ComponentHealth{Name: string(r.Tier), State: StateHealthy, LastStateChange: now}
			t.components[c.Name] = c
		}
		old := c.State
		c.LastHealthCheck = now
		c.LatencyMs = r.LatencyMs
		if r.Healthy {
			t.recordSuccess(c)
		} else {
			t.recordError(c, r.Error)
		}
		if c.State != old {
			c.LastStateChange = now
			changes = append(changes, change{c.Name, old, c.State, c.LastErrorMessage})
		}
	}
	report := t.reportLocked(backend, results, now)
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.Unlock()

	for _, ch := range changes {
		for _, cb := range callbacks {
			cb(ch.name, ch.from, ch.to, ch.message)
		}
	}
	return report
}

func (t *Tracker) recordSuccess(c *ComponentHealth) {
	c.ConsecutiveErrors = 0
	c.ConsecutiveSuccesses++
	if c.State != StateHealthy && c.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		c.State = StateHealthy
		c.LastErrorMessage = ""
	}
}

func (t *Tracker) recordError(c *ComponentHealth, message string) {
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveErrors++
	c.LastErrorMessage = message
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		c.State = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold && c.State == StateHealthy:
		c.State = StateDegraded
	}
}

// Overall is StateUnavailable when every tier is unavailable, StateDegraded when any tier
// is not healthy, and StateHealthy otherwise.
func (t *Tracker) Overall() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overallLocked()
}

func (t *Tracker) overallLocked() HealthState {
	if len(t.components) == 0 {
		return StateHealthy
	}
	unavailable, unhealthy := 0, 0
	for _, c := range t.components {
		if c.State != StateHealthy {
			unhealthy++
		}
		if c.State == StateUnavailable {
			unavailable++
		}
	}
	switch {
	case unavailable == len(t.components):
		return StateUnavailable
	case unhealthy > 0:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// GetComponentHealth returns a copy of the health information for a tier
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.components[component]
	if !ok {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *c, nil
}

func (t *Tracker) reportLocked(backend string, results []types.TierHealth, now time.Time) Report {
	sorted := append([]types.TierHealth(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return tierOrder(sorted[i].Tier) < tierOrder(sorted[j].Tier) })

	components := make(map[string]ComponentHealth, len(t.components))
	for name, c := range t.components {
		components[name] = *c
	}
	return Report{
		Status:     t.overallLocked(),
		Backend:    backend,
		CheckedAt:  now,
		Tiers:      sorted,
		Components: components,
	}
}

// Check probes d once, bounded by CheckTimeout, and records the outcome.
func (t *Tracker) Check(ctx context.Context, d types.Driver) Report {
	if t.config.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.CheckTimeout)
		defer cancel()
	}
	return t.Observe(d.Name(), d.HealthCheck(ctx))
}

// StartHealthChecks probes d every HealthCheckInterval until ctx is done
func (t *Tracker) StartHealthChecks(ctx context.Context, d types.Driver) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx, d)
		}
	}
}

func tierOrder(tier types.Tier) int {
	for i, t := range types.AllTiers {
		if t == tier {
			return i
		}
	}
	return len(types.AllTiers)
}
