package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Collector gathers storage, lifecycle and migration metrics. A nil or disabled
// Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Storage driver metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transferBytes     *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Lifecycle metrics
	lifecycleDecisions *prometheus.CounterVec
	lifecycleMoves     *prometheus.CounterVec
	lifecycleDeletions *prometheus.CounterVec
	lifecycleSavings   prometheus.Gauge
	lifecycleLastRun   prometheus.Gauge

	// Migration metrics
	migrationObjects *prometheus.CounterVec
	migrationBytes   prometheus.Counter
	migrationPhase   *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks one driver operation on one backend.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Migration phases reported by SetMigrationPhase.
var migrationPhases = []string{"discovery", "migration", "verification", "cleanup", "completed", "failed"}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "tierstore",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to register metrics").WithComponent("metrics")
	}
	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry returns the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordOperation records one driver call. size is the payload size for reads and
// writes and zero otherwise.
func (c *Collector) RecordOperation(backend, operation string, tier types.Tier, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	key := backend + "." + operation
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		code := errors.CodeOf(err)
		if code == "" {
			code = errors.ErrCodeInternalError
		}
		c.errorCounter.With(prometheus.Labels{"operation": operation, "code": string(code)}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{
		"backend":   backend,
		"operation": operation,
		"tier":      string(tier),
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{"backend": backend, "operation": operation}).Observe(duration.Seconds())
}

// RecordTransfer counts payload bytes moved in the given direction ("upload" or "download").
func (c *Collector) RecordTransfer(backend, direction string, bytes int64) {
	if !c.enabled() || bytes <= 0 {
		return
	}
	c.transferBytes.With(prometheus.Labels{"backend": backend, "direction": direction}).Add(float64(bytes))
}

// RecordLifecycleDecision counts a proposed tier transition.
func (c *Collector) RecordLifecycleDecision(from, to types.Tier) {
	if !c.enabled() {
		return
	}
	c.lifecycleDecisions.With(prometheus.Labels{"from": string(from), "to": string(to)}).Inc()
}

// RecordLifecycleMove counts an executed tier transition.
func (c *Collector) RecordLifecycleMove(from, to types.Tier, success bool) {
	if !c.enabled() {
		return
	}
	c.lifecycleMoves.With(prometheus.Labels{"from": string(from), "to": string(to), "status": statusLabel(success)}).Inc()
}

// RecordLifecycleDeletion counts an orphan deletion attempt.
func (c *Collector) RecordLifecycleDeletion(success bool) {
	if !c.enabled() {
		return
	}
	c.lifecycleDeletions.With(prometheus.Labels{"status": statusLabel(success)}).Inc()
}

// SetLifecycleRun records the completion time and estimated savings of a lifecycle run.
func (c *Collector) SetLifecycleRun(at time.Time, estimatedSavings float64) {
	if !c.enabled() {
		return
	}
	c.lifecycleLastRun.Set(float64(at.Unix()))
	c.lifecycleSavings.Set(estimatedSavings)
}

// RecordMigrationObject counts a migrated ("migrated"), skipped or failed object.
func (c *Collector) RecordMigrationObject(status string, bytes int64) {
	if !c.enabled() {
		return
	}
	c.migrationObjects.With(prometheus.Labels{"status": status}).Inc()
	if status == "migrated" && bytes > 0 {
		c.migrationBytes.Add(float64(bytes))
	}
}

// SetMigrationPhase marks phase as the current migration phase.
func (c *Collector) SetMigrationPhase(phase string) {
	if !c.enabled() {
		return
	}
	for _, p := range migrationPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.migrationPhase.With(prometheus.Labels{"phase": p}).Set(v)
	}
}

// GetMetrics returns a snapshot of per-operation totals keyed by "backend.operation".
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Uptime returns the time since the collector was created or last reset.
func (c *Collector) Uptime() time.Duration {
	if !c.enabled() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastReset)
}

// ResetMetrics resets the internal operation totals. Prometheus series are not reset.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "storage_operations_total",
			Help:        "Total number of storage driver operations",
			ConstLabels: labels,
		},
		[]string{"backend", "operation", "tier", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "storage_operation_duration_seconds",
			Help:        "Duration of storage driver operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: labels,
		},
		[]string{"backend", "operation"},
	)

	c.transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "storage_transfer_bytes_total",
			Help:        "Payload bytes uploaded and downloaded",
			ConstLabels: labels,
		},
		[]string{"backend", "direction"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Total number of errors by error code",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)

	c.lifecycleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lifecycle_decisions_total",
			Help:        "Tier transitions proposed by the lifecycle manager",
			ConstLabels: labels,
		},
		[]string{"from", "to"},
	)

	c.lifecycleMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lifecycle_moves_total",
			Help:        "Tier transitions executed by the lifecycle manager",
			ConstLabels: labels,
		},
		[]string{"from", "to", "status"},
	)

	c.lifecycleDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "lifecycle_deletions_total",
			Help:        "Orphaned objects deleted by lifecycle cleanup",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.lifecycleSavings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "lifecycle_estimated_savings_bytes",
		Help:        "Estimated savings of the last lifecycle run",
		ConstLabels: labels,
	})

	c.lifecycleLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "lifecycle_last_run_timestamp_seconds",
		Help:        "Unix time of the last completed lifecycle run",
		ConstLabels: labels,
	})

	c.migrationObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "migration_objects_total",
			Help:        "Objects processed by the migrator",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.migrationBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   sub,
		Name:        "migration_bytes_total",
		Help:        "Bytes copied by the migrator",
		ConstLabels: labels,
	})

	c.migrationPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "migration_phase",
			Help:        "Current migration phase (1 for the active phase)",
			ConstLabels: labels,
		},
		[]string{"phase"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.transferBytes,
		c.errorCounter,
		c.lifecycleDecisions,
		c.lifecycleMoves,
		c.lifecycleDeletions,
		c.lifecycleSavings,
		c.lifecycleLastRun,
		c.migrationObjects,
		c.migrationBytes,
		c.migrationPhase,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
