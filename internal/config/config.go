package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/datamarket/tierstore/internal/audit"
	"github.com/datamarket/tierstore/internal/circuit"
	"github.com/datamarket/tierstore/internal/lifecycle"
	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TIERSTORE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Storage    StorageConfig    `yaml:"storage"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	S3         S3Config         `yaml:"s3"`
	CDN        CDNConfig        `yaml:"cdn"`
	Lifecycle  lifecycle.Config `yaml:"lifecycle"`
	Migration  migration.Config `yaml:"migration"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Admin      AdminConfig      `yaml:"admin"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json or console
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend      string        `yaml:"backend"` // fs or s3
	DefaultTier  string        `yaml:"default_tier"`
	PresignTTL   time.Duration `yaml:"presign_ttl"`
	MaxRangeSize int64         `yaml:"max_range_size"`

	// CircuitBreaker guards each tier against a failing backend.
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// FilesystemConfig configures the local filesystem backend.
type FilesystemConfig struct {
	DataRoot string `yaml:"data_root"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint          string        `yaml:"endpoint"`
	Region            string        `yaml:"region"`
	AccessKeyID       string        `yaml:"access_key_id"`
	SecretAccessKey   string        `yaml:"secret_access_key"`
	SessionToken      string        `yaml:"session_token"`
	CredentialsSource string        `yaml:"credentials_source"` // static or default
	Buckets           BucketsConfig `yaml:"buckets"`
	StorageClasses    BucketsConfig `yaml:"storage_classes"` // an empty class omits the header
	UsePathStyle      bool          `yaml:"use_path_style"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// BucketsConfig maps each tier to a value, a bucket name or a storage class.
type BucketsConfig struct {
	Hot  string `yaml:"hot"`
	Warm string `yaml:"warm"`
	Cold string `yaml:"cold"`
}

// ForTier returns the value configured for tier.
func (b BucketsConfig) ForTier(tier types.Tier) string {
	switch tier {
	case types.TierHot:
		return b.Hot
	case types.TierWarm:
		return b.Warm
	case types.TierCold:
		return b.Cold
	}
	return ""
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CDNConfig controls URL issuance through a CDN.
type CDNConfig struct {
	Mode          string `yaml:"mode"` // off, direct or signed
	BaseURL       string `yaml:"base_url"`
	SigningSecret string `yaml:"signing_secret"`
}

// AuditConfig selects the audit log backend.
type AuditConfig = audit.Config

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Protocol    string  `yaml:"protocol"` // grpc or http
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AdminConfig configures the administrative HTTP endpoint.
type AdminConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Storage: StorageConfig{
			Backend:      "fs",
			DefaultTier:  string(types.TierHot),
			PresignTTL:   time.Hour,
			MaxRangeSize: 100 << 20,

			CircuitBreaker: circuit.DefaultConfig(),
		},
		Filesystem: FilesystemConfig{
			DataRoot: "./data",
		},
		S3: S3Config{
			Region:            "us-east-1",
			CredentialsSource: "static",
			UsePathStyle:      true,
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    60 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			StorageClasses: BucketsConfig{
				Hot:  "STANDARD",
				Warm: "STANDARD_IA",
				Cold: "GLACIER",
			},
		},
		CDN:       CDNConfig{Mode: "off"},
		Lifecycle: lifecycle.DefaultConfig(),
		Migration: migration.DefaultConfig(),
		Audit:     AuditConfig{Backend: "memory", FilePath: "audit.jsonl"},
		Metrics:   MetricsConfig{Enabled: true, Namespace: "tierstore"},
		Tracing: TracingConfig{
			ServiceName: "tierstore",
			Protocol:    "grpc",
			SampleRatio: 1.0,
		},
		Admin: AdminConfig{Address: ":8090"},
	}
}

// Load builds the configuration once: defaults, then the YAML file (if any), then the
// environment. The result is validated and returned by value so it cannot be mutated later.
func Load(filename string) (Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return Configuration{}, errors.Wrap(err, errors.ErrCodeConfigLoad, "load config file")
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Configuration{}, errors.Wrap(err, errors.ErrCodeInvalidConfig, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return *cfg, nil
}

// LoadDotEnv loads .env files into the process environment without overriding variables
// that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration from TIERSTORE_* environment variables.
func (c *Configuration) LoadFromEnv() error {
	e := &envReader{}

	e.str("LOG_LEVEL", &c.Global.LogLevel)
	e.str("LOG_FORMAT", &c.Global.LogFormat)

	e.str("STORAGE_BACKEND", &c.Storage.Backend)
	e.str("DEFAULT_TIER", &c.Storage.DefaultTier)
	e.duration("PRESIGN_TTL", &c.Storage.PresignTTL)
	e.int64("MAX_RANGE_SIZE", &c.Storage.MaxRangeSize)
	e.boolean("CIRCUIT_BREAKER_ENABLED", &c.Storage.CircuitBreaker.Enabled)
	e.duration("CIRCUIT_BREAKER_OPEN_TIMEOUT", &c.Storage.CircuitBreaker.OpenTimeout)
	e.str("FS_DATA_ROOT", &c.Filesystem.DataRoot)

	e.str("S3_ENDPOINT", &c.S3.Endpoint)
	e.str("S3_REGION", &c.S3.Region)
	e.str("S3_ACCESS_KEY_ID", &c.S3.AccessKeyID)
	e.str("S3_SECRET_ACCESS_KEY", &c.S3.SecretAccessKey)
	e.str("S3_SESSION_TOKEN", &c.S3.SessionToken)
	e.str("S3_CREDENTIALS_SOURCE", &c.S3.CredentialsSource)
	e.str("S3_BUCKET_HOT", &c.S3.Buckets.Hot)
	e.str("S3_BUCKET_WARM", &c.S3.Buckets.Warm)
	e.str("S3_BUCKET_COLD", &c.S3.Buckets.Cold)
	e.str("S3_STORAGE_CLASS_HOT", &c.S3.StorageClasses.Hot)
	e.str("S3_STORAGE_CLASS_WARM", &c.S3.StorageClasses.Warm)
	e.str("S3_STORAGE_CLASS_COLD", &c.S3.StorageClasses.Cold)
	e.boolean("S3_PATH_STYLE", &c.S3.UsePathStyle)
	e.duration("S3_CONNECT_TIMEOUT", &c.S3.ConnectTimeout)
	e.duration("S3_REQUEST_TIMEOUT", &c.S3.RequestTimeout)
	e.integer("S3_RETRY_MAX_ATTEMPTS", &c.S3.Retry.MaxAttempts)
	e.duration("S3_RETRY_BASE_DELAY", &c.S3.Retry.BaseDelay)
	e.duration("S3_RETRY_MAX_DELAY", &c.S3.Retry.MaxDelay)

	e.str("CDN_MODE", &c.CDN.Mode)
	e.str("CDN_BASE_URL", &c.CDN.BaseURL)
	e.str("CDN_SIGNING_SECRET", &c.CDN.SigningSecret)

	e.float("LIFECYCLE_HOT_TO_WARM_AFTER_DAYS", &c.Lifecycle.HotToWarmAfterDays)
	e.float("LIFECYCLE_WARM_TO_COLD_AFTER_DAYS", &c.Lifecycle.WarmToColdAfterDays)
	e.integer("LIFECYCLE_HOT_MIN_ACCESSES_PER_DAY", &c.Lifecycle.HotMinAccessesPerDay)
	e.integer("LIFECYCLE_WARM_MIN_ACCESSES_PER_WEEK", &c.Lifecycle.WarmMinAccessesPerWeek)
	e.float("LIFECYCLE_DELETE_AFTER_DAYS", &c.Lifecycle.DeleteAfterDays)
	e.boolean("LIFECYCLE_ORPHAN_CLEANUP_ENABLED", &c.Lifecycle.OrphanCleanupEnabled)
	e.integer("LIFECYCLE_MAX_OBJECTS_PER_BATCH", &c.Lifecycle.MaxObjectsPerBatch)
	e.float("LIFECYCLE_TIERING_INTERVAL_HOURS", &c.Lifecycle.TieringIntervalHours)
	e.str("LIFECYCLE_ACCESS_SNAPSHOT_FILE", &c.Lifecycle.AccessSnapshotFile)

	e.integer("MIGRATION_BATCH_SIZE", &c.Migration.BatchSize)
	e.integer("MIGRATION_PARALLEL_TRANSFERS", &c.Migration.ParallelTransfers)
	e.boolean("MIGRATION_VERIFY", &c.Migration.Verify)
	e.boolean("MIGRATION_VERIFY_CHECKSUMS", &c.Migration.VerifyChecksums)
	e.boolean("MIGRATION_DELETE_SOURCE_AFTER_COPY", &c.Migration.DeleteSourceAfterCopy)
	e.boolean("MIGRATION_RESUME_FROM_CHECKPOINT", &c.Migration.ResumeFromCheckpoint)
	e.str("MIGRATION_CHECKPOINT_FILE", &c.Migration.CheckpointFile)
	e.integer("MIGRATION_CHECKPOINT_EVERY", &c.Migration.CheckpointEvery)

	e.str("AUDIT_BACKEND", &c.Audit.Backend)
	e.str("AUDIT_FILE_PATH", &c.Audit.FilePath)
	e.str("AUDIT_POSTGRES_DSN", &c.Audit.PostgresDSN)

	e.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	e.str("METRICS_NAMESPACE", &c.Metrics.Namespace)
	e.boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	e.str("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	e.str("TRACING_PROTOCOL", &c.Tracing.Protocol)
	e.str("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	e.float("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	e.str("ADMIN_ADDRESS", &c.Admin.Address)
	e.str("ADMIN_TOKEN", &c.Admin.Token)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Configuration) Redacted() Configuration {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.S3.SecretAccessKey = mask(c.S3.SecretAccessKey)
	c.S3.SessionToken = mask(c.S3.SessionToken)
	c.CDN.SigningSecret = mask(c.CDN.SigningSecret)
	c.Audit.PostgresDSN = mask(c.Audit.PostgresDSN)
	c.Admin.Token = mask(c.Admin.Token)
	return c
}

// Validate validates the configuration. Missing required settings yield CONFIG_MISSING so
// the process fails at startup instead of on first use.
func (c *Configuration) Validate() error {
	if _, err := types.ParseTier(c.Storage.DefaultTier); err != nil {
		return invalid("storage.default_tier: %v", err)
	}
	if c.Storage.PresignTTL <= 0 {
		return invalid("storage.presign_ttl must be positive")
	}
	if c.Storage.PresignTTL > 7*24*time.Hour {
		return invalid("storage.presign_ttl must not exceed 7 days")
	}
	if c.Storage.MaxRangeSize <= 0 {
		return invalid("storage.max_range_size must be positive")
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Filesystem.DataRoot == "" {
			return missing("filesystem.data_root is required for the fs backend")
		}
	case "s3":
		if err := c.S3.validate(); err != nil {
			return err
		}
	default:
		return invalid("storage.backend must be fs or s3, got %q", c.Storage.Backend)
	}

	switch c.CDN.Mode {
	case "off", "":
	case "direct":
		if c.CDN.BaseURL == "" {
			return missing("cdn.base_url is required for cdn mode direct")
		}
	case "signed":
		if c.CDN.BaseURL == "" || c.CDN.SigningSecret == "" {
			return missing("cdn.base_url and cdn.signing_secret are required for cdn mode signed")
		}
	default:
		return invalid("cdn.mode must be off, direct or signed, got %q", c.CDN.Mode)
	}

	if err := c.Lifecycle.Validate(); err != nil {
		return invalid("lifecycle: %v", err)
	}
	// The snapshot is the only reference counter the binary can build from configuration.
	if c.Lifecycle.OrphanCleanupEnabled && c.Lifecycle.AccessSnapshotFile == "" {
		return missing("lifecycle.access_snapshot_file is required when orphan_cleanup_enabled is set")
	}
	if err := c.Migration.Validate(); err != nil {
		return invalid("migration: %v", err)
	}

	switch c.Audit.Backend {
	case "memory":
	case "file":
		if c.Audit.FilePath == "" {
			return missing("audit.file_path is required for the file audit backend")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return missing("audit.postgres_dsn is required for the postgres audit backend")
		}
	default:
		return invalid("audit.backend must be memory, file or postgres, got %q", c.Audit.Backend)
	}

	if c.Tracing.Enabled && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return invalid("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return invalid("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

func (s S3Config) validate() error {
	if s.Endpoint == "" {
		return missing("s3.endpoint is required for the s3 backend")
	}
	if s.Region == "" {
		return missing("s3.region is required for the s3 backend")
	}
	seen := make(map[string]types.Tier)
	for _, tier := range types.AllTiers {
		bucket := s.Buckets.ForTier(tier)
		if bucket == "" {
			return missing("s3.buckets.%s is required for the s3 backend", tier)
		}
		if other, dup := seen[bucket]; dup {
			return invalid("s3.buckets.%s and s3.buckets.%s must differ", other, tier)
		}
		seen[bucket] = tier
	}
	switch s.CredentialsSource {
	case "static", "":
		if s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return missing("s3.access_key_id and s3.secret_access_key are required for static credentials")
		}
	case "default":
	default:
		return invalid("s3.credentials_source must be static or default, got %q", s.CredentialsSource)
	}
	if s.RequestTimeout <= 0 {
		return invalid("s3.request_timeout must be positive")
	}
	if s.Retry.MaxAttempts < 1 {
		return invalid("s3.retry.max_attempts must be at least 1")
	}
	return nil
}

func missing(format string, args ...any) error {
	return errors.Newf(errors.ErrCodeConfigMissing, format, args...).WithComponent("config")
}

func invalid(format string, args ...any) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}

// envReader applies TIERSTORE_* variables and collects parse failures.
type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, val, err))
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if val, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}
