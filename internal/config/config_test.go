package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, "hot", cfg.Storage.DefaultTier)
	assert.Equal(t, time.Hour, cfg.Storage.PresignTTL)
	assert.Equal(t, int64(100<<20), cfg.Storage.MaxRangeSize)
	assert.Equal(t, 7.0, cfg.Lifecycle.HotToWarmAfterDays)
	assert.Equal(t, 100, cfg.Migration.CheckpointEvery)
	assert.True(t, cfg.Migration.Verify)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tierstore.yaml")
	yamlDoc := `
storage:
  backend: s3
  presign_ttl: 30m
s3:
  endpoint: http://localhost:9000
  region: eu-west-1
  access_key_id: minio
  secret_access_key: minio123
  buckets:
    hot: data-hot
    warm: data-warm
    cold: data-cold
  storage_classes:
    cold: ""
lifecycle:
  hot_to_warm_after_days: 3
  max_objects_per_batch: 10
  access_snapshot_file: /var/lib/tierstore/access.json
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0600))

	t.Setenv("TIERSTORE_S3_REGION", "us-west-2")
	t.Setenv("TIERSTORE_MIGRATION_PARALLEL_TRANSFERS", "8")
	t.Setenv("TIERSTORE_LIFECYCLE_ORPHAN_CLEANUP_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Storage.PresignTTL)
	assert.Equal(t, "us-west-2", cfg.S3.Region, "environment overrides the file")
	assert.Equal(t, "data-warm", cfg.S3.Buckets.Warm)
	assert.Equal(t, 3.0, cfg.Lifecycle.HotToWarmAfterDays)
	assert.Equal(t, 10, cfg.Lifecycle.MaxObjectsPerBatch)
	assert.True(t, cfg.Lifecycle.OrphanCleanupEnabled)
	assert.Equal(t, "/var/lib/tierstore/access.json", cfg.Lifecycle.AccessSnapshotFile)
	assert.Equal(t, 8, cfg.Migration.ParallelTransfers)
	// Unset fields keep their defaults.
	assert.Equal(t, 30.0, cfg.Lifecycle.WarmToColdAfterDays)
	assert.Equal(t, "STANDARD_IA", cfg.S3.StorageClasses.Warm)
	assert.Empty(t, cfg.S3.StorageClasses.Cold)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("TIERSTORE_MIGRATION_BATCH_SIZE", "lots")
	t.Setenv("TIERSTORE_PRESIGN_TTL", "soon")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIERSTORE_MIGRATION_BATCH_SIZE")
	assert.Contains(t, err.Error(), "TIERSTORE_PRESIGN_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
		code   errors.ErrorCode
	}{
		{"s3 without endpoint", func(c *Configuration) {
			c.Storage.Backend = "s3"
		}, errors.ErrCodeConfigMissing},
		{"s3 without cold bucket", func(c *Configuration) {
			c.Storage.Backend = "s3"
			c.S3.Endpoint = "http://localhost:9000"
			c.S3.AccessKeyID, c.S3.SecretAccessKey = "a", "b"
			c.S3.Buckets = BucketsConfig{Hot: "h", Warm: "w"}
		}, errors.ErrCodeConfigMissing},
		{"s3 static without keys", func(c *Configuration) {
			c.Storage.Backend = "s3"
			c.S3.Endpoint = "http://localhost:9000"
			c.S3.Buckets = BucketsConfig{Hot: "h", Warm: "w", Cold: "c"}
		}, errors.ErrCodeConfigMissing},
		{"unknown backend", func(c *Configuration) {
			c.Storage.Backend = "tape"
		}, errors.ErrCodeInvalidConfig},
		{"unknown tier", func(c *Configuration) {
			c.Storage.DefaultTier = "lukewarm"
		}, errors.ErrCodeInvalidConfig},
		{"signed cdn without secret", func(c *Configuration) {
			c.CDN = CDNConfig{Mode: "signed", BaseURL: "https://cdn.example.com"}
		}, errors.ErrCodeConfigMissing},
		{"postgres audit without dsn", func(c *Configuration) {
			c.Audit.Backend = "postgres"
		}, errors.ErrCodeConfigMissing},
		{"zero parallel transfers", func(c *Configuration) {
			c.Migration.ParallelTransfers = 0
		}, errors.ErrCodeInvalidConfig},
		{"s3 buckets shared between tiers", func(c *Configuration) {
			c.Storage.Backend = "s3"
			c.S3.Endpoint = "http://localhost:9000"
			c.S3.AccessKeyID, c.S3.SecretAccessKey = "a", "b"
			c.S3.Buckets = BucketsConfig{Hot: "h", Warm: "h", Cold: "c"}
		}, errors.ErrCodeInvalidConfig},
		{"sample ratio above one", func(c *Configuration) {
			c.Tracing.SampleRatio = 1.5
		}, errors.ErrCodeInvalidConfig},
		{"presign ttl over a week", func(c *Configuration) {
			c.Storage.PresignTTL = 8 * 24 * time.Hour
		}, errors.ErrCodeInvalidConfig},
		{"orphan cleanup without snapshot", func(c *Configuration) {
			c.Lifecycle.OrphanCleanupEnabled = true
		}, errors.ErrCodeConfigMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
		})
	}

	t.Run("s3 with default credential chain", func(t *testing.T) {
		cfg := NewDefault()
		cfg.Storage.Backend = "s3"
		cfg.S3.Endpoint = "https://s3.amazonaws.com"
		cfg.S3.CredentialsSource = "default"
		cfg.S3.Buckets = BucketsConfig{Hot: "h", Warm: "w", Cold: "c"}
		assert.NoError(t, cfg.Validate())
	})
}

func TestSaveAndRedact(t *testing.T) {
	cfg := NewDefault()
	cfg.S3.SecretAccessKey = "topsecret"
	cfg.Admin.Token = "admintoken"

	red := cfg.Redacted()
	assert.Equal(t, "****", red.S3.SecretAccessKey)
	assert.Equal(t, "****", red.Admin.Token)
	assert.Equal(t, "", red.CDN.SigningSecret)
	assert.Equal(t, "topsecret", cfg.S3.SecretAccessKey, "original untouched")

	path := filepath.Join(t.TempDir(), "nested", "out.yaml")
	require.NoError(t, red.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "****", loaded.S3.SecretAccessKey)
	assert.Equal(t, cfg.Lifecycle, loaded.Lifecycle)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TIERSTORE_TEST_DOTENV_VALUE=from-file\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("TIERSTORE_TEST_DOTENV_VALUE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("TIERSTORE_TEST_DOTENV_VALUE"))
}
