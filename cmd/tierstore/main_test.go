package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/types"
)

func writeConfig(t *testing.T, dataRoot string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tierstore.yaml")
	doc := fmt.Sprintf(`
global:
  log_level: ERROR
storage:
  backend: fs
filesystem:
  data_root: %s
migration:
  checkpoint_file: %s
audit:
  backend: file
  file_path: %s
`, dataRoot, filepath.Join(dir, "checkpoint.json"), filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func plant(t *testing.T, root string, tier types.Tier, data []byte) types.ContentHash {
	t.Helper()
	hash := types.HashBytes(data)
	dir := filepath.Join(root, string(tier), hash.Shard())
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(hash)), data, 0o640))
	return hash
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tierstore dev\n", out)
}

func TestHealthCommand(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	out, err := run(t, "--config", cfg, "--json", "health")
	require.NoError(t, err)

	var report struct {
		Status  string             `json:"status"`
		Backend string             `json:"backend"`
		Tiers   []types.TierHealth `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Len(t, report.Tiers, 3)
}

func TestLifecycleStatsCommand(t *testing.T) {
	root := t.TempDir()
	cfg := writeConfig(t, root)
	plant(t, root, types.TierWarm, []byte("warm object"))

	out, err := run(t, "--config", cfg, "--json=false", "lifecycle", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "TIER")
	assert.Contains(t, out, "moves in the last 24h: 0")
}

func TestMigrateAndVerifyCommands(t *testing.T) {
	srcRoot, dstRoot := t.TempDir(), t.TempDir()
	srcCfg, dstCfg := writeConfig(t, srcRoot), writeConfig(t, dstRoot)
	hash := plant(t, srcRoot, types.TierCold, []byte("archived"))

	out, err := run(t, "--config", srcCfg, "--json", "migrate", "--target-config", dstCfg, "--progress-interval", "0")
	require.NoError(t, err)
	var progress migration.Progress
	require.NoError(t, json.Unmarshal([]byte(out), &progress))
	assert.Equal(t, migration.PhaseCompleted, progress.Phase)
	assert.Equal(t, 1, progress.SuccessCount)
	assert.FileExists(t, filepath.Join(dstRoot, "cold", hash.Shard(), string(hash)))

	out, err = run(t, "--config", srcCfg, "--json=false", "verify", "--target-config", dstCfg)
	require.NoError(t, err)
	assert.Contains(t, out, "1 verified, 0 mismatch, 0 missing, 0 error")
}

func TestMigrateRequiresTarget(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	_, err := run(t, "--config", cfg, "migrate", "--target-config", "")
	assert.Error(t, err)
}

func TestBenchmarkOptions(t *testing.T) {
	benchmarkFlags.tiers = []string{"hot", "COLD"}
	benchmarkFlags.sizes = []string{"4KB", "1M"}
	benchmarkFlags.iterations = 3
	opts, err := benchmarkOptions()
	require.NoError(t, err)
	assert.Equal(t, []types.Tier{types.TierHot, types.TierCold}, opts.Tiers)
	assert.Equal(t, []int64{4 << 10, 1 << 20}, opts.Sizes)
	assert.Equal(t, 3, opts.Iterations)

	benchmarkFlags.tiers = []string{"archive"}
	_, err = benchmarkOptions()
	assert.Error(t, err)
}

func TestBenchmarkCommand(t *testing.T) {
	root := t.TempDir()
	cfg := writeConfig(t, root)
	out, err := run(t, "--config", cfg, "--json=false", "benchmark", "--tiers", "hot", "--sizes", "1KB", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "upload")
	assert.Contains(t, out, "download")

	entries, err := os.ReadDir(filepath.Join(root, "hot"))
	require.NoError(t, err)
	for _, e := range entries {
		shard, err := os.ReadDir(filepath.Join(root, "hot", e.Name()))
		require.NoError(t, err)
		assert.Empty(t, shard, "benchmark objects are cleaned up")
	}
}
