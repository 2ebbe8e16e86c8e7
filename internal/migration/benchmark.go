package migration

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// Benchmark operations
const (
	OpUpload   = "upload"
	OpDownload = "download"
)

const maxBenchmarkSize = 1 << 30

// BenchmarkOptions selects the benchmark matrix.
type BenchmarkOptions struct {
	Tiers      []types.Tier `json:"tiers"`
	Sizes      []int64      `json:"sizes"`
	Iterations int          `json:"iterations"`
}

// DefaultBenchmarkOptions covers every tier with a small and a medium payload.
func DefaultBenchmarkOptions() BenchmarkOptions {
	return BenchmarkOptions{
		Tiers:      types.AllTiers,
		Sizes:      []int64{4 << 10, 1 << 20},
		Iterations: 5,
	}
}

func (o BenchmarkOptions) validate() error {
	if len(o.Tiers) == 0 || len(o.Sizes) == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "benchmark needs at least one tier and one size")
	}
	for _, t := range o.Tiers {
		if !t.Valid() {
			return errors.Newf(errors.ErrCodeInvalidTier, "unknown tier %q", t)
		}
	}
	for _, s := range o.Sizes {
		if s <= 0 || s > maxBenchmarkSize {
			return errors.Newf(errors.ErrCodeInvalidConfig, "benchmark size %d outside 1..%d", s, maxBenchmarkSize)
		}
	}
	if o.Iterations <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "benchmark iterations must be positive")
	}
	return nil
}

// Benchmark runs the benchmark matrix against the migration target.
func (m *Migrator) Benchmark(ctx context.Context, opts BenchmarkOptions) ([]BenchmarkResult, error) {
	return Benchmark(ctx, m.target, opts, m.logger)
}

// Benchmark uploads and then downloads Iterations synthetic objects for every tier and
// size, and deletes them afterwards. Payloads are derived from tier, size and iteration
// so repeated runs write identical content. Failed operations are counted in the result
// and excluded from the latency figures.
func Benchmark(ctx context.Context, d types.Driver, opts BenchmarkOptions, logger *slog.Logger) ([]BenchmarkResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "benchmark", "backend", d.Name())

	var results []BenchmarkResult
	for _, tier := range opts.Tiers {
		for _, size := range opts.Sizes {
			cell, err := benchmarkCell(ctx, d, tier, size, opts.Iterations, logger)
			results = append(results, cell...)
			if err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func benchmarkCell(ctx context.Context, d types.Driver, tier types.Tier, size int64, iterations int, logger *slog.Logger) ([]BenchmarkResult, error) {
	generated := make(map[types.ContentHash]bool, iterations)
	defer cleanupSynthetic(context.WithoutCancel(ctx), d, tier, size, generated, logger)

	var (
		uploaded  []types.ContentHash
		latencies []time.Duration
		failures  int
	)
	started := time.Now()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := syntheticPayload(tier, size, i)
		hash := types.HashBytes(data)
		generated[hash] = true

		t0 := time.Now()
		err := d.PutObject(ctx, hash, bytes.NewReader(data), size, tier, &types.StorageMetadata{ContentType: "application/octet-stream"})
		if err != nil {
			failures++
			logger.Warn("benchmark upload failed", "tier", tier, "size", size, "error", err)
			continue
		}
		latencies = append(latencies, time.Since(t0))
		uploaded = append(uploaded, hash)
	}
	upload := summarize(OpUpload, d.Name(), tier, size, latencies, failures, time.Since(started))

	latencies, failures = nil, 0
	started = time.Now()
	for _, hash := range uploaded {
		if err := ctx.Err(); err != nil {
			return []BenchmarkResult{upload}, err
		}
		t0 := time.Now()
		if err := download(ctx, d, hash, tier); err != nil {
			failures++
			logger.Warn("benchmark download failed", "tier", tier, "size", size, "error", err)
			continue
		}
		latencies = append(latencies, time.Since(t0))
	}
	dl := summarize(OpDownload, d.Name(), tier, size, latencies, failures, time.Since(started))

	logger.Info("benchmark cell complete", "tier", tier, "size", size,
		"upload_mbps", upload.ThroughputMBps, "download_mbps", dl.ThroughputMBps)
	return []BenchmarkResult{upload, dl}, nil
}

func download(ctx context.Context, d types.Driver, hash types.ContentHash, tier types.Tier) error {
	obj, err := d.GetObject(ctx, hash, tier, nil)
	if err != nil {
		return err
	}
	defer obj.Body.Close()
	_, err = io.Copy(io.Discard, obj.Body)
	return err
}

// cleanupSynthetic deletes listed objects of the given size whose hash this run produced.
func cleanupSynthetic(ctx context.Context, d types.Driver, tier types.Tier, size int64, generated map[types.ContentHash]bool, logger *slog.Logger) {
	if len(generated) == 0 {
		return
	}
	objects, err := d.ListObjects(ctx, tier, "", 0)
	if err != nil {
		logger.Warn("benchmark cleanup listing failed", "tier", tier, "error", err)
		return
	}
	for _, obj := range objects {
		if obj.Size != size || !generated[obj.Hash] {
			continue
		}
		if err := d.DeleteObject(ctx, obj.Hash, tier); err != nil {
			logger.Warn("benchmark cleanup delete failed", "content_hash", obj.Hash, "tier", tier, "error", err)
		}
	}
}

// syntheticPayload returns size pseudo-random bytes seeded by tier, size and iteration.
func syntheticPayload(tier types.Tier, size int64, iteration int) []byte {
	h := fnv.New64a()
	h.Write([]byte(tier))
	_ = binary.Write(h, binary.LittleEndian, size)
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(iteration)))

	data := make([]byte, size)
	var word [8]byte
	for i := 0; i < len(data); i += 8 {
		binary.LittleEndian.PutUint64(word[:], rng.Uint64())
		copy(data[i:], word[:])
	}
	return data
}

func summarize(op, backend string, tier types.Tier, size int64, latencies []time.Duration, failures int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		Operation:      op,
		Backend:        backend,
		Tier:           tier,
		ObjectCount:    len(latencies),
		ObjectSize:     size,
		TotalSizeBytes: int64(len(latencies)) * size,
		DurationMs:     millis(elapsed),
		Errors:         failures,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.ThroughputMBps = float64(r.TotalSizeBytes) / (1 << 20) / secs
		r.OpsPerSecond = float64(r.ObjectCount) / secs
	}
	r.Latency = latencyStats(latencies)
	return r
}

func latencyStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	p95 := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	return LatencyStats{
		Min: millis(sorted[0]),
		Max: millis(sorted[len(sorted)-1]),
		Avg: millis(total / time.Duration(len(sorted))),
		P95: millis(sorted[p95]),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
