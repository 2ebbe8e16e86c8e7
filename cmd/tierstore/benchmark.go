package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/types"
	"github.com/datamarket/tierstore/pkg/utils"
)

var (
	benchmarkCmd = &cobra.Command{
		Use:   "benchmark",
		Short: "Measure upload and download performance of each tier",
		RunE:  withApp(cmdBenchmark),
	}

	benchmarkFlags struct {
		tiers      []string
		sizes      []string
		iterations int
	}
)

func init() {
	benchmarkCmd.Flags().StringSliceVar(&benchmarkFlags.tiers, "tiers", []string{"hot", "warm", "cold"}, "tiers to benchmark")
	benchmarkCmd.Flags().StringSliceVar(&benchmarkFlags.sizes, "sizes", []string{"4KB", "1MB"}, "object sizes")
	benchmarkCmd.Flags().IntVarP(&benchmarkFlags.iterations, "iterations", "n", 5, "objects per tier and size")
	rootCmd.AddCommand(benchmarkCmd)
}

func benchmarkOptions() (migration.BenchmarkOptions, error) {
	opts := migration.BenchmarkOptions{Iterations: benchmarkFlags.iterations}
	for _, s := range benchmarkFlags.tiers {
		tier, err := types.ParseTier(s)
		if err != nil {
			return opts, err
		}
		opts.Tiers = append(opts.Tiers, tier)
	}
	for _, s := range benchmarkFlags.sizes {
		size, err := utils.ParseBytes(s)
		if err != nil {
			return opts, fmt.Errorf("size %q: %w", s, err)
		}
		opts.Sizes = append(opts.Sizes, size)
	}
	return opts, nil
}

func cmdBenchmark(cmd *cobra.Command, args []string, a *app) error {
	opts, err := benchmarkOptions()
	if err != nil {
		return err
	}
	results, err := migration.Benchmark(cmd.Context(), a.driver, opts, a.logger)
	if err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), results, func(w io.Writer) error {
		rows := [][]any{{"TIER", "OP", "SIZE", "OK", "ERRORS", "MB/S", "OPS/S", "AVG MS", "P95 MS", "MAX MS"}}
		for _, r := range results {
			rows = append(rows, []any{
				r.Tier, r.Operation, utils.FormatBytes(r.ObjectSize), r.ObjectCount, r.Errors,
				fmt.Sprintf("%.2f", r.ThroughputMBps), fmt.Sprintf("%.1f", r.OpsPerSecond),
				fmt.Sprintf("%.2f", r.Latency.Avg), fmt.Sprintf("%.2f", r.Latency.P95), fmt.Sprintf("%.2f", r.Latency.Max),
			})
		}
		return table(w, rows)
	})
}
