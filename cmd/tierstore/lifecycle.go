package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/internal/lifecycle"
	"github.com/datamarket/tierstore/pkg/types"
	"github.com/datamarket/tierstore/pkg/utils"
)

var (
	lifecycleCmd = &cobra.Command{
		Use:   "lifecycle",
		Short: "Evaluate and apply tiering rules",
	}

	lifecycleRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one tiering and cleanup pass",
		RunE:  withApp(cmdLifecycleRun),
	}

	lifecyclePlanCmd = &cobra.Command{
		Use:   "plan",
		Short: "Print the tiering decisions without moving anything",
		RunE:  withApp(cmdLifecyclePlan),
	}

	lifecycleStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print per-tier totals and recent tiering activity",
		RunE:  withApp(cmdLifecycleStats),
	}
)

func init() {
	lifecycleCmd.AddCommand(lifecycleRunCmd, lifecyclePlanCmd, lifecycleStatsCmd)
	rootCmd.AddCommand(lifecycleCmd)
}

func cmdLifecycleRun(cmd *cobra.Command, args []string, a *app) error {
	manager, err := a.lifecycleManager()
	if err != nil {
		return err
	}
	report, err := manager.Run(cmd.Context())
	if err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
		fmt.Fprintf(w, "evaluated %d objects, %d decisions, moved %d, failed %d, deferred %d\n",
			report.Evaluated, len(report.Decisions), report.Moved, report.Failed, report.Deferred)
		fmt.Fprintf(w, "estimated savings: %.0f\n", report.EstimatedSavings)
		if c := report.Cleanup; c.Enabled {
			fmt.Fprintf(w, "cleanup: scanned %d, expired %d, referenced %d, deleted %d, failed %d\n",
				c.Scanned, c.Expired, c.Referenced, c.Deleted, c.Failed)
		}
		return nil
	})
}

func cmdLifecyclePlan(cmd *cobra.Command, args []string, a *app) error {
	manager, err := a.lifecycleManager()
	if err != nil {
		return err
	}
	metrics, err := manager.CollectMetrics(cmd.Context())
	if err != nil {
		return err
	}
	decisions := manager.Decide(metrics)
	return emit(cmd.OutOrStdout(), decisions, func(w io.Writer) error {
		rows := [][]any{{"PRIORITY", "HASH", "FROM", "TO", "SAVINGS", "REASON"}}
		for _, d := range decisions {
			rows = append(rows, []any{d.Priority, d.Hash, d.FromTier, d.ToTier, fmt.Sprintf("%.0f", d.EstimatedSavings), d.Reason})
		}
		return table(w, rows)
	})
}

func cmdLifecycleStats(cmd *cobra.Command, args []string, a *app) error {
	manager, err := a.lifecycleManager()
	if err != nil {
		return err
	}
	stats, err := manager.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return emit(cmd.OutOrStdout(), stats, func(w io.Writer) error {
		return printStats(w, stats)
	})
}

func printStats(w io.Writer, stats *lifecycle.Stats) error {
	rows := [][]any{{"TIER", "OBJECTS", "SIZE"}}
	for _, tier := range types.AllTiers {
		ts := stats.Tiers[tier]
		rows = append(rows, []any{tier, ts.Objects, utils.FormatBytes(ts.Bytes)})
	}
	if err := table(w, rows); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nmoves in the last 24h: %d\nestimated savings over 30 days: %.0f\n",
		stats.RecentMoves, stats.EstimatedSavings30d)
	return nil
}
