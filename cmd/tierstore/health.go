package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every tier once and report its health",
	RunE:  withApp(cmdHealth),
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func cmdHealth(cmd *cobra.Command, args []string, a *app) error {
	report := health.NewTracker(health.ImmediateConfig()).Check(cmd.Context(), a.driver)
	err := emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
		rows := [][]any{{"TIER", "HEALTHY", "LATENCY MS", "ERROR"}}
		for _, t := range report.Tiers {
			rows = append(rows, []any{t.Tier, t.Healthy, fmt.Sprintf("%.1f", t.LatencyMs), t.Error})
		}
		if err := table(w, rows); err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s backend is %s\n", report.Backend, report.Status)
		return nil
	})
	if err != nil {
		return err
	}
	if report.Status != health.StateHealthy {
		return fmt.Errorf("backend %s is %s", report.Backend, report.Status)
	}
	return nil
}
