package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/utils"
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Copy every object to the driver described by --target-config",
		RunE:  withApp(cmdMigrate),
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Compare every object against the driver described by --target-config",
		RunE:  withApp(cmdVerify),
	}

	migrateFlags struct {
		targetConfig string
		resume       bool
		deleteSource bool
		noVerify     bool
		progress     time.Duration
	}
)

func init() {
	for _, c := range []*cobra.Command{migrateCmd, verifyCmd} {
		c.Flags().StringVar(&migrateFlags.targetConfig, "target-config", "", "configuration file of the target driver")
		_ = c.MarkFlagRequired("target-config")
	}
	migrateCmd.Flags().BoolVar(&migrateFlags.resume, "resume", false, "continue from the checkpoint file")
	migrateCmd.Flags().BoolVar(&migrateFlags.deleteSource, "delete-source", false, "delete verified source objects afterwards")
	migrateCmd.Flags().BoolVar(&migrateFlags.noVerify, "no-verify", false, "skip the verification phase")
	migrateCmd.Flags().DurationVar(&migrateFlags.progress, "progress-interval", 10*time.Second, "how often progress is logged, 0 disables")
	rootCmd.AddCommand(migrateCmd, verifyCmd)
}

func newMigrator(cmd *cobra.Command, a *app) (*migration.Migrator, error) {
	target, err := a.openTarget(cmd.Context(), migrateFlags.targetConfig)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.Migration
	if cmd.Flags().Changed("resume") {
		cfg.ResumeFromCheckpoint = migrateFlags.resume
	}
	if cmd.Flags().Changed("delete-source") {
		cfg.DeleteSourceAfterCopy = migrateFlags.deleteSource
	}
	if migrateFlags.noVerify {
		cfg.Verify = false
	}
	return migration.NewMigrator(cfg, a.driver, target, a.metrics, a.logger)
}

func cmdMigrate(cmd *cobra.Command, args []string, a *app) error {
	m, err := newMigrator(cmd, a)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	if migrateFlags.progress > 0 {
		go func() {
			ticker := time.NewTicker(migrateFlags.progress)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					p := m.Progress()
					a.logger.Info("migration progress", "phase", p.Phase,
						"processed", p.ProcessedObjects, "total", p.TotalObjects,
						"eta", p.EstimatedTimeRemaining.Round(time.Second))
				}
			}
		}()
	}

	progress, err := m.Migrate(cmd.Context())
	printErr := emit(cmd.OutOrStdout(), progress, func(w io.Writer) error {
		fmt.Fprintf(w, "run %s: %s\n", progress.RunID, progress.Phase)
		fmt.Fprintf(w, "objects: %d total, %d migrated, %d skipped, %d failed\n",
			progress.TotalObjects, progress.SuccessCount, progress.SkippedCount, progress.ErrorCount)
		fmt.Fprintf(w, "transferred: %s\n", utils.FormatBytes(progress.BytesTransferred))
		if summary := migration.Summary(m.VerificationResults()); len(summary) > 0 {
			fmt.Fprintf(w, "verification: %d verified, %d mismatch, %d missing, %d error\n",
				summary[migration.StatusVerified], summary[migration.StatusMismatch],
				summary[migration.StatusMissing], summary[migration.StatusError])
		}
		return nil
	})
	if err != nil {
		return err
	}
	if progress.ErrorCount > 0 {
		return fmt.Errorf("%d objects failed to migrate", progress.ErrorCount)
	}
	return printErr
}

func cmdVerify(cmd *cobra.Command, args []string, a *app) error {
	m, err := newMigrator(cmd, a)
	if err != nil {
		return err
	}
	results, err := m.Verify(cmd.Context())
	if err != nil {
		return err
	}
	summary := migration.Summary(results)
	err = emit(cmd.OutOrStdout(), results, func(w io.Writer) error {
		rows := [][]any{{"STATUS", "TIER", "HASH", "DETAIL"}}
		for _, r := range results {
			if r.Status != migration.StatusVerified {
				rows = append(rows, []any{r.Status, r.Tier, r.Hash, r.Error})
			}
		}
		if len(rows) > 1 {
			if err := table(w, rows); err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "%d verified, %d mismatch, %d missing, %d error\n",
			summary[migration.StatusVerified], summary[migration.StatusMismatch],
			summary[migration.StatusMissing], summary[migration.StatusError])
		return nil
	})
	if err != nil {
		return err
	}
	if bad := len(results) - summary[migration.StatusVerified]; bad > 0 {
		return fmt.Errorf("%d objects did not verify", bad)
	}
	return nil
}
