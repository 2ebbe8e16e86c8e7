package main

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/internal/migration"
	"github.com/datamarket/tierstore/pkg/api"
	"github.com/datamarket/tierstore/pkg/health"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and run scheduled lifecycle passes",
		RunE:  withApp(cmdServe),
	}

	serveFlags struct {
		targetConfig string
		noLifecycle  bool
		drainTimeout time.Duration
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveFlags.targetConfig, "migration-target", "", "configuration of the driver /migration/run copies to")
	serveCmd.Flags().BoolVar(&serveFlags.noLifecycle, "no-lifecycle", false, "do not schedule lifecycle passes")
	serveCmd.Flags().DurationVar(&serveFlags.drainTimeout, "drain-timeout", 30*time.Second, "time allowed for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func cmdServe(cmd *cobra.Command, args []string, a *app) error {
	ctx := cmd.Context()

	manager, err := a.lifecycleManager()
	if err != nil {
		return err
	}

	var migrator *migration.Migrator
	if serveFlags.targetConfig != "" {
		target, err := a.openTarget(ctx, serveFlags.targetConfig)
		if err != nil {
			return err
		}
		if migrator, err = migration.NewMigrator(a.cfg.Migration, a.driver, target, a.metrics, a.logger); err != nil {
			return err
		}
	}

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.OnStateChange(func(component string, oldState, newState health.HealthState, message string) {
		a.logger.Warn("tier health changed", "tier", component, "from", oldState, "to", newState, "error", message)
	})

	srvCfg := api.DefaultServerConfig()
	srvCfg.Address = a.cfg.Admin.Address
	srvCfg.Token = a.cfg.Admin.Token
	server := api.NewServer(srvCfg, api.Dependencies{
		Driver:    a.driver,
		Health:    tracker,
		Lifecycle: manager,
		Migrator:  migrator,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})

	runCtx, stop := context.WithCancel(ctx)
	var wg conc.WaitGroup
	wg.Go(func() { tracker.StartHealthChecks(runCtx, a.driver) })
	if !serveFlags.noLifecycle {
		wg.Go(func() { manager.Start(runCtx) })
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveFlags.drainTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(drainCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	stop()
	wg.Wait()
	if err != nil {
		a.logger.Error("admin API stopped", "error", err)
		return err
	}
	a.logger.Info("tierstore stopped")
	return nil
}
