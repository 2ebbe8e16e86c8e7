// Command tierstore operates a tiered content-addressed object store: it serves the admin
// API and runs lifecycle, migration, verification and benchmark jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datamarket/tierstore/internal/audit"
	"github.com/datamarket/tierstore/internal/config"
	"github.com/datamarket/tierstore/internal/lifecycle"
	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/internal/storage"
	"github.com/datamarket/tierstore/internal/telemetry"
	"github.com/datamarket/tierstore/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "tierstore",
		Short:         "Tiered content-addressed object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tierstore %s\n", version)
		},
	}

	flags struct {
		configFile string
		envFiles   []string
		logLevel   string
		json       bool
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("TIERSTORE_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&flags.json, "json", false, "print results as JSON")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components every command starts from.
type app struct {
	cfg      config.Configuration
	logger   *slog.Logger
	metrics  *metrics.Collector
	driver   *storage.InstrumentedDriver
	audit    audit.Log
	shutdown telemetry.ShutdownFunc
}

func setup(ctx context.Context) (*app, error) {
	if err := config.LoadDotEnv(flags.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Global.LogLevel = flags.logLevel
	}

	logger, err := utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, shutdown: shutdown}

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.driver, err = storage.New(ctx, cfg, a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.audit, err = audit.Open(ctx, cfg.Audit, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	logger.Debug("tierstore ready", "version", version, "backend", a.driver.Name(), "config", flags.configFile)
	return a, nil
}

// openTarget builds a second driver from another configuration file. It shares the
// collector so both drivers report under their backend label.
func (a *app) openTarget(ctx context.Context, path string) (*storage.InstrumentedDriver, error) {
	if path == "" {
		return nil, fmt.Errorf("--target-config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	return storage.New(ctx, cfg, a.metrics, a.logger.With("role", "target"))
}

// lifecycleManager wires the access source: the snapshot file when configured, listings
// otherwise.
func (a *app) lifecycleManager() (*lifecycle.Manager, error) {
	deps := lifecycle.Dependencies{
		Driver:  a.driver,
		Audit:   a.audit,
		Metrics: a.metrics,
		Logger:  a.logger,
	}
	if path := a.cfg.Lifecycle.AccessSnapshotFile; path != "" {
		src := lifecycle.NewSnapshotSource(path)
		deps.Access, deps.References = src, src
	} else {
		deps.Access = lifecycle.ListingSource{Driver: a.driver}
	}
	return lifecycle.NewManager(a.cfg.Lifecycle, deps)
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit log close failed", "error", err)
		}
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}

// withApp adapts a command body that needs the application components.
func withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args, a)
	}
}
