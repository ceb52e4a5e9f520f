package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/daemon"
	"github.com/fleetops/migrationd/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in setupRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// errPrerequisitesUnmet is returned by repair/run-foreground when a
// required piece of on-disk state is missing; it maps to exit code 2
// (0 success, 1 generic failure, 2 prerequisites unmet).
var errPrerequisitesUnmet = fmt.Errorf("prerequisites unmet")

// cliContextKey is the context key for the resolved config/logger pair.
type cliContextKey struct{}

type cliContext struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	ConfigPath string
}

func cliContextFrom(ctx context.Context) *cliContext {
	cc, _ := ctx.Value(cliContextKey{}).(*cliContext)

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "migrationd",
		Short:   "Workstation migration coordination service",
		Long:    "migrationd coordinates per-user backup state, cloud readiness, and quota health during a workstation migration.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfigIntoContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db-path", "", "override the embedded store's database path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newUninstallCmd())
	cmd.AddCommand(newRepairCmd())
	cmd.AddCommand(newRunForegroundCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

// loadConfigIntoContext resolves the effective configuration from the
// override chain and stores it in the command's context.
func loadConfigIntoContext(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	cli := config.CLIOverrides{ConfigPath: flagConfigPath, DBPath: flagDBPath}
	env := config.ReadEnvOverrides(logger)

	logger.Debug("resolving config",
		slog.String("config_path", cli.ConfigPath),
		slog.String("env_config", env.ConfigPath),
	)

	configPath := config.ResolveConfigPath(env, cli, logger)

	cfg, err := config.Resolve(env, cli, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !filepath.IsAbs(cfg.Store.DBPath) {
		if dataDir := config.DefaultDataDir(); dataDir != "" {
			cfg.Store.DBPath = filepath.Join(dataDir, cfg.Store.DBPath)
		}
	}

	finalLogger := buildLogger(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, &cliContext{Cfg: cfg, Logger: finalLogger, ConfigPath: configPath}))

	return nil
}

// buildLogger creates a bootstrap slog.Logger configured by the resolved
// config (if any) and CLI flags. Pass nil for pre-config bootstrap. This is
// replaced by daemon.BuildLogPipeline's multi-sink logger once
// run-foreground actually starts serving.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newInstallCmd prepares the on-disk state (data directory, empty store
// with migrations applied) a real installer needs before registering the
// service with the OS service manager. Concrete service registration
// (Windows Service Control Manager, systemd) is left to deployment
// tooling.
func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Prepare configuration and data directories for the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cliContextFrom(cmd.Context())

			if err := os.MkdirAll(filepath.Dir(cc.Cfg.Store.DBPath), 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			st, err := store.Open(cmd.Context(), cc.Cfg.Store.DBPath, cc.Logger)
			if err != nil {
				return fmt.Errorf("initializing store: %w", err)
			}
			defer st.Close()

			cc.Logger.Info("install complete", slog.String("db_path", cc.Cfg.Store.DBPath))
			fmt.Fprintln(os.Stdout, "migrationd installed.")

			return nil
		},
	}
}

// newUninstallCmd removes the on-disk state install created. It never
// touches the service-manager registration itself.
func newUninstallCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service's on-disk state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cliContextFrom(cmd.Context())

			if purge {
				if err := os.Remove(cc.Cfg.Store.DBPath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("removing store: %w", err)
				}
			}

			fmt.Fprintln(os.Stdout, "migrationd uninstalled.")

			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the persistent store")

	return cmd
}

// newRepairCmd re-applies migrations and verifies the store opens cleanly,
// for recovery from an interrupted install or a corrupted database.
func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-apply migrations and verify the store is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cliContextFrom(cmd.Context())

			dataDir := filepath.Dir(cc.Cfg.Store.DBPath)
			if _, err := os.Stat(dataDir); err != nil {
				return fmt.Errorf("%w: data directory missing, run install first: %w", errPrerequisitesUnmet, err)
			}

			st, err := store.Open(cmd.Context(), cc.Cfg.Store.DBPath, cc.Logger)
			if err != nil {
				return fmt.Errorf("repairing store: %w", err)
			}
			defer st.Close()

			fmt.Fprintln(os.Stdout, "migrationd repaired.")

			return nil
		},
	}
}

// newRunForegroundCmd starts the daemon in the foreground: single-instance
// guard via PID file flock, full component wiring, and graceful shutdown on
// SIGINT/SIGTERM.
func newRunForegroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-foreground",
		Short: "Run the service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cliContextFrom(cmd.Context())
			cfg := cc.Cfg

			pipeline, finalLogger, err := daemon.BuildLogPipeline(cfg.Logging, nil)
			if err != nil {
				return fmt.Errorf("%w: %w", errPrerequisitesUnmet, err)
			}
			defer pipeline.Dispose()

			dataDir := filepath.Dir(cfg.Store.DBPath)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("%w: creating data directory: %w", errPrerequisitesUnmet, err)
			}

			pidPath := daemon.PIDFilePath(cfg.Store.DBPath)

			cleanupPID, err := daemon.WritePIDFile(pidPath)
			if err != nil {
				return fmt.Errorf("%w: %w", errPrerequisitesUnmet, err)
			}
			defer cleanupPID()

			ctx := shutdownContext(cmd.Context(), finalLogger)

			st, err := store.Open(ctx, cfg.Store.DBPath, finalLogger)
			if err != nil {
				return fmt.Errorf("%w: opening store: %w", errPrerequisitesUnmet, err)
			}
			defer st.Close()

			listener, socketPath, err := daemon.ListenLocalSocket(cfg.Server.EndpointName)
			if err != nil {
				return fmt.Errorf("%w: %w", errPrerequisitesUnmet, err)
			}
			defer listener.Close()

			finalLogger.Info("listening", slog.String("socket", socketPath))

			d, err := daemon.New(cfg, st, daemon.Providers{}, listener, finalLogger)
			if err != nil {
				return fmt.Errorf("wiring daemon: %w", err)
			}

			if err := d.WatchConfigFile(ctx, cc.ConfigPath); err != nil {
				finalLogger.Warn("config file watch disabled", slog.String("error", err.Error()))
			}

			go watchSIGHUP(ctx, d, cc.ConfigPath, finalLogger)

			return d.Run(ctx)
		},
	}
}

// watchSIGHUP forces an immediate configuration reload on each SIGHUP,
// giving the reload command's signal a faster path than waiting for
// confwatch.go's debounced filesystem watch to notice the same edit.
func watchSIGHUP(ctx context.Context, d *daemon.Daemon, configPath string, logger *slog.Logger) {
	hup := sighupChannel()
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("received SIGHUP, reloading configuration", slog.String("path", configPath))
			d.ReloadConfig(configPath)
		}
	}
}

// newReloadCmd signals a running daemon to reload its configuration
// immediately.
func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal a running daemon to reload its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := cliContextFrom(cmd.Context())

			pidPath := daemon.PIDFilePath(cc.Cfg.Store.DBPath)
			if err := daemon.SendSIGHUP(pidPath); err != nil {
				return fmt.Errorf("%w: %w", errPrerequisitesUnmet, err)
			}

			fmt.Fprintln(os.Stdout, "Notified running daemon to reload config.")

			return nil
		},
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
