package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"quadlinkd/internal/config"
	"quadlinkd/internal/status"
	"quadlinkd/internal/sync"
	"quadlinkd/internal/systemduser"
	"quadlinkd/internal/watcher"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quadlinkd",
	Short: "Converge systemd user quadlets onto a declarative unit tree",
	Long: `quadlinkd keeps the systemd user quadlet directory synchronized with a
declarative tree of unit descriptor files. It maintains one managed symlink
per descriptor, reloads the systemd user daemon when the set changes, and
starts desired units that are not yet active.

Without a subcommand it runs in watch mode: an initial reconciliation pass
followed by change-triggered passes driven by filesystem notifications, with
a periodic heartbeat as fallback.`,
	SilenceUsage: true,
	RunE:         runWatch,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single reconciliation pass and exit",
	RunE:  runOnce,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run an initial pass, then reconcile on every source tree change",
	RunE:  runWatch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the desired/actual/live state of every unit",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quadlinkd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in user paths)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := preflight(cfg); err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, systemduser.NewClient(), logger)
	result, err := engine.Run(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		return err
	}

	fmt.Println(result.Summary())
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := preflight(cfg); err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, systemduser.NewClient(), logger)

	notifier, err := watcher.NewFSNotifier(cfg.Paths.SourceDir, cfg.TierDirs(), logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = notifier.Close()
	}()
	w := watcher.New(notifier, cfg.Heartbeat(), cfg.Debounce(), logger)

	logger.Info("starting watch mode",
		"source_dir", cfg.Paths.SourceDir,
		"quadlet_dir", cfg.Paths.QuadletDir,
		"heartbeat", cfg.Heartbeat(),
		"debounce", cfg.Debounce())

	if _, err := engine.Run(ctx); err != nil {
		// Recoverable: the next trigger retries.
		logger.Error("initial pass failed", "error", err)
	}

	// No-op outside a systemd service.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify not available", "error", err)
	}

	for {
		reason, err := w.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				logger.Info("shutting down")
				return nil
			}
			return fmt.Errorf("watch failed: %w", err)
		}

		logger.Info("reconciliation triggered", "reason", reason.String())
		if _, err := engine.Run(ctx); err != nil {
			logger.Error("pass failed", "error", err)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := preflight(cfg); err != nil {
		return err
	}

	reporter := status.NewReporter(cfg, systemduser.NewClient(), logger)
	listing, err := reporter.Render(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect status: %w", err)
	}

	fmt.Println(listing)
	return nil
}

// preflight verifies the external dependencies before any mode enters its
// loop: the supervisor and container runtime binaries, and the source tree.
func preflight(cfg *config.Config) error {
	for _, bin := range []string{"systemctl", "podman"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required binary %q not found in PATH", bin)
		}
	}

	if _, err := os.Stat(cfg.Paths.SourceDir); err != nil {
		return fmt.Errorf("source tree %s does not exist: %w", cfg.Paths.SourceDir, err)
	}

	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
