package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/schaermu/slicesync/internal/activation"
	"github.com/schaermu/slicesync/internal/config"
	"github.com/schaermu/slicesync/internal/conflict"
	"github.com/schaermu/slicesync/internal/metrics"
	"github.com/schaermu/slicesync/internal/release"
	"github.com/schaermu/slicesync/internal/sync"
	"github.com/schaermu/slicesync/internal/syncerr"
	"github.com/schaermu/slicesync/internal/webhook"
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

	// Sync flags
	dryRun         bool
	force          bool
	nonInteractive bool

	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	return reportError(stderr, err)
}

// reportError prints err and returns the process exit code for it.
func reportError(w io.Writer, err error) int {
	switch syncerr.KindOf(err) {
	case syncerr.KindUserCancelled:
		_, _ = fmt.Fprintln(w, "Sync cancelled.")
		return 0
	case syncerr.KindConfig:
		_, _ = fmt.Fprintf(w, "Configuration error: %v\n", err)
		_, _ = fmt.Fprintln(w, "Check the file passed with --config.")
		return 2
	case syncerr.KindAuthentication:
		_, _ = fmt.Fprintf(w, "Authentication failed: %v\n", err)
		_, _ = fmt.Fprintln(w, "Check auth.ssh_key_file, auth.token_file or auth.password_file.")
		return 3
	case syncerr.KindConflict, syncerr.KindValidation:
		_, _ = fmt.Fprintf(w, "Sync aborted: %v\n", err)
		return 4
	default:
		_, _ = fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "slicesync",
	Short: "Synchronize directories from an upstream Git repository",
	Long: `slicesync pulls selected directories from an upstream Git repository into a
local repository, resolves conflicts with local edits and commits the result.

It can run as a oneshot sync, as a gray release that validates a canary subset
before promoting, or as a long-running webhook daemon that syncs on push events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger := setupLogger()
		_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from upstream into the local repository",
	Long: `Sync fetches the configured upstream branch, stages every mapped directory,
previews the changes, resolves conflicts with local edits and commits the result
on the target branch.

With --dry-run the run stops after the preview.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync, then listens for GitHub and GitLab push events
and runs a sync for every allowed branch push. Prometheus metrics are exposed on
serve.metrics_path.

When started through systemd socket activation the passed socket is used
instead of serve.listen_addr.`,
	RunE: runServe,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Sync through a gray release",
}

var releaseCanaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Sync, validate a canary subset, then promote",
	Long: `Canary syncs upstream into a scratch tree, applies a subset of the changes
selected by release.strategy, runs release.validation_script and promotes the
remaining changes only when validation passes. Failed releases are rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelease(release.ModeCanary)
	},
}

var releaseFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Sync with a snapshot that is restored on failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelease(release.ModeFull)
	},
}

var releaseRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the targets from the last release snapshot",
	RunE:  runRollback,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(stdout, "slicesync %s\n", version)
		_, _ = fmt.Fprintf(stdout, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(stdout, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync and release flags
	for _, c := range []*cobra.Command{syncCmd, releaseCanaryCmd, releaseFullCmd} {
		c.Flags().BoolVar(&force, "force", false, "copy every upstream file instead of only changed ones")
		c.Flags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; conflicts use the default strategy")
	}
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	releaseCmd.AddCommand(releaseCanaryCmd, releaseFullCmd, releaseRollbackCmd)
	rootCmd.AddCommand(syncCmd, serveCmd, releaseCmd, versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = deps.Close()
	}()

	engine := sync.New(cfg, deps, logger, syncOptions(cfg))
	s, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	if dryRun && s.Plan != nil {
		_, _ = fmt.Fprintf(stdout, "%d path(s) would change\n", s.Plan.Total())
	}
	return nil
}

func runRelease(mode release.Mode) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = deps.Close()
	}()

	m := metrics.New()
	mgr, err := release.NewManager(cfg.Release, cfg.Repo.Path, deps.FS, deps.Hasher, logger, release.Options{
		Mode:    mode,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	opts := syncOptions(cfg)
	opts.Metrics = m
	opts.Rollout = mgr
	_, err = sync.New(cfg, deps, logger, opts).Run(ctx)

	if plan := mgr.Plan(); plan != nil {
		snap := plan.Snapshot(time.Now())
		_, _ = fmt.Fprintf(stdout, "release %s: %s (%d%%, %d selected, %d error(s), %s)\n",
			snap.ID, snap.Stage, snap.Progress, snap.Selected, snap.Errors, snap.Elapsed.Round(time.Millisecond))
		if out := plan.ValidationOutput(); out != "" && err != nil {
			_, _ = fmt.Fprintf(stdout, "validation output:\n%s\n", out)
		}
	}
	return err
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = deps.Close()
	}()

	mgr, err := release.NewManager(cfg.Release, cfg.Repo.Path, deps.FS, deps.Hasher, logger, release.Options{})
	if err != nil {
		return err
	}
	if err := mgr.Rollback(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "Targets restored from the last release snapshot.")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return syncerr.Wrap(err, syncerr.KindConfig, "invalid serve configuration")
	}

	deps, err := sync.NewDeps(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = deps.Close()
	}()

	m := metrics.New()
	server, err := webhook.NewServer(cfg, newSyncRunner(cfg, deps, m, logger), m, logger)
	if err != nil {
		return err
	}

	ln, err := activation.Listener()
	if err != nil {
		return err
	}
	if ln != nil {
		logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}
	return server.Start(ctx, ln)
}

// newSyncRunner runs a non-interactive sync of the pushed branch.
func newSyncRunner(cfg *config.Config, deps *sync.Deps, m *metrics.Metrics, logger *slog.Logger) webhook.Runner {
	return webhook.RunnerFunc(func(ctx context.Context, branch string) error {
		branchCfg := *cfg
		branchCfg.Upstream.Branch = branch
		engine := sync.New(&branchCfg, deps, logger.With("branch", branch), sync.Options{
			NonInteractive: true,
			Metrics:        m,
		})
		_, err := engine.Run(ctx)
		return err
	})
}

func interactive(cfg *config.Config) bool {
	return !nonInteractive && !cfg.Sync.NonInteractive
}

func buildDeps(cfg *config.Config, logger *slog.Logger) (*sync.Deps, error) {
	var prompter conflict.Prompter
	if interactive(cfg) {
		prompter = conflict.NewTerminalPrompter(stdin, stdout)
	}
	return sync.NewDeps(cfg, prompter, logger)
}

func syncOptions(cfg *config.Config) sync.Options {
	opts := sync.Options{
		PreviewOnly:    dryRun,
		Force:          force,
		NonInteractive: !interactive(cfg),
	}
	if interactive(cfg) {
		opts.Confirmer = sync.NewTerminalConfirmer(stdin, stdout)
	}
	return opts
}

func setupLogger() *slog.Logger {
	// Parse log level
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

	// Logs go to stderr so prompts and summaries stay readable on stdout
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(stderr, opts)
	} else {
		handler = slog.NewTextHandler(stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"upstream", cfg.Upstream.URL,
		"branch", cfg.Upstream.Branch,
		"repo", cfg.Repo.Path,
		"target_branch", cfg.Repo.TargetBranch,
		"mappings", len(cfg.Mappings),
		"auth", cfg.AuthMethod(),
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
