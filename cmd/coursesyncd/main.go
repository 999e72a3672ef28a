package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/coursesyncd/internal/activation"
	"github.com/schaermu/coursesyncd/internal/config"
	"github.com/schaermu/coursesyncd/internal/course"
	"github.com/schaermu/coursesyncd/internal/git"
	"github.com/schaermu/coursesyncd/internal/metrics"
	"github.com/schaermu/coursesyncd/internal/process"
	"github.com/schaermu/coursesyncd/internal/repolock"
	"github.com/schaermu/coursesyncd/internal/scheduler"
	"github.com/schaermu/coursesyncd/internal/setup"
	"github.com/schaermu/coursesyncd/internal/submit"
	"github.com/schaermu/coursesyncd/internal/sync"
	"github.com/schaermu/coursesyncd/internal/systemduser"
	"github.com/schaermu/coursesyncd/internal/webhook"
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

	// Submit flags
	submitSummary     string
	submitDescription string

	// Install flags
	unitDir  string
	noEnable bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coursesyncd",
	Short: "Keep class repositories in sync with the master repository",
	Long: `coursesyncd keeps a student or instructor working copy of a class repository
synchronized with the class master repository.

Upstream changes are merged on a disposable staging branch. Local commits,
uncommitted edits and untracked files are preserved; conflicts are resolved
by each assignment's overwrite policy, and every losing version is kept as a
backup file next to the original.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single sync pass",
	Long: `Sync fetches the tracking branch and merges it into the local main branch
once, then exits. It waits for any other coursesyncd process working on the
same repository to finish first.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sync passes continuously and serve the HTTP endpoints",
	Long: `Serve runs a sync pass at start and then every sync.interval. It also serves
an upstream push webhook (when serve.webhook_secret_file is set) that triggers
an early pass, GET /status with the current sync position and GET /metrics.

A socket passed in by systemd socket activation takes precedence over
serve.listen_addr.`,
	RunE: runServe,
}

var submitCmd = &cobra.Command{
	Use:   "submit <assignment-dir>",
	Short: "Commit an assignment directory and push it",
	Long: `Submit stages everything under the assignment directory except protected
files, commits it and pushes the main branch to the origin remote. If the
push fails the local commit is undone and the changes are left unstaged.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current sync position as JSON",
	RunE:  runStatus,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create or repair the working copy",
	Long: `Setup initializes the repository if needed, configures the remotes, the commit
identity and the SSH command, fetches, and checks out the main branch.`,
	RunE: runSetup,
}

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install coursesyncd as a systemd user service",
	Long: `Install-service writes coursesyncd.service and coursesyncd.socket into the
systemd user unit directory, reloads systemd and starts the socket. The
service runs "coursesyncd serve" with the current config file and receives
serve.listen_addr through socket activation.`,
	RunE: runInstallService,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "coursesyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/coursesyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Submit command flags
	submitCmd.Flags().StringVarP(&submitSummary, "message", "m", "", "commit summary (required)")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "commit description")
	_ = submitCmd.MarkFlagRequired("message")

	// Install command flags
	installServiceCmd.Flags().StringVar(&unitDir, "unit-dir", "", "unit directory (default is $HOME/.config/systemd/user)")
	installServiceCmd.Flags().BoolVar(&noEnable, "no-enable", false, "only write the unit files")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(installServiceCmd)
	rootCmd.AddCommand(versionCmd)
}

// deps holds the components shared by the subcommands.
type deps struct {
	cfg      *config.Config
	repo     *git.ShellRepo
	provider course.Provider
	locker   *repolock.Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func newDeps(logger *slog.Logger) (*deps, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	auth := git.Auth{
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		SSHCommand:     cfg.Auth.SSHCommand,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
	}
	return &deps{
		cfg:      cfg,
		repo:     git.NewShellRepo(cfg.Repo.Root, process.NewExecutor(), auth),
		provider: newProvider(cfg),
		locker:   repolock.New(cfg.Repo.Root),
		metrics:  metrics.New(),
		logger:   logger,
	}, nil
}

func (d *deps) engine() *sync.Engine {
	return sync.NewEngine(d.cfg, d.repo, d.provider, d.locker, d.metrics, d.logger)
}

func newProvider(cfg *config.Config) course.Provider {
	if cfg.Course.Provider == config.ProviderHTTP {
		return course.NewHTTPProvider(cfg.Course.APIURL, cfg.Course.TokenFile, version, cfg.Course.Timeout)
	}
	return course.NewFileProvider(cfg.Course.File)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	d, err := newDeps(logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync pass", "repo", d.cfg.Repo.Root, "tracking", d.cfg.TrackingBranch())
	res, err := d.engine().Run(ctx)
	if err != nil {
		logger.Error("sync failed", "outcome", string(res.Outcome), "error", err)
		return err
	}
	for _, b := range res.Backups {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "backup: %s\n", b)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	d, err := newDeps(logger)
	if err != nil {
		return err
	}
	if err := d.cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	sched := scheduler.New(d.engine(), d.cfg.Sync.Interval, d.cfg.Serve.Debounce, logger)
	server, err := webhook.NewServer(d.cfg, sched, sched, git.NewInspector(d.cfg.Repo.Root), d.metrics, logger)
	if err != nil {
		return err
	}
	ln, err := activation.Listen(d.cfg.Serve.ListenAddr, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	return g.Wait()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	d, err := newDeps(logger)
	if err != nil {
		return err
	}

	s := submit.NewSubmitter(d.cfg, d.repo, d.provider, d.locker, d.metrics, logger)
	id, err := s.Submit(ctx, submit.Request{
		AssignmentDir: args[0],
		Summary:       submitSummary,
		Description:   submitDescription,
	})
	if err != nil {
		var rejected *git.PushRejectedError
		if errors.As(err, &rejected) && len(rejected.Lines) > 0 {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "submission rejected:\n  %s\n", strings.Join(rejected.Lines, "\n  "))
		}
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pos, err := git.NewInspector(cfg.Repo.Root).Position(cfg.MainRef(), cfg.TrackingRef())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pos)
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	d, err := newDeps(logger)
	if err != nil {
		return err
	}

	head, err := setup.New(d.cfg, d.repo, d.provider, logger).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("repository ready", "root", d.cfg.Repo.Root, "head", head)
	return nil
}

func runInstallService(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	if configPath, err = filepath.Abs(configPath); err != nil {
		return err
	}

	dir := unitDir
	if dir == "" {
		if dir, err = systemduser.DefaultUnitDir(); err != nil {
			return fmt.Errorf("failed to locate unit directory: %w", err)
		}
	}

	inst := systemduser.NewInstaller(systemduser.NewClient(process.NewExecutor()), dir, logger)
	changed, err := inst.Install(ctx, systemduser.UnitOptions{
		Binary:     binary,
		ConfigPath: configPath,
		ListenAddr: cfg.Serve.ListenAddr,
		LogFormat:  logFormat,
	}, !noEnable)
	for _, name := range changed {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Join(dir, name))
	}
	return err
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

	// Logs go to stderr; stdout carries command output.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Repo.Root,
		"role", string(cfg.Repo.Role),
		"tracking", cfg.TrackingBranch(),
		"provider", string(cfg.Course.Provider),
		"auth", cfg.AuthMethod())

	return cfg, nil
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
