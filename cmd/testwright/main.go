// Package main implements the testwright CLI, which runs the automated
// test generation pipeline against a configured repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testwright/internal/agent"
	"github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/engine"
	"github.com/fyrsmithlabs/testwright/internal/logging"
	"github.com/fyrsmithlabs/testwright/internal/sandbox"
	"github.com/fyrsmithlabs/testwright/internal/secrets"
	"github.com/fyrsmithlabs/testwright/internal/telemetry"
	"github.com/fyrsmithlabs/testwright/internal/tools"
	"github.com/fyrsmithlabs/testwright/internal/vcs"
)

var version = "dev"

var (
	flagConfig    string
	flagBranch    string
	flagWorkspace string
	flagLabels    []string
	flagRevisions int
	flagDryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "testwright",
	Short:   "Automated pytest generation pipeline",
	Long:    "testwright clones a repository, verifies its pytest coverage, and when coverage is inadequate generates tests through a bounded plan/implement/review loop, publishing the result as a pull request.",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline against the configured repository",
	Long: `Run the full pipeline: clone the target repository, verify its test
suite, and when coverage is inadequate, iterate plan/implement/review
until the reviewer approves or the revision ceiling is reached.

Examples:
  # Run with the default config file
  testwright run --config testwright.yaml

  # Target a different branch without pushing anything
  testwright run --branch develop --dry-run`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&flagConfig, "config", "testwright.yaml", "path to the configuration file")
	runCmd.Flags().StringVar(&flagBranch, "branch", "", "target branch (overrides config)")
	runCmd.Flags().StringVar(&flagWorkspace, "workspace", "", "workspace directory for the clone (overrides config)")
	runCmd.Flags().StringSliceVar(&flagLabels, "labels", nil, "labels for the change proposal (overrides config)")
	runCmd.Flags().IntVar(&flagRevisions, "revisions", -1, "revision ceiling (overrides config)")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "create the branch locally but push nothing and open no proposal")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	e, err := buildEngine(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}

	report, runErr := e.Run(ctx)
	fmt.Fprint(cmd.OutOrStdout(), report.String())

	if runErr != nil || !report.Outcome.Succeeded() {
		cmd.SilenceErrors = true
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("run ended with outcome %s", report.Outcome)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagBranch != "" {
		cfg.Repo.TargetBranch = flagBranch
	}
	if flagWorkspace != "" {
		cfg.Pipeline.WorkspaceRoot = flagWorkspace
	}
	if flagLabels != nil {
		cfg.Pipeline.ProposalLabels = flagLabels
	}
	if flagRevisions >= 0 {
		cfg.Pipeline.RevisionCeiling = flagRevisions
	}

	// Flag overrides must honor the same invariants as file and
	// environment values.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	return logging.NewLogger(logCfg)
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*engine.Engine, error) {
	if err := os.MkdirAll(cfg.Pipeline.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	sb, err := sandbox.New(cfg.Pipeline.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	var surfaceOpts []tools.Option
	if cfg.Pipeline.StandardsPath != "" {
		surfaceOpts = append(surfaceOpts, tools.WithStandardsPath(cfg.Pipeline.StandardsPath))
	}
	registry := tools.NewRegistry(tools.NewSurface(sb, logger, surfaceOpts...), logger)

	model, err := agent.NewModel(cfg.LLM)
	if err != nil {
		return nil, err
	}
	invoker, err := agent.NewLLMInvoker(model, registry, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	var collabOpts []vcs.GitHubOption
	if flagDryRun {
		collabOpts = append(collabOpts, vcs.WithDryRun())
	}
	collab, err := vcs.NewGitHub(ctx, cfg.GitHub.Token, logger, collabOpts...)
	if err != nil {
		return nil, err
	}

	return engine.New(cfg, invoker, collab, secrets.MustNew(), logger, tel), nil
}
