package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"covloop/internal/app"
	"covloop/internal/config"
	"covloop/internal/mcp"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// .env is optional
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("covloop failed", "error", err)
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	repoPath   string
	logLevel   string
}

type runOptions struct {
	maxIterations    int
	plateauThreshold float64
	push             bool
	generator        string
	strategy         string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "covloop",
		Short:         "Raise JaCoCo line coverage of a Maven module by generating tests in a loop",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.repoPath, "repo", ".", "Git repository root")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newRunCmd(opts), newServeCmd(opts))
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [module]",
		Short: "Run the coverage loop on a Maven module (default: the repository root)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("max-iterations") {
				cfg.Loop.MaxIterations = ro.maxIterations
			}
			if flags.Changed("plateau-threshold") {
				cfg.Loop.PlateauThreshold = ro.plateauThreshold
			}
			if flags.Changed("push") {
				cfg.Loop.Push = ro.push
			}
			if flags.Changed("generator") {
				cfg.Generator.Kind = ro.generator
			}
			if flags.Changed("strategy") {
				cfg.GitStrategy = ro.strategy
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			module := ""
			if len(args) == 1 {
				module = args[0]
			}
			result, err := app.Command{
				RepoPath:   opts.repoPath,
				ModulePath: module,
				Config:     cfg,
				Logger:     logger,
			}.Run(cmd.Context())
			if result.RunID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Report)
				fmt.Fprintf(cmd.OutOrStdout(), "artifacts: %s\n", result.ArtifactDir)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&ro.maxIterations, "max-iterations", 0, "Iteration cap (0 = no cap)")
	cmd.Flags().Float64Var(&ro.plateauThreshold, "plateau-threshold", 0, "Minimum gain in percentage points that counts as progress")
	cmd.Flags().BoolVar(&ro.push, "push", false, "Push after each commit")
	cmd.Flags().StringVar(&ro.generator, "generator", "", "Test generator: template, command or openai")
	cmd.Flags().StringVar(&ro.strategy, "strategy", "", "Workspace strategy: inplace or worktree")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the covloop tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			logger.Info("mcp server starting", "version", version, "repo", opts.repoPath)
			return mcp.New(opts.repoPath, module, cfg, nil, logger, version).ServeStdio()
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "Default Maven module for tools that take one")
	return cmd
}

// load reads the configuration and builds the stderr logger; stdout is
// kept for the report and the MCP protocol.
func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
