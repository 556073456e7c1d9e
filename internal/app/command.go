// Package app wires configuration, workspace, build, generator, version
// control and persistence into one controller run.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"covloop/internal/agent"
	"covloop/internal/config"
	"covloop/internal/core"
	"covloop/internal/engine"
	"covloop/internal/eventlog"
	"covloop/internal/git"
	"covloop/internal/metrics"
	"covloop/internal/plugins/coverage"
	"covloop/internal/plugins/maven"
	"covloop/internal/repo"
	"covloop/internal/report"
	"covloop/internal/runner"
	"covloop/internal/store"
)

type Command struct {
	RepoPath string
	// ModulePath is the Maven module, absolute or relative to RepoPath.
	ModulePath string
	Config     config.Config
	Logger     *slog.Logger
	// Runner defaults to a GenericRunner.
	Runner runner.Runner
}

type Result struct {
	RunID       string
	Outcome     core.Outcome
	Report      string
	ArtifactDir string
	// Summary is the run as persisted in the store.
	Summary core.RunSummary
}

// ExitCode is 0 for every non-fatal halt.
func (r Result) ExitCode() int {
	if r.Outcome.Fatal() {
		return 1
	}
	return 0
}

// Run executes one coverage loop. Setup failures return an error with an
// empty Result; once the loop starts, the Result always carries the outcome
// and the error is the loop's fatal error, if any.
func (c Command) Run(ctx context.Context) (Result, error) {
	cfg := c.Config
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	execRunner := c.Runner
	if execRunner == nil {
		execRunner = runner.NewGenericRunner()
	}

	repoPath, err := filepath.Abs(c.RepoPath)
	if err != nil {
		return Result{}, fmt.Errorf("resolve repo path: %w", err)
	}
	moduleRel, err := moduleRelative(repoPath, c.ModulePath)
	if err != nil {
		return Result{}, err
	}

	runID := core.NewRunID()

	artifactDir := cfg.ArtifactDir
	if artifactDir == "" {
		artifactDir = config.Default().ArtifactDir
	}
	artifactBase := resolve(repoPath, artifactDir)
	if err := ensureArtifactDir(artifactBase); err != nil {
		return Result{}, err
	}
	artifactRoot := filepath.Join(artifactBase, "runs", runID)
	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		return Result{}, fmt.Errorf("create artifact root: %w", err)
	}

	events, err := eventlog.New(filepath.Join(artifactRoot, "events.jsonl"))
	if err != nil {
		return Result{}, err
	}
	defer events.Close()

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(artifactBase, "covloop.db")
	}
	dbPath = resolve(repoPath, dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("create database dir: %w", err)
	}
	storeDB, err := store.NewSQLite(dbPath)
	if err != nil {
		return Result{}, err
	}
	defer storeDB.Close()
	if err := storeDB.Init(ctx); err != nil {
		return Result{}, err
	}

	gateway := git.NewGateway(repoPath, execRunner)
	strategy := git.NewStrategy(cfg.GitStrategy, resolve(repoPath, cfg.WorktreeRoot), gateway)
	ws, err := strategy.PrepareWorkspace(ctx, repoPath, runID)
	if err != nil {
		return Result{}, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := strategy.FinalizeWorkspace(context.WithoutCancel(ctx), ws); err != nil {
			logger.Warn("finalize workspace failed", "path", ws.Path, "error", err)
		}
	}()

	adapter := repo.NewAdapter(cfg.ReportPath, cfg.GeneratedDir)
	moduleDir := filepath.Join(ws.Path, moduleRel)
	profile, err := adapter.Detect(moduleDir)
	if err != nil {
		return Result{}, err
	}

	generator, err := NewGenerator(cfg.Generator, execRunner, logger)
	if err != nil {
		return Result{}, err
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("marshal config: %w", err)
	}
	if err := storeDB.CreateRun(ctx, core.RunRecord{
		RunID:      runID,
		RepoPath:   repoPath,
		ModulePath: moduleRel,
		StartedAt:  time.Now(),
		Status:     core.RunStatusRunning,
		Config:     string(configJSON),
	}); err != nil {
		return Result{}, err
	}

	builder := maven.New(execRunner, adapter)
	if len(cfg.Build.Goals) > 0 {
		builder.Goals = cfg.Build.Goals
	}
	builder.ExtraArgs = cfg.Build.ExtraArgs
	builder.Timeout = cfg.Build.Timeout
	builder.ArtifactDir = artifactRoot
	builder.Logger = logger.With("run_id", runID)

	policy := Policy(cfg.Loop)
	if policy.Branch == "" {
		policy.Branch = ws.Branch
	}

	loopMetrics := metrics.New()
	controller := engine.Controller{
		Profile:   profile,
		Builder:   builder,
		Reader:    engine.ReaderFunc(coverage.Read),
		Generator: generator,
		VCS:       git.NewGateway(ws.Path, execRunner),
		Policy:    policy,
		Events:    eventlog.Multi{events, eventlog.Slog{Logger: logger}},
		History:   storeDB,
		Observer:  loopMetrics,
		Logger:    logger,
	}

	logger.Info("coverage loop started", "run_id", runID, "module", profile.ModuleDir, "generator", generator.Name(), "strategy", cfg.GitStrategy)
	outcome, runErr := controller.Run(ctx, runID)

	// the run is over; bookkeeping must survive an interrupt
	finishCtx := context.WithoutCancel(ctx)
	if err := storeDB.FinishRun(finishCtx, outcome); err != nil {
		logger.Error("record run outcome failed", "run_id", runID, "error", err)
	}
	stored, err := storeDB.GetRunSummary(finishCtx, runID)
	if err != nil {
		logger.Warn("read run summary failed", "run_id", runID, "error", err)
	}

	summaryPath := filepath.Join(artifactRoot, "summary.json")
	if err := writeJSON(summaryPath, outcome); err != nil {
		logger.Error("write summary failed", "error", err)
	}
	metricsPath := filepath.Join(artifactRoot, "metrics.prom")
	if err := loopMetrics.WriteTextfile(metricsPath); err != nil {
		logger.Error("write metrics failed", "error", err)
	}
	for kind, path := range map[string]string{
		"events":  filepath.Join(artifactRoot, "events.jsonl"),
		"summary": summaryPath,
		"metrics": metricsPath,
	} {
		if err := storeDB.AddArtifact(finishCtx, newArtifact(runID, kind, path)); err != nil {
			logger.Warn("record artifact failed", "kind", kind, "error", err)
		}
	}

	return Result{
		RunID:       runID,
		Outcome:     outcome,
		Report:      report.Render(outcome),
		ArtifactDir: artifactRoot,
		Summary:     stored,
	}, runErr
}

// Policy maps the loop section of the configuration onto the controller policy.
func Policy(loop config.LoopConfig) engine.Policy {
	return engine.Policy{
		MaxIterations:           loop.MaxIterations,
		PlateauThreshold:        loop.PlateauThreshold,
		PlateauWindow:           loop.PlateauWindow,
		DiscardOnCompileFailure: loop.DiscardOnCompileFailure,
		Commit:                  loop.Commit,
		Push:                    loop.Push,
		Remote:                  loop.Remote,
		Branch:                  loop.Branch,
		MaxSourceContext:        loop.MaxSourceContext,
	}
}

// NewGenerator builds the configured test generator.
func NewGenerator(cfg config.GeneratorConfig, r runner.Runner, logger *slog.Logger) (agent.Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "", config.GeneratorTemplate:
		return agent.NewTemplate(), nil
	case config.GeneratorCommand:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("%w: no generator command configured", agent.ErrGeneratorUnavailable)
		}
		return agent.NewCommandAdapter(filepath.Base(cfg.Command[0]), cfg.Command, r, cfg.Timeout), nil
	case config.GeneratorOpenAI:
		gen, err := agent.NewOpenAIAdapter(agent.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("openai generator configured", "model", cfg.Model, "base_url", cfg.BaseURL)
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown generator kind %q", cfg.Kind)
	}
}

func moduleRelative(repoPath string, modulePath string) (string, error) {
	if modulePath == "" {
		return ".", nil
	}
	abs := resolve(repoPath, modulePath)
	rel, err := filepath.Rel(repoPath, abs)
	if err != nil {
		return "", fmt.Errorf("module %s: %w", modulePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("module %s is outside repository %s", modulePath, repoPath)
	}
	return rel, nil
}

// ensureArtifactDir creates the artifact directory and keeps it out of the
// commits the loop makes with `git add --all`.
func ensureArtifactDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	}
	return os.WriteFile(ignore, []byte("*\n"), 0o644)
}

func resolve(base string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func writeJSON(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func newArtifact(runID string, kind string, path string) core.ArtifactRecord {
	info, _ := os.Stat(path)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	return core.ArtifactRecord{
		RunID:     runID,
		Kind:      kind,
		Path:      path,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
}
