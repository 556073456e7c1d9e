// Package maven runs the Maven test goal for a module and classifies the result.
package maven

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"covloop/internal/core"
	"covloop/internal/repo"
	"covloop/internal/runner"
)

var ErrBuildTimedOut = errors.New("build timed out")

const DefaultTimeout = 5 * time.Minute

var DefaultGoals = []string{"clean", "test"}

// Maven prints these when javac rejects the sources.
var compileMarkers = []string{
	"COMPILATION ERROR",
	"Compilation failure",
}

var testFailureMarkers = []string{
	"There are test failures",
	"There were test failures",
	"Tests in error",
	"Failed tests:",
}

type BuildResult struct {
	ExitCode   int               `json:"exit_code"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	Duration   time.Duration     `json:"duration"`
	Outcome    core.BuildOutcome `json:"outcome"`
	ReportPath string            `json:"report_path"`
}

type Builder struct {
	Runner      runner.Runner
	Adapter     *repo.Adapter
	Goals       []string
	ExtraArgs   []string
	Timeout     time.Duration
	ArtifactDir string
	Logger      *slog.Logger

	builds int
}

func New(r runner.Runner, adapter *repo.Adapter) *Builder {
	return &Builder{
		Runner:  r,
		Adapter: adapter,
		Goals:   DefaultGoals,
		Timeout: DefaultTimeout,
		Logger:  slog.Default(),
	}
}

// Build runs Maven in moduleDir. A non-zero exit is returned as data; only
// a timeout or a failure to launch Maven is an error.
func (b *Builder) Build(ctx context.Context, moduleDir string) (BuildResult, error) {
	profile, err := b.Adapter.Detect(moduleDir)
	if err != nil {
		return BuildResult{}, err
	}

	if err := removeStaleReport(profile.ReportPath); err != nil {
		return BuildResult{}, err
	}

	goals := b.Goals
	if len(goals) == 0 {
		goals = DefaultGoals
	}
	args := append([]string{"-B"}, b.ExtraArgs...)
	args = append(args, goals...)

	cmd := runner.Command{
		Args:         b.Adapter.ResolveMaven(profile).Command(args...),
		Cwd:          profile.ModuleDir,
		Timeout:      b.Timeout,
		AllowNonZero: true,
	}
	b.builds++
	if b.ArtifactDir != "" {
		dir := filepath.Join(b.ArtifactDir, "maven", fmt.Sprintf("build-%03d", b.builds))
		cmd.StdoutPath = filepath.Join(dir, "stdout.log")
		cmd.StderrPath = filepath.Join(dir, "stderr.log")
		cmd.CombinedPath = filepath.Join(dir, "build.log")
	}

	b.Logger.Info("maven build started", "module", profile.ModuleDir, "args", strings.Join(cmd.Args, " "))
	res, err := b.Runner.Run(ctx, cmd)
	if errors.Is(err, runner.ErrTimedOut) {
		return BuildResult{}, fmt.Errorf("%w: %v", ErrBuildTimedOut, err)
	}
	if err != nil {
		return BuildResult{}, fmt.Errorf("run maven: %w", err)
	}

	result := BuildResult{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Duration:   res.Duration,
		Outcome:    Classify(res.ExitCode, res.Stdout, res.Stderr),
		ReportPath: profile.ReportPath,
	}
	b.Logger.Info("maven build finished",
		"module", profile.ModuleDir,
		"exit_code", result.ExitCode,
		"outcome", result.Outcome,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// Classify separates compilation failures (typically bad generated tests)
// from ordinary test failures.
func Classify(exitCode int, stdout string, stderr string) core.BuildOutcome {
	if exitCode == 0 {
		return core.BuildPassed
	}
	output := stdout + "\n" + stderr
	for _, marker := range compileMarkers {
		if strings.Contains(output, marker) {
			return core.BuildCompileFailed
		}
	}
	for _, marker := range testFailureMarkers {
		if strings.Contains(output, marker) {
			return core.BuildTestsFailed
		}
	}
	return core.BuildErrored
}

func removeStaleReport(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove stale coverage report: %w", err)
}
