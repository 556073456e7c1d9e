// Package engine drives the build, measure, generate and commit loop for one
// Maven module until coverage is complete, stops improving, or something
// structural breaks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"covloop/internal/agent"
	"covloop/internal/core"
	"covloop/internal/git"
	"covloop/internal/plugins/coverage"
	"covloop/internal/plugins/maven"
	"covloop/internal/repo"
)

var ErrBuildFailedAfterGeneration = errors.New("build failed after generation")

type Builder interface {
	Build(ctx context.Context, moduleDir string) (maven.BuildResult, error)
}

type Reader interface {
	Read(path string) (coverage.Measurement, error)
}

type ReaderFunc func(path string) (coverage.Measurement, error)

func (f ReaderFunc) Read(path string) (coverage.Measurement, error) {
	return f(path)
}

type VCS interface {
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, remote string, branch string, dryRun bool) error
}

// Observer receives loop milestones; metrics implement it.
type Observer interface {
	BuildFinished(outcome core.BuildOutcome, duration time.Duration)
	IterationRecorded(rec core.IterationRecord)
	Halted(outcome core.Outcome)
}

type Controller struct {
	Profile   repo.Profile
	Builder   Builder
	Reader    Reader
	Generator agent.Generator
	VCS       VCS
	Policy    Policy

	Events   core.EventLogger
	History  core.HistorySink
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run executes one controller run. The returned Outcome always carries the
// full history; the error is non-nil exactly when the run halted fatally.
func (c *Controller) Run(ctx context.Context, runID string) (core.Outcome, error) {
	if runID == "" {
		runID = core.NewRunID()
	}
	state := core.NewRunState(runID)
	outcome := core.Outcome{RunID: runID, StartedAt: c.now()}
	c.emit(core.Event{RunID: runID, Level: "info", EventType: "run_started", Payload: map[string]any{
		"module": c.Profile.ModuleDir,
		"policy": c.Policy,
	}})

	halt := func(reason core.HaltReason, kind core.FatalKind, err error) (core.Outcome, error) {
		state.Phase = core.PhaseHalted
		outcome.Reason = reason
		outcome.Kind = kind
		outcome.History = state.Snapshot()
		outcome.FinishedAt = c.now()
		if reason == core.HaltFatal {
			if err == nil {
				err = errors.New(string(kind))
			}
			outcome.Err = err
		}
		c.logger().Info("run halted", "run_id", runID, "reason", reason, "fatal_kind", kind, "iterations", len(outcome.History))
		payload := map[string]any{"reason": reason, "iterations": len(outcome.History)}
		if outcome.Err != nil {
			payload["fatal_kind"] = kind
			payload["error"] = outcome.Err.Error()
		}
		c.emit(core.Event{RunID: runID, Level: haltLevel(reason), EventType: "run_halted", Phase: core.PhaseHalted, Payload: payload})
		if c.Observer != nil {
			c.Observer.Halted(outcome)
		}
		return outcome, outcome.Err
	}

	for {
		state.Phase = core.PhaseIdle
		if err := ctx.Err(); err != nil {
			return halt(core.HaltFatal, core.FatalInterrupted, err)
		}
		if c.Policy.MaxIterations > 0 && state.Iteration >= c.Policy.MaxIterations {
			return halt(core.HaltIterationLimit, core.FatalNone, nil)
		}
		state.Iteration++
		c.emit(core.Event{RunID: runID, Level: "info", EventType: "iteration_started", Iteration: state.Iteration, Phase: core.PhaseBuilding})

		state.Phase = core.PhaseBuilding
		build, discarded, err := c.build(ctx, state)
		if err != nil {
			return halt(core.HaltFatal, c.classify(ctx, err), err)
		}

		state.Phase = core.PhaseMeasuring
		measurement, err := c.reader().Read(c.Profile.ReportPath)
		if err != nil {
			return halt(core.HaltFatal, c.classify(ctx, err), err)
		}
		c.emit(core.Event{RunID: runID, Level: "info", EventType: "coverage_measured", Iteration: state.Iteration, Phase: core.PhaseMeasuring, Payload: map[string]any{
			"coverage":  measurement.Snapshot,
			"uncovered": len(measurement.Uncovered),
			"partial":   len(measurement.Partial),
		}})

		state.Phase = core.PhaseDeciding
		rec := core.IterationRecord{
			Index:          state.Iteration,
			CoverageBefore: state.LastAfter(),
			CoverageAfter:  measurement.Snapshot,
			DiscardedFiles: discarded,
			BuildExitCode:  build.ExitCode,
			BuildOutcome:   build.Outcome,
			UncoveredCount: len(measurement.Uncovered),
			PartialCount:   len(measurement.Partial),
		}
		if len(discarded) > 0 {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("discarded %d generated files that did not compile", len(discarded)))
		}

		if len(measurement.Uncovered) == 0 {
			c.record(ctx, state, rec, nil)
			return halt(core.HaltTargetReached, core.FatalNone, nil)
		}
		if improvement, ok := rec.Improvement(); ok {
			if improvement < c.Policy.PlateauThreshold {
				state.PlateauCount++
			} else {
				state.PlateauCount = 0
			}
		}
		if state.PlateauCount >= c.Policy.window() {
			c.record(ctx, state, rec, measurement.Uncovered)
			return halt(core.HaltPlateauReached, core.FatalNone, nil)
		}

		state.Phase = core.PhaseGenerating
		written, warnings, err := c.generate(ctx, state, measurement.Uncovered)
		rec.Warnings = append(rec.Warnings, warnings...)
		rec.GeneratedFiles = written
		if err != nil {
			if ctx.Err() != nil {
				c.record(ctx, state, rec, measurement.Uncovered)
				return halt(core.HaltFatal, core.FatalInterrupted, ctx.Err())
			}
			rec.Warnings = append(rec.Warnings, err.Error())
			c.record(ctx, state, rec, measurement.Uncovered)
			return halt(core.HaltFatal, core.FatalGeneratorUnavailable, err)
		}
		if len(written) == 0 {
			rec.Warnings = append(rec.Warnings, "generator returned no usable candidates")
			c.record(ctx, state, rec, measurement.Uncovered)
			return halt(core.HaltPlateauReached, core.FatalNone, nil)
		}

		state.Phase = core.PhaseCommitting
		c.commit(ctx, &rec)
		c.record(ctx, state, rec, measurement.Uncovered)
	}
}

// build runs the builder and, when the previous iteration's files broke
// compilation, discards them and rebuilds once.
func (c *Controller) build(ctx context.Context, state *core.RunState) (maven.BuildResult, []string, error) {
	res, err := c.runBuild(ctx, state)
	if err != nil {
		return res, nil, err
	}
	if res.Outcome != core.BuildCompileFailed || len(state.PendingFiles) == 0 {
		state.PendingFiles = nil
		return res, nil, nil
	}
	if !c.Policy.DiscardOnCompileFailure {
		return res, nil, fmt.Errorf("%w: %d generated files do not compile", ErrBuildFailedAfterGeneration, len(state.PendingFiles))
	}

	discarded, err := c.discard(state)
	if err != nil {
		return res, discarded, err
	}
	c.logger().Warn("generated tests did not compile; discarded and rebuilding", "run_id", state.RunID, "iteration", state.Iteration, "files", len(discarded))
	c.emit(core.Event{RunID: state.RunID, Level: "warn", EventType: "candidates_discarded", Iteration: state.Iteration, Phase: core.PhaseBuilding, Payload: discarded})

	res, err = c.runBuild(ctx, state)
	if err != nil {
		return res, discarded, err
	}
	if res.Outcome == core.BuildCompileFailed {
		return res, discarded, fmt.Errorf("%w: module still does not compile after discarding %d files", ErrBuildFailedAfterGeneration, len(discarded))
	}
	return res, discarded, nil
}

func (c *Controller) runBuild(ctx context.Context, state *core.RunState) (maven.BuildResult, error) {
	res, err := c.Builder.Build(ctx, c.Profile.ModuleDir)
	if err != nil {
		return res, err
	}
	if c.Observer != nil {
		c.Observer.BuildFinished(res.Outcome, res.Duration)
	}
	c.emit(core.Event{RunID: state.RunID, Level: "info", EventType: "build_finished", Iteration: state.Iteration, Phase: core.PhaseBuilding, Payload: map[string]any{
		"exit_code":   res.ExitCode,
		"outcome":     res.Outcome,
		"duration_ms": res.Duration.Milliseconds(),
	}})
	return res, nil
}

func (c *Controller) discard(state *core.RunState) ([]string, error) {
	var discarded []string
	for _, path := range state.PendingFiles {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return discarded, fmt.Errorf("discard %s: %w", path, err)
		}
		discarded = append(discarded, c.relative(path))
	}
	state.PendingFiles = nil
	return discarded, nil
}

func (c *Controller) commit(ctx context.Context, rec *core.IterationRecord) {
	if !c.Policy.Commit || c.VCS == nil {
		return
	}
	if err := c.VCS.StageAll(ctx); err != nil {
		rec.Warnings = append(rec.Warnings, "stage: "+err.Error())
		return
	}
	hash, err := c.VCS.Commit(ctx, commitMessage(*rec))
	switch {
	case errors.Is(err, git.ErrNothingToCommit):
		rec.Warnings = append(rec.Warnings, "nothing to commit")
		return
	case err != nil:
		rec.Warnings = append(rec.Warnings, "commit: "+err.Error())
		return
	}
	rec.Committed = true
	rec.CommitHash = hash

	if !c.Policy.Push {
		return
	}
	if err := c.VCS.Push(ctx, c.Policy.Remote, c.Policy.Branch, false); err != nil {
		rec.Warnings = append(rec.Warnings, "push: "+err.Error())
		return
	}
	rec.Pushed = true
}

func commitMessage(rec core.IterationRecord) string {
	return fmt.Sprintf("covloop: iteration %d, coverage %s, %d generated tests",
		rec.Index, rec.CoverageAfter.String(), len(rec.GeneratedFiles))
}

func (c *Controller) record(ctx context.Context, state *core.RunState, rec core.IterationRecord, uncovered []core.UncoveredMethod) {
	state.Append(rec)
	if c.History != nil {
		if err := c.History.RecordIteration(ctx, state.RunID, rec, uncovered); err != nil {
			c.logger().Warn("persist iteration failed", "run_id", state.RunID, "iteration", rec.Index, "error", err)
		}
	}
	if c.Observer != nil {
		c.Observer.IterationRecorded(rec)
	}
	c.emit(core.Event{RunID: state.RunID, Level: "info", EventType: "iteration_recorded", Iteration: rec.Index, Phase: state.Phase, Payload: rec})
}

// classify maps a halting error onto its fatal kind.
func (c *Controller) classify(ctx context.Context, err error) core.FatalKind {
	switch {
	case errors.Is(err, maven.ErrBuildTimedOut):
		return core.FatalBuildTimedOut
	case errors.Is(err, coverage.ErrReportMissing):
		return core.FatalReportMissing
	case errors.Is(err, coverage.ErrReportMalformed):
		return core.FatalReportMalformed
	case errors.Is(err, ErrBuildFailedAfterGeneration):
		return core.FatalBuildFailedAfterGeneration
	case errors.Is(err, agent.ErrGeneratorUnavailable):
		return core.FatalGeneratorUnavailable
	case ctx.Err() != nil:
		return core.FatalInterrupted
	}
	return core.FatalInternal
}

func haltLevel(reason core.HaltReason) string {
	if reason == core.HaltFatal {
		return "error"
	}
	return "info"
}

func (c *Controller) emit(event core.Event) {
	if c.Events == nil {
		return
	}
	if err := c.Events.Emit(event); err != nil {
		c.logger().Warn("emit event failed", "event_type", event.EventType, "error", err)
	}
}

func (c *Controller) reader() Reader {
	if c.Reader == nil {
		return ReaderFunc(coverage.Read)
	}
	return c.Reader
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Controller) relative(path string) string {
	rel, err := filepath.Rel(c.Profile.ModuleDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
