package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covloop/internal/core"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "covloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, core.RunRecord{
		RunID:      "run-1",
		RepoPath:   "/repo",
		ModulePath: "/repo/java_agent",
		StartedAt:  started,
		Status:     core.RunStatusRunning,
		Config:     `{"plateau_threshold":0.5}`,
	}))

	first := core.IterationRecord{
		Index:          1,
		CoverageAfter:  core.CoverageSnapshot{Timestamp: started, TotalLines: 100, CoveredLines: 80},
		GeneratedFiles: []string{"src/test/java/generated/Generated_App_add_Test.java"},
		BuildOutcome:   core.BuildPassed,
		UncoveredCount: 1,
		Committed:      true,
		CommitHash:     "abc123",
	}
	uncovered := []core.UncoveredMethod{{
		ClassName:        "com.se333.agent.App",
		MethodSignature:  "add(II)I",
		SourceFile:       "App.java",
		FirstLine:        9,
		MissedLineRanges: []core.LineRange{{Start: 9, End: 10}},
	}}
	require.NoError(t, s.RecordIteration(ctx, "run-1", first, uncovered))

	after := first.CoverageAfter
	second := core.IterationRecord{
		Index:          2,
		CoverageBefore: &after,
		CoverageAfter:  core.CoverageSnapshot{Timestamp: started.Add(time.Minute), TotalLines: 100, CoveredLines: 92},
		BuildExitCode:  1,
		BuildOutcome:   core.BuildTestsFailed,
		Warnings:       []string{"nothing to commit"},
	}
	require.NoError(t, s.RecordIteration(ctx, "run-1", second, nil))

	records, err := s.ListIterations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[0].CoverageBefore)
	assert.Equal(t, first.GeneratedFiles, records[0].GeneratedFiles)
	assert.Equal(t, "abc123", records[0].CommitHash)
	assert.True(t, records[0].Committed)
	require.NotNil(t, records[1].CoverageBefore)
	assert.Equal(t, records[0].CoverageAfter.CoveredLines, records[1].CoverageBefore.CoveredLines)
	assert.True(t, records[0].CoverageAfter.Timestamp.Equal(records[1].CoverageBefore.Timestamp))
	assert.Equal(t, core.BuildTestsFailed, records[1].BuildOutcome)
	assert.Equal(t, []string{"nothing to commit"}, records[1].Warnings)

	methods, err := s.ListUncovered(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, uncovered, methods)

	require.NoError(t, s.AddArtifact(ctx, core.ArtifactRecord{RunID: "run-1", Kind: "summary", Path: "summary.json", SizeBytes: 42}))

	require.NoError(t, s.FinishRun(ctx, core.Outcome{
		RunID:      "run-1",
		Reason:     core.HaltTargetReached,
		History:    records,
		FinishedAt: started.Add(2 * time.Minute),
	}))

	summary, err := s.GetRunSummary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, summary.Status)
	assert.Equal(t, "target_reached", summary.HaltReason)
	assert.Equal(t, 2, summary.Iterations)
	assert.Equal(t, 1, summary.Generated)
	assert.True(t, summary.Started.Equal(started))
}

func TestSQLiteStore_DuplicateIterationRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateRun(ctx, core.RunRecord{RunID: "run-1", RepoPath: "/r", ModulePath: "/r", StartedAt: time.Now(), Status: core.RunStatusRunning, Config: "{}"}))

	rec := core.IterationRecord{Index: 1, BuildOutcome: core.BuildPassed}
	require.NoError(t, s.RecordIteration(ctx, "run-1", rec, nil))
	assert.Error(t, s.RecordIteration(ctx, "run-1", rec, nil))
}

func TestSQLiteStore_UnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetRunSummary(ctx, "run-missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, s.FinishRun(ctx, core.Outcome{RunID: "run-missing", Reason: core.HaltFatal}), ErrRunNotFound)
}

func TestSQLiteStore_FailedRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateRun(ctx, core.RunRecord{RunID: "run-2", RepoPath: "/r", ModulePath: "/r", StartedAt: time.Now(), Status: core.RunStatusRunning, Config: "{}"}))
	require.NoError(t, s.FinishRun(ctx, core.Outcome{RunID: "run-2", Reason: core.HaltFatal, Kind: core.FatalReportMissing}))

	summary, err := s.GetRunSummary(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, summary.Status)
	assert.Zero(t, summary.Iterations)
}
