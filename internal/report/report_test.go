package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"covloop/internal/core"
)

func TestRender_TargetReached(t *testing.T) {
	first := core.CoverageSnapshot{TotalLines: 100, CoveredLines: 80}
	out := Render(core.Outcome{
		RunID:  "run-1",
		Reason: core.HaltTargetReached,
		History: []core.IterationRecord{
			{Index: 1, CoverageAfter: first, UncoveredCount: 3, GeneratedFiles: []string{"a", "b", "c"}, Committed: true, CommitHash: "0123456789abcdef"},
			{Index: 2, CoverageBefore: &first, CoverageAfter: core.CoverageSnapshot{TotalLines: 100, CoveredLines: 92}, Warnings: []string{"nothing to commit"}},
		},
	})

	assert.Contains(t, out, "covloop run-1")
	assert.Contains(t, out, "target_reached after 2 iterations")
	assert.Contains(t, out, "80.00%")
	assert.Contains(t, out, "+12.00")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "[2] nothing to commit")
}

func TestRender_Fatal(t *testing.T) {
	out := Render(core.Outcome{
		RunID:  "run-2",
		Reason: core.HaltFatal,
		Kind:   core.FatalReportMissing,
		Err:    errors.New("coverage report missing at target/site/jacoco/jacoco.xml"),
	})
	assert.Contains(t, out, "fatal after 0 iterations")
	assert.Contains(t, out, "coverage report missing")
	assert.NotContains(t, out, "before")
}

func TestRender_FatalNamesLastIteration(t *testing.T) {
	first := core.CoverageSnapshot{TotalLines: 100, CoveredLines: 40}
	out := Render(core.Outcome{
		RunID:  "run-3",
		Reason: core.HaltFatal,
		Kind:   core.FatalGeneratorUnavailable,
		Err:    errors.New("generator unavailable: exit status 127"),
		History: []core.IterationRecord{
			{Index: 1, CoverageAfter: first, BuildOutcome: core.BuildPassed, UncoveredCount: 2},
			{Index: 2, CoverageBefore: &first, CoverageAfter: core.CoverageSnapshot{TotalLines: 100, CoveredLines: 55}, BuildOutcome: core.BuildTestsFailed},
		},
	})
	assert.Contains(t, out, "fatal after 2 iterations: generator unavailable: exit status 127")
	assert.Contains(t, out, "(last iteration 2 at 55.00%, build tests_failed)")
}

func TestIterationLine_UndefinedCoverage(t *testing.T) {
	line := iterationLine(core.IterationRecord{Index: 1, GeneratedFiles: []string{"x"}})
	assert.Contains(t, line, "n/a")
	assert.Contains(t, line, "not committed")
}
