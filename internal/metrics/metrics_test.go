package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covloop/internal/core"
)

func TestLoopMetrics_RecordsLoop(t *testing.T) {
	m := New()

	m.BuildFinished(core.BuildPassed, 30*time.Second)
	m.BuildFinished(core.BuildCompileFailed, 10*time.Second)
	m.IterationRecorded(core.IterationRecord{
		Index:          1,
		CoverageAfter:  core.CoverageSnapshot{TotalLines: 100, CoveredLines: 80},
		GeneratedFiles: []string{"a.java", "b.java", "c.java"},
		UncoveredCount: 3,
		Committed:      true,
	})
	m.IterationRecorded(core.IterationRecord{
		Index:          2,
		CoverageAfter:  core.CoverageSnapshot{TotalLines: 100, CoveredLines: 92},
		DiscardedFiles: []string{"c.java"},
		Warnings:       []string{"discarded 1 generated files that did not compile"},
	})
	m.Halted(core.Outcome{Reason: core.HaltTargetReached})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BuildsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BuildsTotal.WithLabelValues("compile_failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IterationsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.GeneratedFilesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscardedFilesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitsTotal.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WarningsTotal))
	assert.InDelta(t, 92.0, testutil.ToFloat64(m.CoveragePercent), 1e-9)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.UncoveredMethods))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HaltsTotal.WithLabelValues("target_reached", "")))
}

func TestLoopMetrics_UndefinedCoverageKeepsGauge(t *testing.T) {
	m := New()
	m.IterationRecorded(core.IterationRecord{CoverageAfter: core.CoverageSnapshot{TotalLines: 10, CoveredLines: 5}})
	m.IterationRecorded(core.IterationRecord{CoverageAfter: core.CoverageSnapshot{}})
	assert.InDelta(t, 50.0, testutil.ToFloat64(m.CoveragePercent), 1e-9)
}

func TestLoopMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.Halted(core.Outcome{Reason: core.HaltFatal, Kind: core.FatalBuildTimedOut})

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `covloop_halts_total{fatal_kind="build_timed_out",reason="fatal"} 1`)
}
