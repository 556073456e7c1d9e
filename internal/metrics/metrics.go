// Package metrics keeps Prometheus series for one controller run and writes
// them as a node-exporter textfile next to the run's other artifacts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"covloop/internal/core"
)

const namespace = "covloop"

// LoopMetrics implements engine.Observer.
type LoopMetrics struct {
	registry *prometheus.Registry

	// BuildsTotal counts builds by outcome (passed, tests_failed, compile_failed, errored).
	BuildsTotal *prometheus.CounterVec
	// BuildDurationSeconds observes wall time of each build.
	BuildDurationSeconds prometheus.Histogram
	IterationsTotal      prometheus.Counter
	GeneratedFilesTotal  prometheus.Counter
	DiscardedFilesTotal  prometheus.Counter
	// CommitsTotal counts commit attempts by result (committed, skipped).
	CommitsTotal  *prometheus.CounterVec
	WarningsTotal prometheus.Counter
	// CoveragePercent is the line coverage of the latest iteration.
	CoveragePercent  prometheus.Gauge
	UncoveredMethods prometheus.Gauge
	// HaltsTotal counts terminal states by reason and fatal kind.
	HaltsTotal *prometheus.CounterVec
}

func New() *LoopMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &LoopMetrics{
		registry: reg,
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "total",
			Help:      "Maven builds by outcome",
		}, []string{"outcome"}),
		BuildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Wall time of Maven builds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		IterationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Recorded loop iterations",
		}),
		GeneratedFilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_files_total",
			Help:      "Candidate test files written",
		}),
		DiscardedFilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_files_total",
			Help:      "Generated files removed after a compilation failure",
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Iterations by commit result",
		}, []string{"result"}),
		WarningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Warnings recorded on iterations",
		}),
		CoveragePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_coverage_percent",
			Help:      "Line coverage measured by the latest iteration",
		}),
		UncoveredMethods: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uncovered_methods",
			Help:      "Methods without any covered line in the latest iteration",
		}),
		HaltsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_total",
			Help:      "Finished runs by halt reason",
		}, []string{"reason", "fatal_kind"}),
	}
}

func (m *LoopMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *LoopMetrics) BuildFinished(outcome core.BuildOutcome, duration time.Duration) {
	m.BuildsTotal.WithLabelValues(string(outcome)).Inc()
	m.BuildDurationSeconds.Observe(duration.Seconds())
}

func (m *LoopMetrics) IterationRecorded(rec core.IterationRecord) {
	m.IterationsTotal.Inc()
	m.GeneratedFilesTotal.Add(float64(len(rec.GeneratedFiles)))
	m.DiscardedFilesTotal.Add(float64(len(rec.DiscardedFiles)))
	m.WarningsTotal.Add(float64(len(rec.Warnings)))
	if pct, ok := rec.CoverageAfter.Percentage(); ok {
		m.CoveragePercent.Set(pct)
	}
	m.UncoveredMethods.Set(float64(rec.UncoveredCount))
	if len(rec.GeneratedFiles) == 0 {
		return
	}
	if rec.Committed {
		m.CommitsTotal.WithLabelValues("committed").Inc()
	} else {
		m.CommitsTotal.WithLabelValues("skipped").Inc()
	}
}

func (m *LoopMetrics) Halted(outcome core.Outcome) {
	m.HaltsTotal.WithLabelValues(string(outcome.Reason), string(outcome.Kind)).Inc()
}

// WriteTextfile writes every series in the node-exporter textfile format.
func (m *LoopMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
