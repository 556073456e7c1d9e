package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

type CoverageSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	TotalLines   int       `json:"total_lines"`
	CoveredLines int       `json:"covered_lines"`
}

// Percentage is undefined when the report has no executable lines.
func (s CoverageSnapshot) Percentage() (float64, bool) {
	if s.TotalLines <= 0 {
		return 0, false
	}
	return float64(s.CoveredLines) / float64(s.TotalLines) * 100, true
}

func (s CoverageSnapshot) String() string {
	pct, ok := s.Percentage()
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%% (%d/%d lines)", pct, s.CoveredLines, s.TotalLines)
}

func (s CoverageSnapshot) MarshalJSON() ([]byte, error) {
	type snapshot CoverageSnapshot
	payload := struct {
		snapshot
		Percentage *float64 `json:"percentage"`
	}{snapshot: snapshot(s)}
	if pct, ok := s.Percentage(); ok {
		payload.Percentage = &pct
	}
	return json.Marshal(payload)
}

type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r LineRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

type UncoveredMethod struct {
	ClassName        string      `json:"class_name"`
	MethodSignature  string      `json:"method_signature"`
	SourceFile       string      `json:"source_file,omitempty"`
	FirstLine        int         `json:"first_line,omitempty"`
	MissedLineRanges []LineRange `json:"missed_line_ranges"`
}

// MethodName strips the JVM descriptor from the signature.
func (m UncoveredMethod) MethodName() string {
	if idx := strings.Index(m.MethodSignature, "("); idx >= 0 {
		return m.MethodSignature[:idx]
	}
	return m.MethodSignature
}

func (m UncoveredMethod) PackageName() string {
	if idx := strings.LastIndex(m.ClassName, "."); idx >= 0 {
		return m.ClassName[:idx]
	}
	return ""
}

func (m UncoveredMethod) SimpleClassName() string {
	name := m.ClassName
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

type PartialMethod struct {
	UncoveredMethod
	CoveredLines int `json:"covered_lines"`
	MissedLines  int `json:"missed_lines"`
}

type BuildOutcome string

const (
	BuildPassed        BuildOutcome = "passed"
	BuildTestsFailed   BuildOutcome = "tests_failed"
	BuildCompileFailed BuildOutcome = "compile_failed"
	BuildErrored       BuildOutcome = "errored"
)

type IterationRecord struct {
	Index          int               `json:"index"`
	CoverageBefore *CoverageSnapshot `json:"coverage_before"`
	CoverageAfter  CoverageSnapshot  `json:"coverage_after"`
	GeneratedFiles []string          `json:"generated_file_paths"`
	DiscardedFiles []string          `json:"discarded_file_paths,omitempty"`
	BuildExitCode  int               `json:"build_exit_code"`
	BuildOutcome   BuildOutcome      `json:"build_outcome"`
	UncoveredCount int               `json:"uncovered_count"`
	PartialCount   int               `json:"partial_count"`
	Committed      bool              `json:"committed"`
	CommitHash     string            `json:"commit_hash,omitempty"`
	Pushed         bool              `json:"pushed"`
	Warnings       []string          `json:"warnings,omitempty"`
}

// Improvement is the percentage-point gain over the previous iteration.
// It reports false for the first iteration or when either side is undefined.
func (r IterationRecord) Improvement() (float64, bool) {
	if r.CoverageBefore == nil {
		return 0, false
	}
	before, ok := r.CoverageBefore.Percentage()
	if !ok {
		return 0, false
	}
	after, ok := r.CoverageAfter.Percentage()
	if !ok {
		return 0, false
	}
	return after - before, true
}

type HaltReason string

const (
	HaltTargetReached  HaltReason = "target_reached"
	HaltPlateauReached HaltReason = "plateau_reached"
	HaltIterationLimit HaltReason = "iteration_limit"
	HaltFatal          HaltReason = "fatal"
)

type FatalKind string

const (
	FatalNone                       FatalKind = ""
	FatalReportMissing              FatalKind = "report_missing"
	FatalReportMalformed            FatalKind = "report_malformed"
	FatalBuildTimedOut              FatalKind = "build_timed_out"
	FatalBuildFailedAfterGeneration FatalKind = "build_failed_after_generation"
	FatalGeneratorUnavailable       FatalKind = "generator_unavailable"
	FatalInterrupted                FatalKind = "interrupted"
	FatalInternal                   FatalKind = "internal"
)

type Outcome struct {
	RunID      string            `json:"run_id"`
	Reason     HaltReason        `json:"reason"`
	Kind       FatalKind         `json:"fatal_kind,omitempty"`
	Err        error             `json:"-"`
	History    []IterationRecord `json:"history"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (o Outcome) Fatal() bool {
	return o.Reason == HaltFatal
}

func (o Outcome) LastRecord() (IterationRecord, bool) {
	if len(o.History) == 0 {
		return IterationRecord{}, false
	}
	return o.History[len(o.History)-1], true
}

func (o Outcome) GeneratedFiles() []string {
	var files []string
	for _, rec := range o.History {
		files = append(files, rec.GeneratedFiles...)
	}
	return files
}

func (o Outcome) String() string {
	if o.Fatal() {
		msg := string(o.Kind)
		if o.Err != nil {
			msg = o.Err.Error()
		}
		return fmt.Sprintf("halted (%s) after %d iterations: %s", o.Reason, len(o.History), msg)
	}
	return fmt.Sprintf("halted (%s) after %d iterations", o.Reason, len(o.History))
}

type RunRecord struct {
	RunID      string
	RepoPath   string
	ModulePath string
	StartedAt  time.Time
	Status     string
	Config     string
}

type ArtifactRecord struct {
	RunID     string
	Iteration int
	Kind      string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

type RunSummary struct {
	RunID      string
	Status     string
	HaltReason string
	Iterations int
	Generated  int
	Started    time.Time
	Finished   time.Time
}

func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.NewString())
}
