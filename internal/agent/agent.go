// Package agent talks to the collaborators that write test source for
// uncovered methods. The loop treats their output as untrusted text.
package agent

import (
	"context"
	"errors"

	"covloop/internal/core"
)

const SchemaVersion = 1

var ErrGeneratorUnavailable = errors.New("generator unavailable")

type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) ([]Candidate, error)
}

type Request struct {
	SchemaVersion    int              `json:"schema_version"`
	RunID            string           `json:"run_id"`
	Iteration        int              `json:"iteration"`
	ClassName        string           `json:"class_name"`
	MethodSignature  string           `json:"method_signature"`
	MissedLineRanges []core.LineRange `json:"missed_line_ranges"`
	SourceFile       string           `json:"source_file,omitempty"`
	SourceContext    string           `json:"source_context,omitempty"`
	// GeneratedDir is relative to the module directory; candidate paths
	// must land inside it.
	GeneratedDir string `json:"generated_dir"`
	Package      string `json:"package"`
}

// NewRequest describes one coverage gap.
func NewRequest(runID string, iteration int, method core.UncoveredMethod) Request {
	return Request{
		SchemaVersion:    SchemaVersion,
		RunID:            runID,
		Iteration:        iteration,
		ClassName:        method.ClassName,
		MethodSignature:  method.MethodSignature,
		MissedLineRanges: method.MissedLineRanges,
		SourceFile:       method.SourceFile,
	}
}

func (r Request) Method() core.UncoveredMethod {
	return core.UncoveredMethod{
		ClassName:        r.ClassName,
		MethodSignature:  r.MethodSignature,
		SourceFile:       r.SourceFile,
		MissedLineRanges: r.MissedLineRanges,
	}
}

// Candidate is a proposed test file. FilePath is relative to the module directory.
type Candidate struct {
	FilePath   string `json:"file_path"`
	SourceText string `json:"source_text"`
}

type Response struct {
	SchemaVersion int         `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Summary       string      `json:"summary,omitempty"`
	Candidates    []Candidate `json:"candidates"`
}
