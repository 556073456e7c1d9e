package core

import "context"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseBuilding   Phase = "building"
	PhaseMeasuring  Phase = "measuring"
	PhaseDeciding   Phase = "deciding"
	PhaseGenerating Phase = "generating"
	PhaseCommitting Phase = "committing"
	PhaseHalted     Phase = "halted"
)

// RunState lives for exactly one controller run.
type RunState struct {
	RunID        string
	Iteration    int
	Phase        Phase
	History      []IterationRecord
	PlateauCount int

	// files written by the most recent generating step, still unvalidated
	PendingFiles []string
	// paths written at any point during this run
	Written map[string]bool
}

func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:   runID,
		Phase:   PhaseIdle,
		Written: make(map[string]bool),
	}
}

// LastAfter returns the coverage measured by the latest recorded iteration.
func (s *RunState) LastAfter() *CoverageSnapshot {
	if len(s.History) == 0 {
		return nil
	}
	snap := s.History[len(s.History)-1].CoverageAfter
	return &snap
}

func (s *RunState) Append(rec IterationRecord) {
	s.History = append(s.History, rec)
}

// Snapshot copies the history so callers cannot mutate recorded iterations.
func (s *RunState) Snapshot() []IterationRecord {
	out := make([]IterationRecord, len(s.History))
	copy(out, s.History)
	return out
}

type Event struct {
	RunID     string      `json:"run_id"`
	Level     string      `json:"level"`
	EventType string      `json:"event_type"`
	Iteration int         `json:"iteration,omitempty"`
	Phase     Phase       `json:"phase,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type EventLogger interface {
	Emit(event Event) error
}

// HistorySink persists iteration records as they are appended.
type HistorySink interface {
	RecordIteration(ctx context.Context, runID string, rec IterationRecord, uncovered []UncoveredMethod) error
}
