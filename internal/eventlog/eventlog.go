// Package eventlog appends run events as JSON lines.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"covloop/internal/core"
)

type EventLog struct {
	mu  sync.Mutex
	out io.WriteCloser
	now func() time.Time
}

func New(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &EventLog{out: file, now: time.Now}, nil
}

func (l *EventLog) Emit(event core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Level == "" {
		event.Level = "info"
	}
	payload := struct {
		TS string `json:"ts"`
		core.Event
	}{
		TS:    l.now().UTC().Format(time.RFC3339Nano),
		Event: event,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := l.out.Write(append(data, '\n')); err != nil {
		return err
	}

	return nil
}

func (l *EventLog) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Multi fans one event out to several loggers, stopping at the first error.
type Multi []core.EventLogger

func (m Multi) Emit(event core.Event) error {
	for _, logger := range m {
		if logger == nil {
			continue
		}
		if err := logger.Emit(event); err != nil {
			return err
		}
	}
	return nil
}

// Slog mirrors events into a structured logger at debug level.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Emit(event core.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"run_id", event.RunID, "event_type", event.EventType}
	if event.Level != "" {
		attrs = append(attrs, "event_level", event.Level)
	}
	if event.Iteration > 0 {
		attrs = append(attrs, "iteration", event.Iteration)
	}
	if event.Phase != "" {
		attrs = append(attrs, "phase", string(event.Phase))
	}
	logger.Log(context.Background(), slog.LevelDebug, "run event", attrs...)
	return nil
}
