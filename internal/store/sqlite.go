package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"covloop/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			repo_path TEXT NOT NULL,
			module_path TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			halt_reason TEXT,
			fatal_kind TEXT,
			config_json TEXT NOT NULL,
			summary_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			before_total INTEGER,
			before_covered INTEGER,
			before_at TEXT,
			after_total INTEGER NOT NULL,
			after_covered INTEGER NOT NULL,
			after_at TEXT NOT NULL,
			build_exit_code INTEGER NOT NULL,
			build_outcome TEXT NOT NULL,
			uncovered_count INTEGER NOT NULL,
			partial_count INTEGER NOT NULL,
			generated_json TEXT NOT NULL,
			discarded_json TEXT NOT NULL,
			committed INTEGER NOT NULL,
			commit_hash TEXT,
			pushed INTEGER NOT NULL,
			warnings_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			UNIQUE(run_id, idx),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE TABLE IF NOT EXISTS uncovered_methods (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			class_name TEXT NOT NULL,
			method_signature TEXT NOT NULL,
			source_file TEXT,
			first_line INTEGER,
			missed_ranges_json TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_uncovered_run_iteration ON uncovered_methods(run_id, iteration);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			iteration INTEGER,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run core.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, repo_path, module_path, started_at, status, config_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.RepoPath,
		run.ModulePath,
		formatTime(run.StartedAt),
		run.Status,
		run.Config,
	)
	return err
}

// FinishRun stores the terminal state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, outcome core.Outcome) error {
	status := core.RunStatusSucceeded
	if outcome.Fatal() {
		status = core.RunStatusFailed
	}
	summary, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	finished := outcome.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, halt_reason = ?, fatal_kind = ?, summary_json = ?, finished_at = ?
		WHERE run_id = ?`,
		status,
		string(outcome.Reason),
		string(outcome.Kind),
		string(summary),
		formatTime(finished),
		outcome.RunID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, outcome.RunID)
	}
	return nil
}

// RecordIteration persists one iteration and the gaps it measured.
func (s *SQLiteStore) RecordIteration(ctx context.Context, runID string, rec core.IterationRecord, uncovered []core.UncoveredMethod) error {
	generated, err := marshalList(rec.GeneratedFiles)
	if err != nil {
		return err
	}
	discarded, err := marshalList(rec.DiscardedFiles)
	if err != nil {
		return err
	}
	warnings, err := marshalList(rec.Warnings)
	if err != nil {
		return err
	}

	var beforeTotal, beforeCovered sql.NullInt64
	var beforeAt sql.NullString
	if rec.CoverageBefore != nil {
		beforeTotal = sql.NullInt64{Int64: int64(rec.CoverageBefore.TotalLines), Valid: true}
		beforeCovered = sql.NullInt64{Int64: int64(rec.CoverageBefore.CoveredLines), Valid: true}
		beforeAt = sql.NullString{String: formatTime(rec.CoverageBefore.Timestamp), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO iterations (run_id, idx, before_total, before_covered, before_at, after_total, after_covered, after_at,
		                        build_exit_code, build_outcome, uncovered_count, partial_count, generated_json, discarded_json,
		                        committed, commit_hash, pushed, warnings_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		rec.Index,
		beforeTotal,
		beforeCovered,
		beforeAt,
		rec.CoverageAfter.TotalLines,
		rec.CoverageAfter.CoveredLines,
		formatTime(rec.CoverageAfter.Timestamp),
		rec.BuildExitCode,
		string(rec.BuildOutcome),
		rec.UncoveredCount,
		rec.PartialCount,
		generated,
		discarded,
		rec.Committed,
		rec.CommitHash,
		rec.Pushed,
		warnings,
		formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("insert iteration %d: %w", rec.Index, err)
	}

	if len(uncovered) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO uncovered_methods (run_id, iteration, class_name, method_signature, source_file, first_line, missed_ranges_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, method := range uncovered {
			ranges, err := json.Marshal(method.MissedLineRanges)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				runID,
				rec.Index,
				method.ClassName,
				method.MethodSignature,
				method.SourceFile,
				method.FirstLine,
				string(ranges),
			); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) AddArtifact(ctx context.Context, artifact core.ArtifactRecord) error {
	created := artifact.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, iteration, kind, path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.RunID,
		artifact.Iteration,
		artifact.Kind,
		artifact.Path,
		artifact.SizeBytes,
		formatTime(created),
	)
	return err
}

func (s *SQLiteStore) ListIterations(ctx context.Context, runID string) ([]core.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, before_total, before_covered, before_at, after_total, after_covered, after_at,
		       build_exit_code, build_outcome, uncovered_count, partial_count, generated_json, discarded_json,
		       committed, commit_hash, pushed, warnings_json
		FROM iterations
		WHERE run_id = ?
		ORDER BY idx ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.IterationRecord
	for rows.Next() {
		var (
			rec                          core.IterationRecord
			beforeTotal, beforeCovered   sql.NullInt64
			beforeAt                     sql.NullString
			afterAt                      string
			outcome                      string
			generated, discarded, warned string
			commitHash                   sql.NullString
		)
		if err := rows.Scan(
			&rec.Index,
			&beforeTotal,
			&beforeCovered,
			&beforeAt,
			&rec.CoverageAfter.TotalLines,
			&rec.CoverageAfter.CoveredLines,
			&afterAt,
			&rec.BuildExitCode,
			&outcome,
			&rec.UncoveredCount,
			&rec.PartialCount,
			&generated,
			&discarded,
			&rec.Committed,
			&commitHash,
			&rec.Pushed,
			&warned,
		); err != nil {
			return nil, err
		}
		rec.CoverageAfter.Timestamp = parseTime(afterAt)
		rec.BuildOutcome = core.BuildOutcome(outcome)
		rec.CommitHash = commitHash.String
		if beforeTotal.Valid {
			rec.CoverageBefore = &core.CoverageSnapshot{
				Timestamp:    parseTime(beforeAt.String),
				TotalLines:   int(beforeTotal.Int64),
				CoveredLines: int(beforeCovered.Int64),
			}
		}
		for _, pair := range []struct {
			raw string
			dst *[]string
		}{{generated, &rec.GeneratedFiles}, {discarded, &rec.DiscardedFiles}, {warned, &rec.Warnings}} {
			if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
				return nil, fmt.Errorf("decode iteration %d: %w", rec.Index, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListUncovered(ctx context.Context, runID string, iteration int) ([]core.UncoveredMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT class_name, method_signature, source_file, first_line, missed_ranges_json
		FROM uncovered_methods
		WHERE run_id = ? AND iteration = ?
		ORDER BY id ASC`,
		runID,
		iteration,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []core.UncoveredMethod
	for rows.Next() {
		var (
			method     core.UncoveredMethod
			sourceFile sql.NullString
			firstLine  sql.NullInt64
			ranges     string
		)
		if err := rows.Scan(&method.ClassName, &method.MethodSignature, &sourceFile, &firstLine, &ranges); err != nil {
			return nil, err
		}
		method.SourceFile = sourceFile.String
		method.FirstLine = int(firstLine.Int64)
		if err := json.Unmarshal([]byte(ranges), &method.MissedLineRanges); err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, rows.Err()
}

func (s *SQLiteStore) GetRunSummary(ctx context.Context, runID string) (core.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, halt_reason, started_at, finished_at
		FROM runs
		WHERE run_id = ?`,
		runID,
	)

	var (
		status     string
		haltReason sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&status, &haltReason, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.RunSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return core.RunSummary{}, err
	}

	records, err := s.ListIterations(ctx, runID)
	if err != nil {
		return core.RunSummary{}, err
	}
	generated := 0
	for _, rec := range records {
		generated += len(rec.GeneratedFiles)
	}

	summary := core.RunSummary{
		RunID:      runID,
		Status:     status,
		HaltReason: haltReason.String,
		Iterations: len(records),
		Generated:  generated,
		Started:    parseTime(startedAt),
	}
	if finishedAt.Valid {
		summary.Finished = parseTime(finishedAt.String)
	}
	return summary, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(text string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, text)
	return t
}
