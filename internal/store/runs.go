package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/marcus/tokentally/internal/db"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run is one row of sync history.
type Run struct {
	ID             string
	Mode           string
	Status         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	FilesScanned   int
	FilesProcessed int
	FilesSkipped   int
	FilesFailed    int
	RemovedFiles   int
	NewEntries     int64
	SkippedEntries int
	ParseErrors    int
	Error          string
}

// Duration returns how long the run took, or zero while it is running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StartRun inserts a running history row.
func (s *Store) StartRun(ctx context.Context, id, mode string, startedAt time.Time) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO sync_runs (id, mode, status, started_at) VALUES (?, ?, ?, ?)`,
		id, mode, RunRunning, startedAt.UTC().Format(timeLayout))
	return db.Classify("start run", err)
}

// FinishRun stores the final status and counters of r.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	_, err := s.db.SQL().ExecContext(ctx,
		`UPDATE sync_runs SET
		   status = ?, finished_at = ?,
		   files_scanned = ?, files_processed = ?, files_skipped = ?, files_failed = ?,
		   removed_files = ?, new_entries = ?, skipped_entries = ?, parse_errors = ?, error = ?
		 WHERE id = ?`,
		r.Status, finished.UTC().Format(timeLayout),
		r.FilesScanned, r.FilesProcessed, r.FilesSkipped, r.FilesFailed,
		r.RemovedFiles, r.NewEntries, r.SkippedEntries, r.ParseErrors, r.Error,
		r.ID)
	return db.Classify("finish run", err)
}

// Runs returns the n most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		return []Run{}, nil
	}
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, mode, status, started_at, finished_at,
		        files_scanned, files_processed, files_skipped, files_failed,
		        removed_files, new_entries, skipped_entries, parse_errors, error
		 FROM sync_runs
		 ORDER BY started_at DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, db.Classify("query runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate runs", err)
	}
	return runs, nil
}

// LastRun returns the most recent run, or nil if none was recorded.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func scanRun(row scanner) (Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	err := row.Scan(&r.ID, &r.Mode, &r.Status, &started, &finished,
		&r.FilesScanned, &r.FilesProcessed, &r.FilesSkipped, &r.FilesFailed,
		&r.RemovedFiles, &r.NewEntries, &r.SkippedEntries, &r.ParseErrors, &r.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, db.Classify("scan run", err)
	}
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return r, nil
}
