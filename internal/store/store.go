// Package store is the repository over the tokentally database. The
// ingestion pipeline writes events and file records through it; the query
// service reads aggregates and events back.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/usage"
)

// timeLayout is used for every non-event timestamp column. It is fixed width
// so stored values sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps an open database.
type Store struct {
	db *db.DB
}

// New returns a Store over database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// DB returns the underlying database.
func (s *Store) DB() *db.DB {
	return s.db
}

// Files returns tracked file records ordered by path. An empty status
// returns every record.
func (s *Store) Files(ctx context.Context, status usage.ProcessingStatus) ([]usage.FileRecord, error) {
	query := `SELECT file_path, file_name, file_size, last_modified, content_hash, entry_count, processing_status, last_error, processed_at
		FROM jsonl_files`
	var args []any
	if status != "" {
		query += ` WHERE processing_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY file_path`

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Classify("query files", err)
	}
	defer func() { _ = rows.Close() }()

	var records []usage.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate files", err)
	}
	return records, nil
}

// File returns the record for path, or nil when the file is untracked.
func (s *Store) File(ctx context.Context, path string) (*usage.FileRecord, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT file_path, file_name, file_size, last_modified, content_hash, entry_count, processing_status, last_error, processed_at
		 FROM jsonl_files WHERE file_path = ?`, path)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkProcessing records that processing of rec has started. A run that
// dies before finishing leaves the file in this state.
func (s *Store) MarkProcessing(ctx context.Context, rec usage.FileRecord) error {
	rec.Status = usage.StatusProcessing
	rec.LastError = ""
	if err := upsertFile(ctx, s.db.SQL(), rec); err != nil {
		return db.Classify("mark processing", err)
	}
	return nil
}

// MarkFailed records a file that could not be read. Its events are left
// untouched.
func (s *Store) MarkFailed(ctx context.Context, rec usage.FileRecord, cause error) error {
	rec.Status = usage.StatusFailed
	if cause != nil {
		rec.LastError = cause.Error()
	}
	now := time.Now()
	rec.ProcessedAt = &now
	if err := upsertFile(ctx, s.db.SQL(), rec); err != nil {
		return db.Classify("mark failed", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertFile(ctx context.Context, x execer, rec usage.FileRecord) error {
	if rec.FileName == "" {
		rec.FileName = filepath.Base(rec.FilePath)
	}
	if rec.Status == "" {
		rec.Status = usage.StatusPending
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid processing status %q", rec.Status)
	}
	var processedAt any
	if rec.ProcessedAt != nil {
		processedAt = rec.ProcessedAt.UTC().Format(timeLayout)
	}
	_, err := x.ExecContext(ctx,
		`INSERT INTO jsonl_files (file_path, file_name, file_size, last_modified, content_hash, entry_count, processing_status, last_error, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET
		   file_name = excluded.file_name,
		   file_size = excluded.file_size,
		   last_modified = excluded.last_modified,
		   content_hash = excluded.content_hash,
		   entry_count = excluded.entry_count,
		   processing_status = excluded.processing_status,
		   last_error = excluded.last_error,
		   processed_at = excluded.processed_at`,
		rec.FilePath,
		rec.FileName,
		rec.FileSize,
		rec.LastModified.UTC().Format(timeLayout),
		rec.ContentHash,
		rec.EntryCount,
		string(rec.Status),
		rec.LastError,
		processedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (usage.FileRecord, error) {
	var (
		rec          usage.FileRecord
		lastModified string
		status       string
		processedAt  sql.NullString
	)
	err := row.Scan(&rec.FilePath, &rec.FileName, &rec.FileSize, &lastModified, &rec.ContentHash,
		&rec.EntryCount, &status, &rec.LastError, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, db.Classify("scan file record", err)
	}
	rec.Status = usage.ProcessingStatus(status)
	rec.LastModified, _ = time.Parse(timeLayout, lastModified)
	if processedAt.Valid {
		if t, err := time.Parse(timeLayout, processedAt.String); err == nil {
			rec.ProcessedAt = &t
		}
	}
	return rec, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
