package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/dedup"
	"github.com/marcus/tokentally/internal/usage"
)

const (
	eventColumns = 16
	// MaxBatchSize keeps a multi-row insert under SQLite's bound-variable limit.
	MaxBatchSize = 1000
	// DefaultBatchSize is used when callers pass a non-positive size.
	DefaultBatchSize = 500
)

const insertEventsPrefix = `INSERT OR IGNORE INTO usage_entries (
	dedup_key, timestamp, date, model,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	cost, session_id, project_path, project_name,
	request_id, message_id, source_file, source_line
) VALUES `

// ReplaceResult describes one file's event replacement.
type ReplaceResult struct {
	// Removed counts the rows the file owned before.
	Removed int64
	// Inserted counts the rows the file owns now.
	Inserted int64
	// Suppressed counts keyed events another file already owns.
	Suppressed int
	// Reprocess lists files holding suppressed copies of identity keys this
	// file no longer owns. Reingesting them restores those events.
	Reprocess []string
}

// ReplaceFileEvents swaps every event owned by rec.FilePath for events and
// marks the file completed, all in one transaction. Events whose identity
// key is owned by another file are ignored and remembered in the
// suppressed_duplicates ledger.
func (s *Store) ReplaceFileEvents(ctx context.Context, rec usage.FileRecord, events []usage.Event, batchSize int) (ReplaceResult, error) {
	batchSize = clampBatch(batchSize)
	for _, e := range events {
		if e.DedupKey == "" {
			return ReplaceResult{}, fmt.Errorf("%w: event without identity key in %s:%d", usage.ErrIntegrity, e.SourceFile, e.SourceLine)
		}
		if err := e.Validate(); err != nil {
			return ReplaceResult{}, err
		}
	}

	var result ReplaceResult
	err := s.db.WithTx(ctx, "replace file events", func(tx *sql.Tx) error {
		prior, err := ownedKeys(ctx, tx, rec.FilePath)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM usage_entries WHERE source_file = ?`, rec.FilePath)
		if err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		result.Removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM suppressed_duplicates WHERE source_file = ?`, rec.FilePath); err != nil {
			return fmt.Errorf("delete suppressed: %w", err)
		}

		for _, chunk := range lo.Chunk(events, batchSize) {
			n, err := insertEvents(ctx, tx, chunk)
			if err != nil {
				return err
			}
			result.Inserted += n
			if n == int64(len(chunk)) {
				continue
			}
			suppressed, err := recordSuppressed(ctx, tx, rec.FilePath, chunk)
			if err != nil {
				return err
			}
			result.Suppressed += suppressed
		}

		current, err := ownedKeys(ctx, tx, rec.FilePath)
		if err != nil {
			return err
		}
		still := make(map[string]bool, len(current))
		for _, k := range current {
			still[k] = true
		}
		released := lo.Filter(prior, func(k string, _ int) bool { return !still[k] })
		result.Reprocess, err = suppressingFiles(ctx, tx, released, rec.FilePath)
		if err != nil {
			return err
		}

		now := time.Now()
		rec.Status = usage.StatusCompleted
		rec.EntryCount = int(result.Inserted)
		rec.LastError = ""
		rec.ProcessedAt = &now
		if err := upsertFile(ctx, tx, rec); err != nil {
			return fmt.Errorf("upsert file: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReplaceResult{}, err
	}
	return result, nil
}

// DeleteResult describes the removal of a vanished file.
type DeleteResult struct {
	Removed   int64
	Reprocess []string
}

// DeleteFile removes a file's events, ledger rows and record.
func (s *Store) DeleteFile(ctx context.Context, path string) (DeleteResult, error) {
	var result DeleteResult
	err := s.db.WithTx(ctx, "delete file", func(tx *sql.Tx) error {
		prior, err := ownedKeys(ctx, tx, path)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM usage_entries WHERE source_file = ?`, path)
		if err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		result.Removed, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `DELETE FROM suppressed_duplicates WHERE source_file = ?`, path); err != nil {
			return fmt.Errorf("delete suppressed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jsonl_files WHERE file_path = ?`, path); err != nil {
			return fmt.Errorf("delete file record: %w", err)
		}
		result.Reprocess, err = suppressingFiles(ctx, tx, prior, path)
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

// EventCount returns the number of stored events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_entries`).Scan(&n); err != nil {
		return 0, db.Classify("count events", err)
	}
	return n, nil
}

// EventFilter narrows Events.
type EventFilter struct {
	// Project matches either the project path or its display name.
	Project string
	// Since is an inclusive lower bound on the event date.
	Since string
}

// Events returns stored events ordered by timestamp.
func (s *Store) Events(ctx context.Context, f EventFilter) ([]usage.Event, error) {
	query := `SELECT dedup_key, timestamp, date, model,
		input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		cost, session_id, project_path, project_name,
		request_id, message_id, source_file, source_line
		FROM usage_entries WHERE 1 = 1`
	var args []any
	if f.Project != "" {
		query += ` AND (project_path = ? OR project_name = ?)`
		args = append(args, f.Project, f.Project)
	}
	if f.Since != "" {
		query += ` AND date >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Classify("query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []usage.Event
	for rows.Next() {
		var (
			e  usage.Event
			ts string
		)
		if err := rows.Scan(&e.DedupKey, &ts, &e.Date, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.CacheCreationTokens, &e.CacheReadTokens,
			&e.Cost, &e.SessionID, &e.ProjectPath, &e.ProjectName,
			&e.RequestID, &e.MessageID, &e.SourceFile, &e.SourceLine); err != nil {
			return nil, db.Classify("scan event", err)
		}
		parsed, err := time.Parse(usage.TimestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: bad stored timestamp %q", usage.ErrIntegrity, ts)
		}
		e.Timestamp = parsed
		if err := e.Validate(); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate events", err)
	}
	return events, nil
}

func clampBatch(n int) int {
	switch {
	case n <= 0:
		return DefaultBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []usage.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString(insertEventsPrefix)
	row := "(" + placeholders(eventColumns) + ")"
	args := make([]any, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		args = append(args,
			e.DedupKey, e.FormattedTimestamp(), e.Date, e.Model,
			e.InputTokens, e.OutputTokens, e.CacheCreationTokens, e.CacheReadTokens,
			e.Cost, e.SessionID, e.ProjectPath, e.ProjectName,
			e.RequestID, e.MessageID, e.SourceFile, e.SourceLine,
		)
	}
	res, err := tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert events: %w", err)
	}
	return n, nil
}

// recordSuppressed writes ledger rows for keyed events of chunk whose key is
// owned by a different file, and returns how many there were.
func recordSuppressed(ctx context.Context, tx *sql.Tx, file string, chunk []usage.Event) (int, error) {
	keys := lo.Uniq(lo.FilterMap(chunk, func(e usage.Event, _ int) (string, bool) {
		return e.DedupKey, dedup.Keyed(e.DedupKey)
	}))
	if len(keys) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, file)
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT dedup_key FROM usage_entries WHERE source_file <> ? AND dedup_key IN (`+placeholders(len(keys))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("query suppressed: %w", err)
	}
	owned, err := collectStrings(rows)
	if err != nil {
		return 0, err
	}

	for _, k := range owned {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO suppressed_duplicates (dedup_key, source_file) VALUES (?, ?)`, k, file); err != nil {
			return 0, fmt.Errorf("record suppressed: %w", err)
		}
	}
	return len(owned), nil
}

// ownedKeys returns the keyed identity keys currently stored for file.
func ownedKeys(ctx context.Context, tx *sql.Tx, file string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT dedup_key FROM usage_entries WHERE source_file = ?`, file)
	if err != nil {
		return nil, fmt.Errorf("query owned keys: %w", err)
	}
	keys, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	return lo.Filter(keys, func(k string, _ int) bool { return dedup.Keyed(k) }), nil
}

// suppressingFiles returns the files, other than self, that hold suppressed
// copies of any of keys.
func suppressingFiles(ctx context.Context, tx *sql.Tx, keys []string, self string) ([]string, error) {
	var files []string
	for _, chunk := range lo.Chunk(keys, MaxBatchSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, self)
		for _, k := range chunk {
			args = append(args, k)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT source_file FROM suppressed_duplicates WHERE source_file <> ? AND dedup_key IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("query suppressing files: %w", err)
		}
		found, err := collectStrings(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	files = lo.Uniq(files)
	sort.Strings(files)
	return files, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
