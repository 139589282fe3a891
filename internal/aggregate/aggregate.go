// Package aggregate rebuilds the derived statistics tables from
// usage_entries, and computes the same statistics in memory for callers that
// cannot use the store.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/usage"
)

// totalsSQL is the shared projection behind every statistics row. Its column
// order matches the tables' totals columns.
var totalsSQL = fmt.Sprintf(`
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cache_creation_tokens), 0),
	COALESCE(SUM(cache_read_tokens), 0),
	COALESCE(SUM(input_tokens + output_tokens + cache_creation_tokens + cache_read_tokens), 0),
	COALESCE(SUM(cost), 0),
	COUNT(DISTINCT CASE WHEN TRIM(session_id) NOT IN ('', '%s') THEN session_id END),
	COALESCE(SUM(CASE WHEN input_tokens + output_tokens + cache_creation_tokens + cache_read_tokens > 0 THEN 1 ELSE 0 END), 0),
	COUNT(*)`, usage.UnknownSession)

const totalsColumns = `input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	total_tokens, cost, session_count, request_count, entry_count`

// Result counts the rows written by one regeneration.
type Result struct {
	Days     int64
	Models   int64
	Projects int64
	Duration time.Duration
}

// Engine regenerates statistics tables.
type Engine struct {
	db      *db.DB
	loc     *time.Location
	nowFunc func() time.Time
	log     *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the zone that defines calendar days for ranged tables.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock overrides the clock used to place range cutoffs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFunc = now
		}
	}
}

// New returns an Engine over database.
func New(database *db.DB, opts ...Option) *Engine {
	e := &Engine{
		db:      database,
		loc:     time.Local,
		nowFunc: time.Now,
		log:     logging.Component("aggregate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Regenerate replaces the contents of every statistics table with values
// grouped from the current usage_entries, in a single transaction.
func (e *Engine) Regenerate(ctx context.Context) (Result, error) {
	start := time.Now()
	now := e.nowFunc()
	var res Result

	err := e.db.WithTx(ctx, "regenerate statistics", func(tx *sql.Tx) error {
		for _, table := range []string{"daily_statistics", "model_statistics", "project_statistics", "range_totals"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		n, err := exec(ctx, tx,
			`INSERT INTO daily_statistics (date, `+totalsColumns+`, models)
			 SELECT date, `+totalsSQL+`,
			        COALESCE(GROUP_CONCAT(DISTINCT CASE WHEN model <> ? THEN model END), '')
			 FROM usage_entries
			 GROUP BY date`, usage.NoModel)
		if err != nil {
			return fmt.Errorf("daily statistics: %w", err)
		}
		res.Days = n

		for _, r := range usage.TimeRanges {
			since, _ := r.CutoffDate(now, e.loc)

			n, err := exec(ctx, tx,
				`INSERT INTO model_statistics (model, time_range, `+totalsColumns+`)
				 SELECT model, ?, `+totalsSQL+`
				 FROM usage_entries
				 WHERE model <> ? AND date >= ?
				 GROUP BY model`, string(r), usage.NoModel, since)
			if err != nil {
				return fmt.Errorf("model statistics %s: %w", r, err)
			}
			if r == usage.RangeAll {
				res.Models = n
			}

			n, err = exec(ctx, tx,
				`INSERT INTO project_statistics (project_path, time_range, project_name, `+totalsColumns+`, model_count, first_used, last_used)
				 SELECT project_path, ?, MAX(project_name), `+totalsSQL+`,
				        COUNT(DISTINCT CASE WHEN model <> ? THEN model END),
				        MIN(timestamp), MAX(timestamp)
				 FROM usage_entries
				 WHERE project_path <> '' AND date >= ?
				 GROUP BY project_path`, string(r), usage.NoModel, since)
			if err != nil {
				return fmt.Errorf("project statistics %s: %w", r, err)
			}
			if r == usage.RangeAll {
				res.Projects = n
			}

			if _, err := exec(ctx, tx,
				`INSERT INTO range_totals (time_range, since, `+totalsColumns+`)
				 SELECT ?, ?, `+totalsSQL+`
				 FROM usage_entries
				 WHERE date >= ?`, string(r), since, since); err != nil {
				return fmt.Errorf("range totals %s: %w", r, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.Duration = time.Since(start)
	e.log.InfoCtx("statistics regenerated", map[string]any{
		"days":     res.Days,
		"models":   res.Models,
		"projects": res.Projects,
		"duration": res.Duration.String(),
	})
	return res, nil
}

// Stale reports whether the ranged tables were built for a different day
// than today, or were never built. Their windows only move on Regenerate.
func (e *Engine) Stale(ctx context.Context) (bool, error) {
	rows, err := e.db.SQL().QueryContext(ctx, `SELECT time_range, since FROM range_totals`)
	if err != nil {
		return false, db.Classify("read range cutoffs", err)
	}
	defer func() { _ = rows.Close() }()

	stored := map[usage.TimeRange]string{}
	for rows.Next() {
		var r, since string
		if err := rows.Scan(&r, &since); err != nil {
			return false, db.Classify("scan range cutoffs", err)
		}
		stored[usage.TimeRange(r)] = since
	}
	if err := rows.Err(); err != nil {
		return false, db.Classify("iterate range cutoffs", err)
	}

	now := e.nowFunc()
	for _, r := range usage.TimeRanges {
		got, ok := stored[r]
		if !ok {
			return true, nil
		}
		want, _ := r.CutoffDate(now, e.loc)
		if got != want {
			return true, nil
		}
	}
	return false, nil
}

func exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}
