package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/usage"
)

const totalsColumns = `input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	total_tokens, cost, session_count, request_count, entry_count`

// HasAggregates reports whether regenerated statistics exist. Negative
// aggregate values mean the tables were corrupted and are reported as
// integrity errors.
func (s *Store) HasAggregates(ctx context.Context) (bool, error) {
	var (
		days                        int64
		minCost                     float64
		minTokens, minEntries       int64
		negativeTotals, totalsCount int64
	)
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(cost), 0), COALESCE(MIN(total_tokens), 0), COALESCE(MIN(entry_count), 0)
		 FROM daily_statistics`).Scan(&days, &minCost, &minTokens, &minEntries)
	if err != nil {
		return false, db.Classify("probe aggregates", err)
	}
	if minCost < 0 || minTokens < 0 || minEntries < 0 {
		return false, usage.NewError(usage.ErrIntegrity, "probe aggregates", "", errors.New("negative daily statistics"))
	}

	err = s.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN cost < 0 OR total_tokens < 0 OR session_count < 0 THEN 1 ELSE 0 END), 0)
		 FROM range_totals`).Scan(&totalsCount, &negativeTotals)
	if err != nil {
		return false, db.Classify("probe aggregates", err)
	}
	if negativeTotals > 0 {
		return false, usage.NewError(usage.ErrIntegrity, "probe aggregates", "", errors.New("negative range totals"))
	}
	return days > 0 && totalsCount > 0, nil
}

// HasProjectEvents reports whether any event belongs to project, matched by
// path or display name.
func (s *Store) HasProjectEvents(ctx context.Context, project string) (bool, error) {
	var exists bool
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM usage_entries WHERE project_path = ? OR project_name = ?)`,
		project, project).Scan(&exists)
	if err != nil {
		return false, db.Classify("probe project events", err)
	}
	return exists, nil
}

// RangeTotals returns the overall totals materialized for r.
func (s *Store) RangeTotals(ctx context.Context, r usage.TimeRange) (usage.Totals, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+totalsColumns+` FROM range_totals WHERE time_range = ?`, string(r))
	t, err := scanTotals(row)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Totals{}, nil
	}
	if err != nil {
		return usage.Totals{}, db.Classify("read range totals", err)
	}
	return t, checkTotals("range "+string(r), t)
}

// RangeCutoff returns the earliest date the totals for r were built from.
// ok is false when r has never been regenerated.
func (s *Store) RangeCutoff(ctx context.Context, r usage.TimeRange) (since string, ok bool, err error) {
	err = s.db.SQL().QueryRowContext(ctx,
		`SELECT since FROM range_totals WHERE time_range = ?`, string(r)).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, db.Classify("read range cutoff", err)
	}
	return since, true, nil
}

// DailyStats returns per-day rows on or after since, oldest first. An empty
// since returns every day.
func (s *Store) DailyStats(ctx context.Context, since string) ([]usage.DailyStat, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT date, models, `+totalsColumns+`
		 FROM daily_statistics
		 WHERE date >= ?
		 ORDER BY date`, since)
	if err != nil {
		return nil, db.Classify("query daily statistics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []usage.DailyStat
	for rows.Next() {
		var (
			d      usage.DailyStat
			models string
		)
		if err := rows.Scan(&d.Date, &models,
			&d.InputTokens, &d.OutputTokens, &d.CacheCreationTokens, &d.CacheReadTokens,
			&d.TotalTokens, &d.Cost, &d.Sessions, &d.Requests, &d.Entries); err != nil {
			return nil, db.Classify("scan daily statistics", err)
		}
		if err := checkTotals("day "+d.Date, d.Totals); err != nil {
			return nil, err
		}
		d.Models = splitModels(models)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate daily statistics", err)
	}
	return out, nil
}

// ModelStats returns per-model rows for r, most expensive first.
func (s *Store) ModelStats(ctx context.Context, r usage.TimeRange) ([]usage.ModelStat, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT model, `+totalsColumns+`
		 FROM model_statistics
		 WHERE time_range = ?
		 ORDER BY cost DESC, model`, string(r))
	if err != nil {
		return nil, db.Classify("query model statistics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []usage.ModelStat
	for rows.Next() {
		var m usage.ModelStat
		if err := rows.Scan(&m.Model,
			&m.InputTokens, &m.OutputTokens, &m.CacheCreationTokens, &m.CacheReadTokens,
			&m.TotalTokens, &m.Cost, &m.Sessions, &m.Requests, &m.Entries); err != nil {
			return nil, db.Classify("scan model statistics", err)
		}
		if err := checkTotals("model "+m.Model, m.Totals); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate model statistics", err)
	}
	return out, nil
}

// ProjectStats returns per-project rows for r, most expensive first.
func (s *Store) ProjectStats(ctx context.Context, r usage.TimeRange) ([]usage.ProjectStat, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT project_path, project_name, model_count, first_used, last_used, `+totalsColumns+`
		 FROM project_statistics
		 WHERE time_range = ?
		 ORDER BY cost DESC, project_path`, string(r))
	if err != nil {
		return nil, db.Classify("query project statistics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []usage.ProjectStat
	for rows.Next() {
		var (
			p           usage.ProjectStat
			first, last string
		)
		if err := rows.Scan(&p.ProjectPath, &p.ProjectName, &p.ModelCount, &first, &last,
			&p.InputTokens, &p.OutputTokens, &p.CacheCreationTokens, &p.CacheReadTokens,
			&p.TotalTokens, &p.Cost, &p.Sessions, &p.Requests, &p.Entries); err != nil {
			return nil, db.Classify("scan project statistics", err)
		}
		if err := checkTotals("project "+p.ProjectPath, p.Totals); err != nil {
			return nil, err
		}
		p.FirstUsed, _ = time.Parse(usage.TimestampLayout, first)
		p.LastUsed, _ = time.Parse(usage.TimestampLayout, last)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("iterate project statistics", err)
	}
	return out, nil
}

func scanTotals(row scanner) (usage.Totals, error) {
	var t usage.Totals
	err := row.Scan(&t.InputTokens, &t.OutputTokens, &t.CacheCreationTokens, &t.CacheReadTokens,
		&t.TotalTokens, &t.Cost, &t.Sessions, &t.Requests, &t.Entries)
	return t, err
}

func checkTotals(what string, t usage.Totals) error {
	if t.InputTokens < 0 || t.OutputTokens < 0 || t.CacheCreationTokens < 0 || t.CacheReadTokens < 0 ||
		t.TotalTokens < 0 || t.Cost < 0 || t.Sessions < 0 || t.Requests < 0 || t.Entries < 0 {
		return usage.NewError(usage.ErrIntegrity, "read statistics", "", fmt.Errorf("negative values for %s", what))
	}
	return nil
}

// splitModels decodes the comma-joined models column.
func splitModels(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
