package usage

import (
	"fmt"
	"strings"
	"time"
)

// TimeRange is a dimension along which aggregates are materialized.
type TimeRange string

const (
	RangeAll        TimeRange = "all"
	RangeLast7Days  TimeRange = "last-7-days"
	RangeLast30Days TimeRange = "last-30-days"
)

// TimeRanges lists every materialized range.
var TimeRanges = []TimeRange{RangeAll, RangeLast7Days, RangeLast30Days}

// ParseTimeRange accepts the canonical names plus short aliases.
func ParseTimeRange(s string) (TimeRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return RangeAll, nil
	case "last-7-days", "last-7d", "7d", "week":
		return RangeLast7Days, nil
	case "last-30-days", "last-30d", "30d", "month":
		return RangeLast30Days, nil
	default:
		return "", fmt.Errorf("invalid time range %q (use all, last-7-days, last-30-days)", s)
	}
}

// Days returns the window length, or 0 for RangeAll.
func (r TimeRange) Days() int {
	switch r {
	case RangeLast7Days:
		return 7
	case RangeLast30Days:
		return 30
	}
	return 0
}

// CutoffDate returns the earliest included date string. The window covers
// Days() calendar days in loc, today included. ok is false for RangeAll.
func (r TimeRange) CutoffDate(now time.Time, loc *time.Location) (date string, ok bool) {
	days := r.Days()
	if days == 0 {
		return "", false
	}
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).AddDate(0, 0, -(days - 1)).Format(DateLayout), true
}

// Includes reports whether an event dated date falls inside the window.
func (r TimeRange) Includes(date string, now time.Time, loc *time.Location) bool {
	cutoff, ok := r.CutoffDate(now, loc)
	return !ok || date >= cutoff
}

// Source names where a Statistics payload was computed.
type Source string

const (
	SourceStore    Source = "store"
	SourceFallback Source = "fallback"
)

// Totals holds summed usage for one grouping.
type Totals struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	Cost                float64 `json:"cost"`
	Sessions            int64   `json:"sessions"`
	Requests            int64   `json:"requests"`
	Entries             int64   `json:"entries"`
}

// Add accumulates the token and cost fields of e. Session counts are
// distinct-valued and must be computed by the caller.
func (t *Totals) Add(e Event) {
	t.InputTokens += e.InputTokens
	t.OutputTokens += e.OutputTokens
	t.CacheCreationTokens += e.CacheCreationTokens
	t.CacheReadTokens += e.CacheReadTokens
	t.TotalTokens += e.TotalTokens()
	t.Cost += e.Cost
	t.Entries++
	if e.HasUsage() {
		t.Requests++
	}
}

// DailyStat is one row of per-day statistics.
type DailyStat struct {
	Date   string   `json:"date"`
	Models []string `json:"models,omitempty"`
	Totals
}

// ModelStat is one row of per-model statistics.
type ModelStat struct {
	Model string `json:"model"`
	Totals
}

// ProjectStat is one row of per-project statistics.
type ProjectStat struct {
	ProjectPath string    `json:"project_path"`
	ProjectName string    `json:"project_name"`
	FirstUsed   time.Time `json:"first_used"`
	LastUsed    time.Time `json:"last_used"`
	ModelCount  int       `json:"model_count"`
	Totals
}

// Statistics is the payload returned to callers of the query service.
type Statistics struct {
	TimeRange   TimeRange     `json:"time_range"`
	Project     string        `json:"project,omitempty"`
	Source      Source        `json:"source"`
	GeneratedAt time.Time     `json:"generated_at"`
	Totals      Totals        `json:"totals"`
	Daily       []DailyStat   `json:"daily,omitempty"`
	Models      []ModelStat   `json:"models,omitempty"`
	Projects    []ProjectStat `json:"projects,omitempty"`
}
