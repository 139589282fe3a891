package aggregate

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/marcus/tokentally/internal/usage"
)

// bucket accumulates one grouping. Sessions are distinct-valued, so they are
// collected as a set and counted at the end.
type bucket struct {
	totals   usage.Totals
	sessions map[string]struct{}
	models   map[string]struct{}
	name     string
	first    time.Time
	last     time.Time
}

func newBucket() *bucket {
	return &bucket{sessions: map[string]struct{}{}, models: map[string]struct{}{}}
}

func (b *bucket) add(e usage.Event) {
	b.totals.Add(e)
	if e.HasSession() {
		b.sessions[e.SessionID] = struct{}{}
	}
	if e.Billable() {
		b.models[e.Model] = struct{}{}
	}
	if e.ProjectName > b.name {
		b.name = e.ProjectName
	}
	ts := e.Timestamp.UTC().Truncate(time.Millisecond)
	if b.first.IsZero() || ts.Before(b.first) {
		b.first = ts
	}
	if ts.After(b.last) {
		b.last = ts
	}
}

func (b *bucket) result() usage.Totals {
	t := b.totals
	t.Sessions = int64(len(b.sessions))
	return t
}

func (b *bucket) modelList() []string {
	if len(b.models) == 0 {
		return nil
	}
	models := lo.Keys(b.models)
	sort.Strings(models)
	return models
}

// Compute aggregates events for r exactly as Regenerate followed by a store
// read would: same range window, same grouping, same ordering.
func Compute(events []usage.Event, r usage.TimeRange, now time.Time, loc *time.Location) usage.Statistics {
	if loc == nil {
		loc = time.Local
	}
	stats := usage.Statistics{TimeRange: r, GeneratedAt: now}

	overall := newBucket()
	days := map[string]*bucket{}
	models := map[string]*bucket{}
	projects := map[string]*bucket{}

	for _, e := range events {
		if !r.Includes(e.Date, now, loc) {
			continue
		}
		overall.add(e)
		get(days, e.Date).add(e)
		if e.Billable() {
			get(models, e.Model).add(e)
		}
		if e.ProjectPath != "" {
			get(projects, e.ProjectPath).add(e)
		}
	}

	stats.Totals = overall.result()

	for _, date := range lo.Keys(days) {
		b := days[date]
		stats.Daily = append(stats.Daily, usage.DailyStat{Date: date, Models: b.modelList(), Totals: b.result()})
	}
	sort.Slice(stats.Daily, func(i, j int) bool { return stats.Daily[i].Date < stats.Daily[j].Date })

	for _, model := range lo.Keys(models) {
		stats.Models = append(stats.Models, usage.ModelStat{Model: model, Totals: models[model].result()})
	}
	sort.Slice(stats.Models, func(i, j int) bool {
		a, b := stats.Models[i], stats.Models[j]
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.Model < b.Model
	})

	for _, path := range lo.Keys(projects) {
		b := projects[path]
		stats.Projects = append(stats.Projects, usage.ProjectStat{
			ProjectPath: path,
			ProjectName: b.name,
			FirstUsed:   b.first,
			LastUsed:    b.last,
			ModelCount:  len(b.models),
			Totals:      b.result(),
		})
	}
	sort.Slice(stats.Projects, func(i, j int) bool {
		a, b := stats.Projects[i], stats.Projects[j]
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.ProjectPath < b.ProjectPath
	})

	return stats
}

func get(m map[string]*bucket, key string) *bucket {
	b, ok := m[key]
	if !ok {
		b = newBucket()
		m[key] = b
	}
	return b
}
