package aggregate

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/store"
	"github.com/marcus/tokentally/internal/usage"
)

var fixedNow = time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	database, err := db.Open(filepath.Join(t.TempDir(), "tokentally.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return store.New(database)
}

type spec struct {
	daysAgo int
	model   string
	session string
	project string
	input   int64
	output  int64
	cost    float64
}

// fixture builds one file's events; every event is unkeyed so none collide.
func fixture(file string, specs []spec) []usage.Event {
	events := make([]usage.Event, 0, len(specs))
	for i, s := range specs {
		ts := fixedNow.AddDate(0, 0, -s.daysAgo).Add(-time.Duration(i) * time.Minute)
		e := usage.Event{
			Timestamp:    ts,
			Date:         ts.Format(usage.DateLayout),
			Model:        s.model,
			InputTokens:  s.input,
			OutputTokens: s.output,
			Cost:         s.cost,
			SessionID:    s.session,
			SourceFile:   file,
			SourceLine:   i + 1,
			DedupKey:     fmt.Sprintf("line-%s-%d", filepath.Base(file), i+1),
		}
		if s.project != "" {
			e.ProjectPath = "-Users-dev-" + s.project
			e.ProjectName = s.project
		}
		events = append(events, e)
	}
	return events
}

func sampleEvents() [][]usage.Event {
	a := fixture("/root/a.jsonl", []spec{
		{0, "claude-sonnet-4", "s1", "app", 100, 50, 0.00105},
		{0, usage.NoModel, "s1", "app", 0, 0, 0},
		{0, usage.NoModel, "s2", "app", 0, 0, 0},
		{3, "claude-opus-4", "s3", "app", 10, 10, 0.0009},
		{20, "claude-haiku-4-5", "s4", "app", 1000, 0, 0.001},
	})
	b := fixture("/root/b.jsonl", []spec{
		{1, "claude-sonnet-4", "unknown", "api", 200, 100, 0.0021},
		{40, "claude-sonnet-4", "s5", "api", 5, 5, 0.00009},
		{2, "claude-sonnet-4", "s6", "", 1, 1, 0.000018},
	})
	return [][]usage.Event{a, b}
}

func populate(t *testing.T, s *store.Store) {
	t.Helper()
	for _, events := range sampleEvents() {
		rec := usage.FileRecord{FilePath: events[0].SourceFile, ContentHash: "h"}
		if _, err := s.ReplaceFileEvents(context.Background(), rec, events, 0); err != nil {
			t.Fatalf("populate: %v", err)
		}
	}
}

func TestRegenerate(t *testing.T) {
	s := openTestStore(t)
	populate(t, s)
	ctx := context.Background()

	eng := New(s.DB(), WithClock(func() time.Time { return fixedNow }), WithLocation(time.UTC))
	res, err := eng.Regenerate(ctx)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	// Days: today, -1, -2, -3, -20, -40.
	if res.Days != 6 || res.Models != 3 || res.Projects != 2 {
		t.Errorf("Result = %+v", res)
	}

	all, err := s.RangeTotals(ctx, usage.RangeAll)
	if err != nil {
		t.Fatal(err)
	}
	if all.Entries != 8 || all.Requests != 6 {
		t.Errorf("all entries/requests = %d/%d, want 8/6", all.Entries, all.Requests)
	}
	// s1..s6; "unknown" never counts, zero-usage s2 does.
	if all.Sessions != 6 {
		t.Errorf("all sessions = %d, want 6", all.Sessions)
	}

	week, err := s.RangeTotals(ctx, usage.RangeLast7Days)
	if err != nil {
		t.Fatal(err)
	}
	if week.Entries != 6 || week.Sessions != 4 {
		t.Errorf("week = %+v, want 6 entries, 4 sessions", week)
	}

	models, err := s.ModelStats(ctx, usage.RangeAll)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range models {
		if m.Model == usage.NoModel {
			t.Errorf("placeholder model %q must not have statistics", m.Model)
		}
	}

	days, err := s.DailyStats(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	today := days[len(days)-1]
	if today.Date != "2025-06-15" || !reflect.DeepEqual(today.Models, []string{"claude-sonnet-4"}) || today.Sessions != 2 {
		t.Errorf("today = %+v", today)
	}

	projects, err := s.ProjectStats(ctx, usage.RangeAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Fatalf("projects = %+v", projects)
	}
	for _, p := range projects {
		if p.ProjectName == "app" && (p.ModelCount != 3 || p.Entries != 5) {
			t.Errorf("app = %+v", p)
		}
	}
}

func TestRegenerateReplacesPreviousRows(t *testing.T) {
	s := openTestStore(t)
	populate(t, s)
	ctx := context.Background()
	eng := New(s.DB(), WithClock(func() time.Time { return fixedNow }), WithLocation(time.UTC))

	if _, err := eng.Regenerate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteFile(ctx, "/root/b.jsonl"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Regenerate(ctx); err != nil {
		t.Fatal(err)
	}

	projects, err := s.ProjectStats(ctx, usage.RangeAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].ProjectName != "app" {
		t.Errorf("stale project rows survived: %+v", projects)
	}
	all, _ := s.RangeTotals(ctx, usage.RangeAll)
	if all.Entries != 5 {
		t.Errorf("entries = %d, want 5", all.Entries)
	}
}

func TestStaleAfterDayChange(t *testing.T) {
	s := openTestStore(t)
	populate(t, s)
	ctx := context.Background()

	now := fixedNow
	eng := New(s.DB(), WithClock(func() time.Time { return now }), WithLocation(time.UTC))

	if stale, err := eng.Stale(ctx); err != nil || !stale {
		t.Fatalf("never regenerated: stale = %v, err = %v", stale, err)
	}
	if _, err := eng.Regenerate(ctx); err != nil {
		t.Fatal(err)
	}
	since, ok, err := s.RangeCutoff(ctx, usage.RangeLast7Days)
	if err != nil || !ok || since != "2025-06-09" {
		t.Errorf("RangeCutoff = %q, %v, %v", since, ok, err)
	}

	now = fixedNow.Add(7 * time.Hour)
	if stale, err := eng.Stale(ctx); err != nil || !stale {
		t.Errorf("next day: stale = %v, err = %v", stale, err)
	}
	now = fixedNow.Add(time.Hour)
	if stale, err := eng.Stale(ctx); err != nil || stale {
		t.Errorf("same day: stale = %v, err = %v", stale, err)
	}
}

func TestRegenerateEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := New(s.DB()).Regenerate(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err := s.HasAggregates(ctx)
	if err != nil || ok {
		t.Errorf("empty regenerate should leave no aggregates: %v, %v", ok, err)
	}
}

func TestComputeMatchesStore(t *testing.T) {
	s := openTestStore(t)
	populate(t, s)
	ctx := context.Background()

	eng := New(s.DB(), WithClock(func() time.Time { return fixedNow }), WithLocation(time.UTC))
	if _, err := eng.Regenerate(ctx); err != nil {
		t.Fatal(err)
	}

	var events []usage.Event
	for _, f := range sampleEvents() {
		events = append(events, f...)
	}

	for _, r := range usage.TimeRanges {
		t.Run(string(r), func(t *testing.T) {
			mem := Compute(events, r, fixedNow, time.UTC)

			totals, err := s.RangeTotals(ctx, r)
			if err != nil {
				t.Fatal(err)
			}
			assertTotals(t, "totals", mem.Totals, totals)

			since, _ := r.CutoffDate(fixedNow, time.UTC)
			days, err := s.DailyStats(ctx, since)
			if err != nil {
				t.Fatal(err)
			}
			if len(days) != len(mem.Daily) {
				t.Fatalf("daily rows: store %d, memory %d", len(days), len(mem.Daily))
			}
			for i := range days {
				if days[i].Date != mem.Daily[i].Date || !reflect.DeepEqual(days[i].Models, mem.Daily[i].Models) {
					t.Errorf("day %d: store %+v, memory %+v", i, days[i], mem.Daily[i])
				}
				assertTotals(t, "day "+days[i].Date, mem.Daily[i].Totals, days[i].Totals)
			}

			models, err := s.ModelStats(ctx, r)
			if err != nil {
				t.Fatal(err)
			}
			if len(models) != len(mem.Models) {
				t.Fatalf("model rows: store %d, memory %d", len(models), len(mem.Models))
			}
			for i := range models {
				if models[i].Model != mem.Models[i].Model {
					t.Errorf("model order %d: store %s, memory %s", i, models[i].Model, mem.Models[i].Model)
				}
				assertTotals(t, "model "+models[i].Model, mem.Models[i].Totals, models[i].Totals)
			}

			projects, err := s.ProjectStats(ctx, r)
			if err != nil {
				t.Fatal(err)
			}
			if len(projects) != len(mem.Projects) {
				t.Fatalf("project rows: store %d, memory %d", len(projects), len(mem.Projects))
			}
			for i := range projects {
				p, m := projects[i], mem.Projects[i]
				if p.ProjectPath != m.ProjectPath || p.ProjectName != m.ProjectName || p.ModelCount != m.ModelCount {
					t.Errorf("project %d: store %+v, memory %+v", i, p, m)
				}
				if !p.FirstUsed.Equal(m.FirstUsed) || !p.LastUsed.Equal(m.LastUsed) {
					t.Errorf("project %s span: store %v..%v, memory %v..%v", p.ProjectPath, p.FirstUsed, p.LastUsed, m.FirstUsed, m.LastUsed)
				}
				assertTotals(t, "project "+p.ProjectPath, m.Totals, p.Totals)
			}
		})
	}
}

func TestComputeExampleSession(t *testing.T) {
	ts := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	events := []usage.Event{
		{Timestamp: ts, Date: "2025-06-15", Model: usage.NoModel, SessionID: "s1"},
		{Timestamp: ts, Date: "2025-06-15", Model: "claude-sonnet-4", SessionID: "s1", InputTokens: 100, OutputTokens: 50, Cost: 0.00105},
	}
	stats := Compute(events, usage.RangeAll, fixedNow, time.UTC)
	if stats.Totals.Entries != 2 || stats.Totals.Sessions != 1 || stats.Totals.Requests != 1 {
		t.Errorf("totals = %+v", stats.Totals)
	}
	if math.Abs(stats.Totals.Cost-0.00105) > 1e-12 {
		t.Errorf("cost = %v", stats.Totals.Cost)
	}
	if len(stats.Models) != 1 || stats.Models[0].Sessions != 1 {
		t.Errorf("models = %+v", stats.Models)
	}
}

func assertTotals(t *testing.T, what string, want, got usage.Totals) {
	t.Helper()
	if math.Abs(want.Cost-got.Cost) > 1e-9 {
		t.Errorf("%s cost: want %v, got %v", what, want.Cost, got.Cost)
	}
	want.Cost, got.Cost = 0, 0
	if want != got {
		t.Errorf("%s: want %+v, got %+v", what, want, got)
	}
}
