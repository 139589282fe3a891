package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/marcus/tokentally/internal/aggregate"
	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/dedup"
	"github.com/marcus/tokentally/internal/normalize"
	"github.com/marcus/tokentally/internal/pricing"
	"github.com/marcus/tokentally/internal/scan"
	"github.com/marcus/tokentally/internal/store"
	"github.com/marcus/tokentally/internal/tracker"
	"github.com/marcus/tokentally/internal/usage"
)

var fixedNow = time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)

type env struct {
	root   string
	store  *store.Store
	syncer *Syncer
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	table, err := pricing.DefaultTable()
	if err != nil {
		t.Fatalf("pricing table: %v", err)
	}
	norm := normalize.New(normalize.WithLocation(time.UTC), normalize.WithClock(func() time.Time { return fixedNow }))
	return NewParser(norm, pricing.New(table))
}

// newEnv opens a fresh store that syncs from root.
func newEnv(t *testing.T, root string) *env {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	database, err := db.Open(filepath.Join(t.TempDir(), "tokentally.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	st := store.New(database)
	agg := aggregate.New(database, aggregate.WithLocation(time.UTC), aggregate.WithClock(func() time.Time { return fixedNow }))
	return &env{
		root:   root,
		store:  st,
		syncer: New(st, agg, newParser(t), Config{Root: root, BatchSize: 2}),
	}
}

func (e *env) run(t *testing.T, mode Mode) Summary {
	t.Helper()
	sum, err := e.syncer.Run(context.Background(), mode)
	if err != nil {
		t.Fatalf("%s sync: %v", mode, err)
	}
	return sum
}

func (e *env) count(t *testing.T) int64 {
	t.Helper()
	n, err := e.store.EventCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

type row struct {
	Key    string
	Model  string
	Tokens int64
	Cost   float64
	Source string
}

// snapshot returns the stored events in a comparable, order-free form.
func (e *env) snapshot(t *testing.T) []row {
	t.Helper()
	events, err := e.store.Events(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	rows := make([]row, 0, len(events))
	for _, ev := range events {
		rows = append(rows, row{ev.DedupKey, ev.Model, ev.TotalTokens(), ev.Cost, ev.SourceFile})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func assistant(session, msgID, reqID, model string, in, out int64, ts string) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":%q,"requestId":%q,"timestamp":%q,"message":{"id":%q,"model":%q,"usage":{"input_tokens":%d,"output_tokens":%d}}}`,
		session, reqID, ts, msgID, model, in, out)
}

func user(session, ts string) string {
	return fmt.Sprintf(`{"type":"user","sessionId":%q,"timestamp":%q}`, session, ts)
}

func writeLog(t *testing.T, root, project, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(root, project, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatal(err)
	}
}

func TestTwoLineSession(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "s1.jsonl",
		`{"sessionId":"s1","type":"user"}`,
		`{"sessionId":"s1","type":"assistant","message":{"model":"claude-4-sonnet","usage":{"input_tokens":100,"output_tokens":50}}}`,
	)
	e := newEnv(t, root)

	sum := e.run(t, ModeFull)
	if sum.NewEntries != 2 || sum.FilesProcessed != 1 || !sum.Aggregated {
		t.Fatalf("summary = %+v", sum)
	}

	totals, err := e.store.RangeTotals(context.Background(), usage.RangeAll)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Entries != 2 || totals.Sessions != 1 {
		t.Errorf("entries/sessions = %d/%d, want 2/1", totals.Entries, totals.Sessions)
	}
	want := 100/1e6*3.0 + 50/1e6*15.0
	if math.Abs(totals.Cost-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", totals.Cost, want)
	}
}

func TestFullSyncIdempotent(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl",
		user("s1", "2025-06-14T10:00:00Z"),
		assistant("s1", "m1", "r1", "claude-sonnet-4", 100, 50, "2025-06-14T10:00:01Z"),
		assistant("s1", "m2", "r2", "claude-opus-4", 10, 20, "2025-06-14T10:00:02Z"),
	)
	writeLog(t, root, "-Users-dev-api", "b.jsonl",
		assistant("s2", "m3", "r3", "claude-haiku-4-5", 1000, 10, "2025-06-13T09:00:00Z"),
	)
	e := newEnv(t, root)

	e.run(t, ModeFull)
	first := e.snapshot(t)
	models1, _ := e.store.ModelStats(context.Background(), usage.RangeAll)

	e.run(t, ModeFull)
	second := e.snapshot(t)
	models2, _ := e.store.ModelStats(context.Background(), usage.RangeAll)

	if len(first) != 4 {
		t.Fatalf("stored %d events, want 4", len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("events changed across full syncs:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(models1, models2) {
		t.Errorf("model statistics changed across full syncs")
	}
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	a := writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	writeLog(t, root, "-Users-dev-app", "b.jsonl", assistant("s2", "m2", "r2", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	e := newEnv(t, root)
	ctx := context.Background()

	e.run(t, ModeIncremental)
	before, err := e.store.File(ctx, a)
	if err != nil {
		t.Fatal(err)
	}

	sum := e.run(t, ModeIncremental)
	if sum.FilesSkipped != 2 || sum.FilesProcessed != 0 || sum.NewEntries != 0 || sum.RemovedEntries != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Aggregated {
		t.Error("an unchanged sync must not regenerate statistics")
	}

	after, err := e.store.File(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ProcessedAt.Equal(*before.ProcessedAt) {
		t.Error("unchanged file was reprocessed")
	}
}

func TestRegeneratesWhenDayChanges(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z"))
	t.Setenv("HOME", t.TempDir())
	database, err := db.Open(filepath.Join(t.TempDir(), "tokentally.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })

	now := fixedNow
	st := store.New(database)
	agg := aggregate.New(database, aggregate.WithLocation(time.UTC), aggregate.WithClock(func() time.Time { return now }))
	syncer := New(st, agg, newParser(t), Config{Root: root})
	ctx := context.Background()

	if _, err := syncer.Run(ctx, ModeIncremental); err != nil {
		t.Fatal(err)
	}
	sum, err := syncer.Run(ctx, ModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Aggregated {
		t.Error("same-day unchanged sync regenerated statistics")
	}

	now = fixedNow.AddDate(0, 0, 10)
	sum, err = syncer.Run(ctx, ModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesProcessed != 0 || !sum.Aggregated {
		t.Errorf("summary = %+v, want a regeneration without reprocessing", sum)
	}
	totals, err := st.RangeTotals(ctx, usage.RangeLast7Days)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Entries != 0 {
		t.Errorf("last-7-days entries = %d after the window moved past them", totals.Entries)
	}
}

func TestChangedFileReplaced(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "-Users-dev-app", "a.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"),
		assistant("s1", "m2", "r2", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:01Z"),
		assistant("s1", "m3", "r3", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:02Z"),
	)
	e := newEnv(t, root)
	e.run(t, ModeIncremental)

	writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m9", "r9", "claude-sonnet-4", 5, 5, "2025-06-14T11:00:00Z"))
	sum := e.run(t, ModeIncremental)

	if sum.UpdatedFiles != 1 || sum.RemovedEntries != 3 || sum.NewEntries != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if n := e.count(t); n != 1 {
		t.Errorf("EventCount = %d, want 1", n)
	}
	rec, _ := e.store.File(context.Background(), path)
	if rec.EntryCount != 1 || rec.Status != usage.StatusCompleted {
		t.Errorf("record = %+v", rec)
	}
}

func TestIncrementalEquivalentToFull(t *testing.T) {
	root := t.TempDir()
	a := writeLog(t, root, "-Users-dev-app", "a.jsonl",
		user("s1", "2025-06-10T10:00:00Z"),
		assistant("s1", "m1", "r1", "claude-sonnet-4", 100, 10, "2025-06-10T10:00:01Z"),
	)
	writeLog(t, root, "-Users-dev-app", "b.jsonl",
		assistant("s2", "m2", "r2", "claude-opus-4", 7, 7, "2025-06-11T10:00:00Z"),
	)
	gone := writeLog(t, root, "-Users-dev-old", "c.jsonl",
		assistant("s3", "m3", "r3", "claude-haiku-4-5", 3, 3, "2025-06-01T10:00:00Z"),
	)

	inc := newEnv(t, root)
	inc.run(t, ModeFull)

	appendLog(t, a, assistant("s1", "m4", "", "claude-sonnet-4", 1, 2, "2025-06-12T10:00:00Z"))
	writeLog(t, root, "-Users-dev-app", "b.jsonl", assistant("s2", "m5", "r5", "claude-opus-4", 9, 9, "2025-06-13T10:00:00Z"))
	writeLog(t, root, "-Users-dev-api", "d.jsonl", assistant("s4", "m6", "r6", "claude-sonnet-4", 4, 4, "2025-06-14T10:00:00Z"))
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	sum := inc.run(t, ModeIncremental)
	if sum.RemovedFiles != 1 || sum.FilesProcessed != 3 {
		t.Errorf("incremental summary = %+v", sum)
	}

	full := newEnv(t, root)
	full.run(t, ModeFull)

	if got, want := inc.snapshot(t), full.snapshot(t); !reflect.DeepEqual(got, want) {
		t.Errorf("incremental != full\nincremental: %+v\nfull:        %+v", got, want)
	}

	ctx := context.Background()
	incTotals, _ := inc.store.RangeTotals(ctx, usage.RangeAll)
	fullTotals, _ := full.store.RangeTotals(ctx, usage.RangeAll)
	if math.Abs(incTotals.Cost-fullTotals.Cost) > 1e-9 {
		t.Errorf("cost differs: %v vs %v", incTotals.Cost, fullTotals.Cost)
	}
	incTotals.Cost, fullTotals.Cost = 0, 0
	if incTotals != fullTotals {
		t.Errorf("totals differ: %+v vs %+v", incTotals, fullTotals)
	}
}

func TestReleasedDuplicateRestoredAhead(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z"),
		assistant("s1", "m2", "r2", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:01Z"),
	)
	writeLog(t, root, "-Users-dev-app", "b.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z"),
	)

	e := newEnv(t, root)
	sum := e.run(t, ModeFull)
	if n := e.count(t); n != 2 || sum.SkippedEntries != 1 {
		t.Fatalf("after full: %d events, summary %+v", n, sum)
	}

	writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m2", "r2", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:01Z"))
	sum = e.run(t, ModeIncremental)
	if sum.FilesProcessed != 2 {
		t.Errorf("b.jsonl should be reprocessed: %+v", sum)
	}

	full := newEnv(t, root)
	full.run(t, ModeFull)
	if got, want := e.snapshot(t), full.snapshot(t); !reflect.DeepEqual(got, want) {
		t.Errorf("incremental != full\nincremental: %+v\nfull:        %+v", got, want)
	}
}

func TestReleasedDuplicateRestoredBehind(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "z.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z"),
	)
	e := newEnv(t, root)
	e.run(t, ModeIncremental)

	// a.jsonl sorts first but arrives second, so its copy is suppressed.
	writeLog(t, root, "-Users-dev-app", "a.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z"),
	)
	e.run(t, ModeIncremental)
	if n := e.count(t); n != 1 {
		t.Fatalf("EventCount = %d, want 1", n)
	}

	writeLog(t, root, "-Users-dev-app", "z.jsonl", user("s1", "2025-06-14T11:00:00Z"))
	e.run(t, ModeIncremental)

	full := newEnv(t, root)
	full.run(t, ModeFull)
	if got, want := e.snapshot(t), full.snapshot(t); !reflect.DeepEqual(got, want) {
		t.Errorf("incremental != full\nincremental: %+v\nfull:        %+v", got, want)
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl",
		`{not json`,
		`{"type":"summary","summary":"Refactor"}`,
		``,
		assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"),
	)
	e := newEnv(t, root)

	sum := e.run(t, ModeFull)
	if sum.ParseErrors != 1 || sum.SkippedEntries != 1 || sum.NewEntries != 1 || sum.FilesFailed != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestUnreadableFileMarkedFailed(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "good.jsonl", assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	broken := filepath.Join(root, "-Users-dev-app", "broken.jsonl")
	if err := os.Symlink(filepath.Join(root, "missing-target"), broken); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	e := newEnv(t, root)

	sum, err := e.syncer.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("a failed file must not fail the run: %v", err)
	}
	if sum.FilesFailed != 1 || sum.FilesProcessed != 1 || sum.Status != store.RunCompleted {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Path != broken {
		t.Errorf("errors = %+v", sum.Errors)
	}

	failed, err := e.store.Files(context.Background(), usage.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].FilePath != broken || failed[0].LastError == "" {
		t.Errorf("failed records = %+v", failed)
	}
}

func TestVanishedFileRemoved(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	b := writeLog(t, root, "-Users-dev-app", "b.jsonl", assistant("s2", "m2", "r2", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	e := newEnv(t, root)
	e.run(t, ModeIncremental)

	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}
	sum := e.run(t, ModeIncremental)
	if sum.RemovedFiles != 1 || sum.RemovedEntries != 1 || !sum.Aggregated {
		t.Errorf("summary = %+v", sum)
	}
	if n := e.count(t); n != 1 {
		t.Errorf("EventCount = %d, want 1", n)
	}
	if rec, _ := e.store.File(context.Background(), b); rec != nil {
		t.Errorf("record for vanished file survived: %+v", rec)
	}
}

func TestInterruptedFileReprocessed(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "-Users-dev-app", "a.jsonl",
		assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"),
		assistant("s1", "m2", "r2", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:01Z"),
	)
	e := newEnv(t, root)
	e.run(t, ModeIncremental)

	if _, err := e.store.DB().SQL().Exec(`UPDATE jsonl_files SET processing_status = 'processing' WHERE file_path = ?`, path); err != nil {
		t.Fatal(err)
	}

	sum := e.run(t, ModeIncremental)
	if sum.FilesProcessed != 1 || sum.UpdatedFiles != 1 || sum.NewEntries != 2 || sum.RemovedEntries != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if n := e.count(t); n != 2 {
		t.Errorf("EventCount = %d, want 2", n)
	}
}

func TestDuplicatesWithinFile(t *testing.T) {
	root := t.TempDir()
	dup := assistant("s1", "m1", "r1", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:00Z")
	noReq := assistant("s1", "m2", "", "claude-sonnet-4", 10, 10, "2025-06-14T10:00:01Z")
	writeLog(t, root, "-Users-dev-app", "a.jsonl", dup, dup, noReq, noReq)
	e := newEnv(t, root)

	sum := e.run(t, ModeFull)
	// Only lines carrying both ids collapse.
	if sum.NewEntries != 3 || sum.SkippedEntries != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestCancelledRun(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "-Users-dev-app", "a.jsonl", assistant("s1", "m1", "r1", "claude-sonnet-4", 1, 1, "2025-06-14T10:00:00Z"))
	e := newEnv(t, root)

	if e.syncer.Cancel() {
		t.Error("Cancel with no active run should report false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := e.syncer.Run(ctx, ModeFull)
	if !errors.Is(err, usage.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if sum.Status != store.RunCancelled || sum.FilesProcessed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	last, err := e.store.LastRun(context.Background())
	if err != nil || last.Status != store.RunCancelled {
		t.Errorf("LastRun = %+v, %v", last, err)
	}

	sum = e.run(t, ModeIncremental)
	if sum.FilesProcessed != 1 || !sum.Aggregated {
		t.Errorf("run after cancel = %+v", sum)
	}
}

func TestSyncInProgress(t *testing.T) {
	e := newEnv(t, t.TempDir())

	e.syncer.running.Lock()
	_, err := e.syncer.Run(context.Background(), ModeIncremental)
	e.syncer.running.Unlock()

	if !errors.Is(err, usage.ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestParseFile(t *testing.T) {
	root := t.TempDir()
	path := writeLog(t, root, "-Users-dev-app", "a.jsonl",
		assistant("s1", "m1", "r1", "mystery-model-x", 10, 10, "2025-06-14T10:00:00Z"),
		assistant("s1", "m2", "r2", "claude-sonnet-4-20250514", 10, 10, "2025-06-14T10:00:01Z"),
	)
	src := scan.SourceFile{Path: path, ProjectPath: "-Users-dev-app", ProjectName: "app"}

	parsed, err := newParser(t).ParseFile(src, dedup.New())
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Events) != 2 || parsed.Lines != 2 {
		t.Fatalf("parsed = %+v", parsed)
	}
	if parsed.Events[1].Model != "claude-sonnet-4" || parsed.Events[1].Cost == 0 {
		t.Errorf("priced event = %+v", parsed.Events[1])
	}
	if parsed.Events[0].Cost != 0 || len(parsed.Unpriced) != 1 {
		t.Errorf("unknown model: event %+v, unpriced %v", parsed.Events[0], parsed.Unpriced)
	}
	if parsed.Events[0].DedupKey != "m1:r1" || parsed.Events[0].ProjectName != "app" {
		t.Errorf("event context = %+v", parsed.Events[0])
	}

	fp, err := tracker.Compute(path)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Fingerprint.Hash != fp.Hash || parsed.Fingerprint.Size != fp.Size {
		t.Errorf("parse fingerprint %+v != %+v", parsed.Fingerprint, fp)
	}

	if _, err := newParser(t).ParseFile(scan.SourceFile{Path: filepath.Join(root, "nope.jsonl")}, dedup.New()); !errors.Is(err, usage.ErrFileAccess) {
		t.Errorf("missing file: expected ErrFileAccess, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("full"); err != nil || m != ModeFull {
		t.Errorf("ParseMode(full) = %v, %v", m, err)
	}
	if _, err := ParseMode("partial"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
