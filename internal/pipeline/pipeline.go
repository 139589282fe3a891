// Package pipeline runs full and incremental syncs: it discovers session
// logs, decides which need ingesting, replaces their events in the store and
// regenerates statistics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/tokentally/internal/aggregate"
	"github.com/marcus/tokentally/internal/dedup"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/scan"
	"github.com/marcus/tokentally/internal/store"
	"github.com/marcus/tokentally/internal/tracker"
	"github.com/marcus/tokentally/internal/usage"
)

// Mode selects which files a run processes.
type Mode string

const (
	// ModeFull processes every discovered file.
	ModeFull Mode = "full"
	// ModeIncremental processes only new, changed and interrupted files.
	ModeIncremental Mode = "incremental"
)

// ParseMode accepts "full" and "incremental".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid sync mode %q (use full or incremental)", s)
}

// maxRequeues bounds how often one file is reprocessed to restore released
// duplicates within a single run.
const maxRequeues = 3

// FileError is a per-file failure reported in a Summary.
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Summary reports one sync run. Partial failures are counted here instead of
// failing the run.
type Summary struct {
	RunID          string         `json:"run_id"`
	Mode           Mode           `json:"mode"`
	Status         string         `json:"status"`
	FilesScanned   int            `json:"files_scanned"`
	FilesProcessed int            `json:"files_processed"`
	FilesSkipped   int            `json:"files_skipped"`
	FilesFailed    int            `json:"files_failed"`
	UpdatedFiles   int            `json:"updated_files"`
	RemovedFiles   int            `json:"removed_files"`
	NewEntries     int64          `json:"new_entries"`
	RemovedEntries int64          `json:"removed_entries"`
	SkippedEntries int            `json:"skipped_entries"`
	ParseErrors    int            `json:"parse_errors"`
	Errors         []FileError    `json:"errors,omitempty"`
	UnpricedModels map[string]int `json:"unpriced_models,omitempty"`
	Aggregated     bool           `json:"aggregated"`
	Duration       time.Duration  `json:"duration"`
}

// Changed reports whether the run added or removed any event.
func (s Summary) Changed() bool {
	return s.NewEntries > 0 || s.RemovedEntries > 0
}

func (s *Summary) fail(path string, err error) {
	s.FilesFailed++
	s.Errors = append(s.Errors, FileError{Path: path, Err: err.Error()})
}

// Config holds Syncer settings.
type Config struct {
	Root      string
	BatchSize int
}

// Syncer runs syncs against one store. At most one run is active at a time.
type Syncer struct {
	store     *store.Store
	agg       *aggregate.Engine
	parser    *Parser
	root      string
	batchSize int
	log       *logging.Logger

	running  sync.Mutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New returns a Syncer.
func New(st *store.Store, agg *aggregate.Engine, parser *Parser, cfg Config) *Syncer {
	return &Syncer{
		store:     st,
		agg:       agg,
		parser:    parser,
		root:      cfg.Root,
		batchSize: cfg.BatchSize,
		log:       logging.Component("pipeline"),
	}
}

// Root returns the directory the Syncer scans.
func (s *Syncer) Root() string {
	return s.root
}

// Cancel asks the active run to stop at the next file boundary. It reports
// whether a run was active.
func (s *Syncer) Cancel() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Running reports whether a run is active.
func (s *Syncer) Running() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancel != nil
}

// Run performs one sync. It returns usage.ErrSyncInProgress without waiting
// if another run is active, and usage.ErrCancelled with the partial summary
// if cancelled. Store failures abort the run; file failures do not.
func (s *Syncer) Run(ctx context.Context, mode Mode) (Summary, error) {
	if !s.running.TryLock() {
		return Summary{}, usage.ErrSyncInProgress
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.cancel = nil
		s.cancelMu.Unlock()
		cancel()
	}()

	start := time.Now()
	sum := Summary{
		RunID:          uuid.NewString(),
		Mode:           mode,
		UnpricedModels: map[string]int{},
	}
	// Work that must finish even after a cancellation request.
	bg := context.WithoutCancel(ctx)

	// A previous run that did not complete may have changed events without
	// regenerating statistics.
	stale := false
	if last, err := s.store.LastRun(bg); err != nil {
		return sum, err
	} else if last != nil && last.Status != store.RunCompleted {
		stale = true
	}
	// Ranged tables built on an earlier day have windows that no longer
	// match today's.
	if !stale {
		old, err := s.agg.Stale(bg)
		if err != nil {
			return sum, err
		}
		stale = old
	}

	if err := s.store.StartRun(bg, sum.RunID, string(mode), start); err != nil {
		return sum, err
	}
	s.log.InfoCtx("sync started", map[string]any{"run": sum.RunID, "mode": mode, "root": s.root})

	runErr := s.run(ctx, mode, &sum)

	if (sum.Changed() || stale) && !errors.Is(runErr, usage.ErrStoreConnection) && !errors.Is(runErr, usage.ErrIntegrity) {
		if _, err := s.agg.Regenerate(bg); err != nil {
			runErr = errors.Join(runErr, err)
		} else {
			sum.Aggregated = true
		}
	}

	for model, n := range sum.UnpricedModels {
		s.log.WarnCtx("model has no pricing entry", map[string]any{"model": model, "events": n})
	}

	sum.Duration = time.Since(start)
	switch {
	case runErr == nil:
		sum.Status = store.RunCompleted
	case errors.Is(runErr, usage.ErrCancelled):
		sum.Status = store.RunCancelled
	default:
		sum.Status = store.RunFailed
	}
	finished := time.Now()
	run := store.Run{
		ID:             sum.RunID,
		Status:         sum.Status,
		FinishedAt:     &finished,
		FilesScanned:   sum.FilesScanned,
		FilesProcessed: sum.FilesProcessed,
		FilesSkipped:   sum.FilesSkipped,
		FilesFailed:    sum.FilesFailed,
		RemovedFiles:   sum.RemovedFiles,
		NewEntries:     sum.NewEntries,
		SkippedEntries: sum.SkippedEntries,
		ParseErrors:    sum.ParseErrors,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.store.FinishRun(bg, run); err != nil {
		runErr = errors.Join(runErr, err)
	}

	fields := map[string]any{
		"run":       sum.RunID,
		"status":    sum.Status,
		"scanned":   sum.FilesScanned,
		"processed": sum.FilesProcessed,
		"skipped":   sum.FilesSkipped,
		"failed":    sum.FilesFailed,
		"removed":   sum.RemovedFiles,
		"entries":   sum.NewEntries,
		"duration":  sum.Duration.String(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		s.log.ErrorCtx("sync finished with error", fields)
	} else {
		s.log.InfoCtx("sync finished", fields)
	}
	return sum, runErr
}

// run does the scanning and per-file work of one sync.
func (s *Syncer) run(ctx context.Context, mode Mode, sum *Summary) error {
	bg := context.WithoutCancel(ctx)

	files, err := scan.Discover(s.root)
	if err != nil {
		return err
	}
	sum.FilesScanned = len(files)

	records, err := s.store.Files(bg, "")
	if err != nil {
		return err
	}
	tr := tracker.New(records)

	present := make(map[string]bool, len(files))
	position := make(map[string]int, len(files))
	for i, f := range files {
		present[f.Path] = true
		position[f.Path] = i
	}

	q := newQueue(position)

	for _, path := range tr.Vanished(present) {
		if err := cancelled(ctx); err != nil {
			return err
		}
		res, err := s.store.DeleteFile(bg, path)
		if err != nil {
			return err
		}
		sum.RemovedFiles++
		sum.RemovedEntries += res.Removed
		s.log.DebugCtx("removed vanished file", map[string]any{"file": path, "entries": res.Removed})
		q.release(res.Reprocess, -1)
	}

	for i, src := range files {
		if err := cancelled(ctx); err != nil {
			return err
		}

		fp, err := tracker.Compute(src.Path)
		if err != nil {
			s.fileFailed(sum, src.Path, err)
			if err := s.store.MarkFailed(bg, record(src, tracker.Fingerprint{}), err); err != nil {
				return err
			}
			continue
		}

		change := tr.Classify(src.Path, fp)
		if q.forced[src.Path] {
			delete(q.forced, src.Path)
			if change == tracker.Unchanged {
				change = tracker.Changed
			}
		} else if mode == ModeIncremental && !change.NeedsProcessing() {
			sum.FilesSkipped++
			continue
		}

		reprocess, err := s.processFile(bg, sum, src, change)
		if err != nil {
			return err
		}
		q.release(reprocess, i)
	}

	// Files already passed that hold duplicates released later in the run.
	for len(q.followUp) > 0 {
		if err := cancelled(ctx); err != nil {
			return err
		}
		path := q.followUp[0]
		q.followUp = q.followUp[1:]
		delete(q.queued, path)

		reprocess, err := s.processFile(bg, sum, files[position[path]], tracker.Changed)
		if err != nil {
			return err
		}
		q.release(reprocess, len(files))
	}
	return nil
}

// processFile ingests one file. It returns the files whose suppressed
// duplicates the new content released. Only store errors are returned.
func (s *Syncer) processFile(ctx context.Context, sum *Summary, src scan.SourceFile, change tracker.Change) ([]string, error) {
	fp := tracker.Fingerprint{Size: src.Size, ModTime: src.ModTime}
	if err := s.store.MarkProcessing(ctx, record(src, fp)); err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseFile(src, dedup.New())
	if err != nil {
		s.fileFailed(sum, src.Path, err)
		if err := s.store.MarkFailed(ctx, record(src, fp), err); err != nil {
			return nil, err
		}
		return nil, nil
	}

	res, err := s.store.ReplaceFileEvents(ctx, record(src, parsed.Fingerprint), parsed.Events, s.batchSize)
	if err != nil {
		return nil, err
	}

	sum.FilesProcessed++
	if change == tracker.Changed || change == tracker.Interrupted {
		sum.UpdatedFiles++
	}
	sum.NewEntries += res.Inserted
	sum.RemovedEntries += res.Removed
	sum.SkippedEntries += parsed.Rejected + parsed.Duplicates + res.Suppressed
	sum.ParseErrors += parsed.ParseErrors
	for model, n := range parsed.Unpriced {
		sum.UnpricedModels[model] += n
	}

	s.log.DebugCtx("file processed", map[string]any{
		"file":     src.Path,
		"change":   change.String(),
		"inserted": res.Inserted,
		"removed":  res.Removed,
		"rejected": parsed.Rejected,
		"errors":   parsed.ParseErrors,
	})
	return res.Reprocess, nil
}

func (s *Syncer) fileFailed(sum *Summary, path string, err error) {
	sum.fail(path, err)
	s.log.WarnCtx("file failed", map[string]any{"file": path, "error": err.Error()})
}

// queue tracks files that must be reprocessed because a duplicate they hold
// was released by another file.
type queue struct {
	position map[string]int
	// forced files are still ahead in the main loop and will be processed when
	// the main loop reaches them.
	forced   map[string]bool
	followUp []string
	queued   map[string]bool
	requeues map[string]int
}

func newQueue(position map[string]int) *queue {
	return &queue{
		position: position,
		forced:   map[string]bool{},
		queued:   map[string]bool{},
		requeues: map[string]int{},
	}
}

// release schedules paths, released while processing the file at index at.
// Files still ahead of at are forced; the rest are processed after the main
// loop.
func (q *queue) release(paths []string, at int) {
	for _, p := range paths {
		i, ok := q.position[p]
		if !ok {
			continue
		}
		if i > at {
			q.forced[p] = true
			continue
		}
		if q.queued[p] || q.requeues[p] >= maxRequeues {
			continue
		}
		q.requeues[p]++
		q.queued[p] = true
		q.followUp = append(q.followUp, p)
	}
	sort.SliceStable(q.followUp, func(i, j int) bool { return q.position[q.followUp[i]] < q.position[q.followUp[j]] })
}

func cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return usage.ErrCancelled
	}
	return nil
}
