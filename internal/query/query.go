// Package query answers statistics requests from the aggregate store, and
// recomputes them from the source logs when the store has nothing to offer.
package query

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/tokentally/internal/aggregate"
	"github.com/marcus/tokentally/internal/dedup"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/pipeline"
	"github.com/marcus/tokentally/internal/scan"
	"github.com/marcus/tokentally/internal/store"
	"github.com/marcus/tokentally/internal/usage"
)

// Probe is the outcome of checking the store for usable statistics.
type Probe int

const (
	NoData Probe = iota
	HasData
	ProbeFailed
)

func (p Probe) String() string {
	switch p {
	case HasData:
		return "has-data"
	case ProbeFailed:
		return "error"
	default:
		return "no-data"
	}
}

// Action is what GetStatistics does with a probe outcome.
type Action int

const (
	UseStore Action = iota
	UseFallback
	Propagate
)

func (a Action) String() string {
	switch a {
	case UseFallback:
		return "fallback"
	case Propagate:
		return "propagate"
	default:
		return "store"
	}
}

// Decide maps a probe outcome onto an action. Only read failures the store
// could recover from fall back; integrity failures always propagate.
func Decide(p Probe, err error) Action {
	switch p {
	case HasData:
		return UseStore
	case NoData:
		return UseFallback
	}
	if usage.IsRecoverableRead(err) {
		return UseFallback
	}
	return Propagate
}

// Service serves statistics. A nil store is treated as unreachable.
type Service struct {
	store   *store.Store
	parser  *pipeline.Parser
	root    string
	loc     *time.Location
	nowFunc func() time.Time
	workers int
	log     *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone that defines calendar days for ranges.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the clock used to place range cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// WithWorkers bounds how many source files the fallback parses at once.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New returns a Service reading st, and parsing files under root when it has
// to fall back.
func New(st *store.Store, parser *pipeline.Parser, root string, opts ...Option) *Service {
	s := &Service{
		store:   st,
		parser:  parser,
		root:    root,
		loc:     time.Local,
		nowFunc: time.Now,
		workers: runtime.GOMAXPROCS(0),
		log:     logging.Component("query"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetStatistics returns statistics for r, restricted to project when it is
// non-empty. project matches a project path or display name.
func (s *Service) GetStatistics(ctx context.Context, r usage.TimeRange, project string) (usage.Statistics, error) {
	p, err := s.probe(ctx, project)
	action := Decide(p, err)
	s.log.DebugCtx("statistics requested", map[string]any{
		"range":   string(r),
		"project": project,
		"probe":   p.String(),
		"action":  action.String(),
	})

	switch action {
	case Propagate:
		return usage.Statistics{}, err
	case UseStore:
		stats, err := s.fromStore(ctx, r, project)
		if err == nil {
			return stats, nil
		}
		if !usage.IsRecoverableRead(err) {
			return usage.Statistics{}, err
		}
		s.log.WarnCtx("store read failed, recomputing from source", map[string]any{"error": err.Error()})
	default:
		if err != nil {
			s.log.WarnCtx("store unavailable, recomputing from source", map[string]any{"error": err.Error()})
		}
	}
	return s.fromSource(ctx, r, project)
}

func (s *Service) probe(ctx context.Context, project string) (Probe, error) {
	if s.store == nil {
		return ProbeFailed, usage.NewError(usage.ErrStoreConnection, "probe", "", errors.New("store not open"))
	}

	var (
		ok  bool
		err error
	)
	if project != "" {
		ok, err = s.store.HasProjectEvents(ctx, project)
	} else {
		ok, err = s.store.HasAggregates(ctx)
	}
	switch {
	case err != nil:
		return ProbeFailed, err
	case ok:
		return HasData, nil
	default:
		return NoData, nil
	}
}

// fromStore reads the materialized tables. Project-filtered requests have no
// materialized form, and tables regenerated on an earlier day cover the wrong
// window, so both aggregate stored events in memory instead.
func (s *Service) fromStore(ctx context.Context, r usage.TimeRange, project string) (usage.Statistics, error) {
	now := s.nowFunc()
	since, _ := r.CutoffDate(now, s.loc)

	inMemory := project != ""
	if !inMemory {
		built, ok, err := s.store.RangeCutoff(ctx, r)
		if err != nil {
			return usage.Statistics{}, err
		}
		if !ok || built != since {
			s.log.DebugCtx("range tables out of date, aggregating stored events", map[string]any{
				"range": string(r),
				"built": built,
				"since": since,
			})
			inMemory = true
		}
	}

	if inMemory {
		events, err := s.store.Events(ctx, store.EventFilter{Project: project, Since: since})
		if err != nil {
			return usage.Statistics{}, err
		}
		stats := aggregate.Compute(events, r, now, s.loc)
		stats.Project = project
		stats.Source = usage.SourceStore
		return stats, nil
	}

	stats := usage.Statistics{TimeRange: r, Source: usage.SourceStore, GeneratedAt: now}
	var g errgroup.Group
	g.Go(func() error {
		t, err := s.store.RangeTotals(ctx, r)
		stats.Totals = t
		return err
	})
	g.Go(func() error {
		days, err := s.store.DailyStats(ctx, since)
		stats.Daily = days
		return err
	})
	g.Go(func() error {
		models, err := s.store.ModelStats(ctx, r)
		stats.Models = models
		return err
	})
	g.Go(func() error {
		projects, err := s.store.ProjectStats(ctx, r)
		stats.Projects = projects
		return err
	})
	if err := g.Wait(); err != nil {
		return usage.Statistics{}, err
	}
	return stats, nil
}

// fromSource parses every source file without persisting anything. Files
// are parsed concurrently but merged in path order, so the surviving copy of
// a duplicate is the one a full sync would keep.
func (s *Service) fromSource(ctx context.Context, r usage.TimeRange, project string) (usage.Statistics, error) {
	files, err := scan.Discover(s.root)
	if err != nil {
		return usage.Statistics{}, err
	}

	parsed := make([][]usage.Event, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, src := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := s.parser.ParseFile(src, dedup.New())
			if err != nil {
				s.log.WarnCtx("skipping unreadable file", map[string]any{"file": src.Path, "error": err.Error()})
				return nil
			}
			parsed[i] = out.Events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return usage.Statistics{}, err
	}

	var all []usage.Event
	for _, events := range parsed {
		all = append(all, events...)
	}
	all = dedup.Filter(all)

	if project != "" {
		kept := all[:0]
		for _, e := range all {
			if e.ProjectPath == project || e.ProjectName == project {
				kept = append(kept, e)
			}
		}
		all = kept
	}

	stats := aggregate.Compute(all, r, s.nowFunc(), s.loc)
	stats.Project = project
	stats.Source = usage.SourceFallback
	s.log.DebugCtx("statistics recomputed from source", map[string]any{"files": len(files), "events": len(all)})
	return stats, nil
}
