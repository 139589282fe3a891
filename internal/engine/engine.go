// Package engine wires the store, ingestion pipeline, aggregation and query
// service into the operations exposed to the CLI and the daemon.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/tokentally/internal/aggregate"
	"github.com/marcus/tokentally/internal/config"
	"github.com/marcus/tokentally/internal/db"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/normalize"
	"github.com/marcus/tokentally/internal/pipeline"
	"github.com/marcus/tokentally/internal/pricing"
	"github.com/marcus/tokentally/internal/query"
	"github.com/marcus/tokentally/internal/store"
	"github.com/marcus/tokentally/internal/usage"
)

// Engine is the entry point to ingestion and statistics.
type Engine struct {
	root   string
	prices *pricing.Model
	query  *query.Service
	log    *logging.Logger

	// Nil when the database could not be opened; reads then fall back to
	// source files and writes fail with storeErr.
	db       *db.DB
	store    *store.Store
	agg      *aggregate.Engine
	syncer   *pipeline.Syncer
	storeErr error
}

type options struct {
	now func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithClock overrides the clock used for missing timestamps and range
// cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open builds an Engine from cfg. A database that cannot be reached is not
// fatal: statistics are still served from source files.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	table, err := pricing.LoadTable(cfg.ExpandedPricingPath())
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	prices := pricing.New(table)

	loc := cfg.Location()
	root := cfg.ExpandedProjectsDir()
	parser := pipeline.NewParser(normalize.New(normalize.WithLocation(loc), normalize.WithClock(o.now)), prices)

	e := &Engine{
		root:   root,
		prices: prices,
		log:    logging.Component("engine"),
	}

	database, err := db.Open(cfg.ExpandedDBPath())
	switch {
	case err == nil:
		e.db = database
		e.store = store.New(database)
		e.agg = aggregate.New(database, aggregate.WithLocation(loc), aggregate.WithClock(o.now))
		e.syncer = pipeline.New(e.store, e.agg, parser, pipeline.Config{Root: root, BatchSize: cfg.BatchSize()})
	case usage.IsRecoverableRead(err):
		e.storeErr = err
		e.log.WarnCtx("database unavailable, statistics will be computed from source", map[string]any{"error": err.Error()})
	default:
		return nil, fmt.Errorf("open db: %w", err)
	}

	e.query = query.New(e.store, parser, root, query.WithLocation(loc), query.WithClock(o.now))
	return e, nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Root returns the directory scanned for session logs.
func (e *Engine) Root() string {
	return e.root
}

// Prices returns the pricing model in use.
func (e *Engine) Prices() *pricing.Model {
	return e.prices
}

// RunFullSync reprocesses every source file.
func (e *Engine) RunFullSync(ctx context.Context) (pipeline.Summary, error) {
	return e.sync(ctx, pipeline.ModeFull)
}

// RunIncrementalSync processes only new, changed and interrupted files.
func (e *Engine) RunIncrementalSync(ctx context.Context) (pipeline.Summary, error) {
	return e.sync(ctx, pipeline.ModeIncremental)
}

// Sync runs a sync in the given mode.
func (e *Engine) Sync(ctx context.Context, mode pipeline.Mode) (pipeline.Summary, error) {
	return e.sync(ctx, mode)
}

func (e *Engine) sync(ctx context.Context, mode pipeline.Mode) (pipeline.Summary, error) {
	if e.syncer == nil {
		return pipeline.Summary{Mode: mode}, e.storeErr
	}
	return e.syncer.Run(ctx, mode)
}

// CancelSync asks the active sync to stop. It reports whether one was
// running.
func (e *Engine) CancelSync() bool {
	if e.syncer == nil {
		return false
	}
	return e.syncer.Cancel()
}

// Syncing reports whether a sync is active.
func (e *Engine) Syncing() bool {
	return e.syncer != nil && e.syncer.Running()
}

// GetStatistics returns statistics for r, optionally restricted to one
// project.
func (e *Engine) GetStatistics(ctx context.Context, r usage.TimeRange, project string) (usage.Statistics, error) {
	return e.query.GetStatistics(ctx, r, project)
}

// Regenerate rebuilds the statistics tables from stored events.
func (e *Engine) Regenerate(ctx context.Context) (aggregate.Result, error) {
	if e.agg == nil {
		return aggregate.Result{}, e.storeErr
	}
	return e.agg.Regenerate(ctx)
}

// Files lists tracked source files, optionally by status.
func (e *Engine) Files(ctx context.Context, status usage.ProcessingStatus) ([]usage.FileRecord, error) {
	if e.store == nil {
		return nil, e.storeErr
	}
	return e.store.Files(ctx, status)
}

// Runs returns the n most recent syncs, newest first.
func (e *Engine) Runs(ctx context.Context, n int) ([]store.Run, error) {
	if e.store == nil {
		return nil, e.storeErr
	}
	return e.store.Runs(ctx, n)
}
