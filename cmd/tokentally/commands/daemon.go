package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/config"
	"github.com/marcus/tokentally/internal/engine"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/scheduler"
	"github.com/marcus/tokentally/internal/usage"
	"github.com/marcus/tokentally/internal/watcher"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the database in sync in the foreground",
	Long: `Run incremental syncs until interrupted.

Syncs run on the configured schedule (sync.schedule.cron or
sync.schedule.interval, optionally limited to sync.schedule.window) and,
when sync.watch.enabled is set, shortly after session logs change.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	eng, cfg, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	hasSchedule := cfg.Sync.Schedule.Cron != "" || cfg.Sync.Schedule.Interval != ""
	if !hasSchedule && !cfg.Sync.Watch.Enabled {
		return fmt.Errorf("nothing to do: configure sync.schedule or enable sync.watch")
	}

	log := logging.Component("daemon")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("daemon starting")
	if err := runDaemonSync(ctx, eng, log, "startup"); err != nil && !errors.Is(err, usage.ErrCancelled) {
		log.Errorf("initial sync: %v", err)
	}

	var sched *scheduler.Scheduler
	if hasSchedule {
		sched, err = startScheduler(ctx, cfg, eng, log)
		if err != nil {
			return err
		}
	}

	var w *watcher.Watcher
	if cfg.Sync.Watch.Enabled {
		w = newSyncWatcher(ctx, cfg, eng, log)
		if err := w.Start(); err != nil {
			log.Errorf("watch disabled: %v", err)
			w = nil
		}
	}

	<-ctx.Done()

	if w != nil {
		w.Stop()
	}
	eng.CancelSync()
	if sched != nil {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			log.Errorf("stopping scheduler: %v", err)
		}
	}

	log.Info("daemon stopped")
	return nil
}

func startScheduler(ctx context.Context, cfg *config.Config, eng *engine.Engine, log *logging.Logger) (*scheduler.Scheduler, error) {
	sched, err := scheduler.NewFromConfig(&cfg.Sync.Schedule)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	sched.AddJob(func(jobCtx context.Context) error {
		err := runDaemonSync(jobCtx, eng, log, "schedule")
		if errors.Is(err, usage.ErrSyncInProgress) {
			return nil
		}
		return err
	})
	if err := sched.Start(ctx); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	log.InfoCtx("scheduler running", map[string]any{
		"next_run": sched.NextRun().Format(time.RFC3339),
	})
	return sched, nil
}

// newSyncWatcher returns a watcher that syncs after changes settle. Changes
// that arrive while a sync is running are re-queued.
func newSyncWatcher(ctx context.Context, cfg *config.Config, eng *engine.Engine, log *logging.Logger) *watcher.Watcher {
	var w *watcher.Watcher
	w = watcher.New(eng.Root(), cfg.DebounceDuration(), func(paths []string) {
		if ctx.Err() != nil {
			return
		}
		log.DebugCtx("session logs changed", map[string]any{"files": len(paths)})
		err := runDaemonSync(ctx, eng, log, "watch")
		if errors.Is(err, usage.ErrSyncInProgress) {
			for _, p := range paths {
				w.Notify(p)
			}
		}
	})
	return w
}

func runDaemonSync(ctx context.Context, eng *engine.Engine, log *logging.Logger, trigger string) error {
	sum, err := eng.RunIncrementalSync(ctx)
	if err != nil {
		if !errors.Is(err, usage.ErrSyncInProgress) {
			log.ErrorCtx("sync failed", map[string]any{"trigger": trigger, "error": err.Error()})
		}
		return err
	}
	log.InfoCtx("sync finished", map[string]any{
		"trigger":   trigger,
		"processed": sum.FilesProcessed,
		"new":       sum.NewEntries,
		"removed":   sum.RemovedEntries,
		"failed":    sum.FilesFailed,
	})
	return nil
}
