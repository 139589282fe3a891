// Package scheduler runs jobs on a cron expression or a fixed interval,
// optionally restricted to a daily time window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/tokentally/internal/config"
	"github.com/marcus/tokentally/internal/logging"
)

var (
	ErrNoSchedule     = errors.New("no schedule configured")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Standard five-field expressions plus descriptors such as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Window is a daily time range, end exclusive.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// Scheduler runs its jobs on every tick of its schedule.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	window   *Window
	jobs     []Job

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time

	log *logging.Logger
}

// New returns a Scheduler with no schedule.
func New() *Scheduler {
	return &Scheduler{log: logging.Component("scheduler")}
}

// NewFromConfig builds a Scheduler from the sync.schedule section.
func NewFromConfig(cfg *config.ScheduleConfig) (*Scheduler, error) {
	s := New()
	switch {
	case cfg.Cron != "":
		if err := s.SetCron(cfg.Cron); err != nil {
			return nil, err
		}
	case cfg.Interval != "":
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("parsing interval: %w", err)
		}
		if err := s.SetInterval(d); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSchedule
	}
	if err := s.SetWindow(cfg.Window); err != nil {
		return nil, err
	}
	return s, nil
}

// SetCron schedules by cron expression, replacing any interval.
func (s *Scheduler) SetCron(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = sched
	s.interval = 0
	return nil
}

// SetInterval schedules every d, replacing any cron expression.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	s.schedule = nil
	return nil
}

// SetWindow restricts runs to cfg's window. A nil cfg removes the window.
func (s *Scheduler) SetWindow(cfg *config.WindowConfig) error {
	var w *Window
	if cfg != nil {
		start, err := ParseTimeOfDay(cfg.Start)
		if err != nil {
			return fmt.Errorf("window start: %w", err)
		}
		end, err := ParseTimeOfDay(cfg.End)
		if err != nil {
			return fmt.Errorf("window end: %w", err)
		}
		loc := time.Local
		if cfg.Timezone != "" && cfg.Timezone != "Local" {
			if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
				return fmt.Errorf("window timezone: %w", err)
			}
		}
		w = &Window{Start: start, End: end, Location: loc}
	}
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
	return nil
}

// AddJob registers job. Jobs run in registration order on each tick.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

// IsInWindow reports whether t is inside the configured window. Without a
// window every time is.
func (s *Scheduler) IsInWindow(t time.Time) bool {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	return w == nil || w.Contains(t)
}

// Start begins scheduling. It stops on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval == 0 {
		return ErrNoSchedule
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	if s.schedule != nil {
		c := cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		c.Schedule(s.schedule, cron.FuncJob(func() { s.runJobs(ctx) }))
		c.Start()
		go func() {
			defer close(done)
			<-ctx.Done()
			<-c.Stop().Done()
		}()
		s.log.Infof("scheduler started: cron %q", s.cronExpr)
	} else {
		interval := s.interval
		s.nextRun = time.Now().Add(interval)
		go func() {
			defer close(done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					s.mu.Lock()
					s.nextRun = now.Add(interval)
					s.mu.Unlock()
					s.runJobs(ctx)
				}
			}
		}()
		s.log.Infof("scheduler started: every %s", interval)
	}

	s.running = true
	s.cancel = cancel
	s.done = done
	return nil
}

// Stop halts scheduling and waits for a job in progress to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the next tick is due, or zero if not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	if s.schedule != nil {
		return s.schedule.Next(time.Now())
	}
	return s.nextRun
}

func (s *Scheduler) runJobs(ctx context.Context) {
	if !s.IsInWindow(time.Now()) {
		s.log.Debug("outside schedule window, skipping")
		return
	}
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.log.WarnCtx("scheduled job failed", map[string]any{"error": err.Error()})
		}
	}
}
