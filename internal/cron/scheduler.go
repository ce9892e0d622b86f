// Package cron queues task descriptors for agents on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/gofleet/internal/bus"
	"github.com/basket/gofleet/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Store holds the schedules.
type Store interface {
	UpsertSchedule(ctx context.Context, sched persistence.Schedule) error
	DueSchedules(ctx context.Context, now time.Time) ([]persistence.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// Queuer writes the queued column of the task table.
type Queuer interface {
	QueueTask(ctx context.Context, agentID, descriptor string) error
}

// Entry is a configured schedule.
type Entry struct {
	Name     string
	CronExpr string
	AgentID  string
	Task     string
	Disabled bool
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store  Store
	Tasks  Queuer
	Bus    *bus.Bus
	Logger *slog.Logger
	// Validate rejects descriptors no task factory accepts. Optional.
	Validate func(descriptor string) error
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler periodically queries the store for due schedules and queues
// their descriptors.
type Scheduler struct {
	store    Store
	tasks    Queuer
	bus      *bus.Bus
	logger   *slog.Logger
	validate func(string) error
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		tasks:    cfg.Tasks,
		bus:      cfg.Bus,
		logger:   logger,
		validate: cfg.Validate,
		interval: interval,
		now:      now,
	}
}

// Sync upserts the configured entries. A pending run is kept unless the
// expression changed.
func (s *Scheduler) Sync(ctx context.Context, entries []Entry) error {
	now := s.now()
	for _, e := range entries {
		if e.Name == "" || e.AgentID == "" || e.Task == "" {
			return fmt.Errorf("schedule %q: name, agent and task are required", e.Name)
		}
		if s.validate != nil {
			if err := s.validate(e.Task); err != nil {
				return fmt.Errorf("schedule %q: %w", e.Name, err)
			}
		}
		next, err := NextRunTime(e.CronExpr, now)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if err := s.store.UpsertSchedule(ctx, persistence.Schedule{
			Name:       e.Name,
			CronExpr:   e.CronExpr,
			AgentID:    e.AgentID,
			Descriptor: e.Task,
			Enabled:    !e.Disabled,
			NextRunAt:  &next,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire queues the schedule's descriptor and advances its next run. A
// failed queue still advances, so a broken schedule fires once per period.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_name", sched.Name,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	queued := true
	if err := s.tasks.QueueTask(ctx, sched.AgentID, sched.Descriptor); err != nil {
		queued = false
		s.logger.Error("cron: failed to queue task for schedule",
			"schedule_name", sched.Name,
			"agent_id", sched.AgentID,
			"error", err,
		)
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}
	if !queued {
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_name", sched.Name,
		"agent_id", sched.AgentID,
		"task", sched.Descriptor,
		"next_run_at", nextRun,
	)
	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleEvent{
			Name:       sched.Name,
			AgentID:    sched.AgentID,
			Descriptor: sched.Descriptor,
			NextRunAt:  nextRun,
		})
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
