// Package scheduler runs the durable task table of one pool. A poll loop
// reconciles task rows with the goroutines hosted by a Runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/bus"
	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/shared"
)

type Config struct {
	Pool            string
	Incarnation     string // generated when empty
	PollInterval    time.Duration
	CancelTimeout   time.Duration
	ShutdownTimeout time.Duration

	Store    persistence.TaskStore
	Registry *Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

type Status struct {
	Pool        string `json:"pool"`
	Incarnation string `json:"incarnation"`
	Tracked     int    `json:"tracked"`
	Cycles      int64  `json:"cycles"`
	LastError   string `json:"last_error,omitempty"`
}

type Scheduler struct {
	config  Config
	store   persistence.TaskStore
	reg     *Registry
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	once   sync.Once
	runner *Runner

	// Owned by the poll cycle.
	cycleMu  sync.Mutex
	finished map[string]Finished
	warned   map[string]struct{}

	cycles    atomic.Int64
	lastError atomic.Pointer[string]
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.Incarnation == "" {
		cfg.Incarnation = shared.NewIncarnation()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	return &Scheduler{
		config:   cfg,
		store:    cfg.Store,
		reg:      cfg.Registry,
		bus:      cfg.Bus,
		logger:   cfg.Logger.With("component", "scheduler", "pool", cfg.Pool, "incarnation", cfg.Incarnation),
		metrics:  cfg.Metrics,
		finished: make(map[string]Finished),
		warned:   make(map[string]struct{}),
	}, nil
}

func (s *Scheduler) Incarnation() string { return s.config.Incarnation }

// Start launches the runner. Task contexts keep ctx's values but are only
// cancelled through the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		s.runner = NewRunner(context.WithoutCancel(ctx), RunnerConfig{
			Pool:        s.config.Pool,
			Incarnation: s.config.Incarnation,
			Logger:      s.logger,
			Metrics:     s.metrics,
			Tracer:      s.config.Tracer,

			ReplaceTimeout: s.config.CancelTimeout,
		})
		s.logger.Info("scheduler started", "poll_interval", s.config.PollInterval)
	})
}

// Run polls until ctx ends, then shuts the runner down.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.setLastError(err)
			s.logger.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every task goroutine and waits for them, bounded by
// ShutdownTimeout.
func (s *Scheduler) Shutdown() {
	if s.runner == nil {
		return
	}
	if pending := s.runner.Shutdown(s.config.ShutdownTimeout); pending > 0 {
		s.logger.Warn("tasks abandoned at shutdown", "count", pending)
	} else {
		s.logger.Info("scheduler stopped")
	}
}

func (s *Scheduler) Status() Status {
	st := Status{
		Pool:        s.config.Pool,
		Incarnation: s.config.Incarnation,
		Cycles:      s.cycles.Load(),
	}
	if s.runner != nil {
		if tracked, err := s.runner.Tracked(); err == nil {
			st.Tracked = len(tracked)
		}
	}
	if p := s.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (s *Scheduler) setLastError(err error) {
	msg := err.Error()
	s.lastError.Store(&msg)
}

// PollOnce runs one reconciliation cycle over the pool's rows. Every state
// change is committed per row before the next row is looked at.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	if s.runner == nil {
		return errors.New("scheduler: not started")
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.cycles.Add(1)

	rows, err := s.store.ListTasks(ctx, s.config.Pool)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	done, err := s.runner.Reap()
	if err != nil {
		return err
	}
	for _, f := range done {
		s.finished[f.AgentID] = f
	}

	var errs []error
	for i := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.reconcile(ctx, &rows[i]); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", rows[i].AgentID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) reconcile(ctx context.Context, row *persistence.TaskRow) error {
	inc := s.config.Incarnation

	// Ownership.
	if row.Incarnation != inc {
		var task Task
		resume := row.Current != "" && !row.Cancel
		if resume {
			t, ok := s.parse(row.AgentID, row.Current)
			if !ok {
				return nil
			}
			task = t
		}
		previous := row.Incarnation
		ok, err := s.store.ClaimTask(ctx, row.AgentID, previous, inc)
		if err != nil {
			return err
		}
		if !ok {
			// Another scheduler claimed it first.
			return nil
		}
		row.Incarnation = inc
		s.transition(ctx, bus.TopicTaskClaimed, row.AgentID, row.Current, nil)
		if previous != "" {
			audit.Record(audit.ActionTakeover, row.AgentID, "previous incarnation "+previous)
		}
		delete(s.finished, row.AgentID)
		if resume {
			if err := s.runner.Start(row.AgentID, row.Current, task); err != nil {
				return err
			}
			s.logger.Info("task resumed", "agent_id", row.AgentID, "descriptor", row.Current, "previous_incarnation", previous)
			s.transition(ctx, bus.TopicTaskResumed, row.AgentID, row.Current, nil)
		}
	}

	// Completion.
	if f, ok := s.finished[row.AgentID]; ok {
		if f.Err == nil {
			cleared, err := s.store.ClearCurrent(ctx, row.AgentID, inc, f.Descriptor)
			if err != nil {
				return err
			}
			delete(s.finished, row.AgentID)
			if cleared {
				row.Current = ""
				s.logger.Info("task completed", "agent_id", row.AgentID, "descriptor", f.Descriptor)
				s.transition(ctx, bus.TopicTaskCompleted, row.AgentID, f.Descriptor, nil)
			}
		} else {
			delete(s.finished, row.AgentID)
			s.logger.Error("task failed", "agent_id", row.AgentID, "descriptor", f.Descriptor, "error", f.Err)
			msg := shared.Redact(f.Err.Error())
			if err := s.store.SetLastError(ctx, row.AgentID, msg); err != nil {
				return err
			}
			row.LastError = msg
			s.transition(ctx, bus.TopicTaskErrored, row.AgentID, f.Descriptor, f.Err)
		}
	}

	// Cancellation.
	if row.Cancel {
		acked, err := s.runner.Cancel(row.AgentID, s.config.CancelTimeout)
		if err != nil {
			return err
		}
		if !acked {
			s.logger.Warn("task ignored cancellation, abandoning", "agent_id", row.AgentID, "descriptor", row.Current, "timeout", s.config.CancelTimeout)
		}
		if _, err := s.store.ClearCancel(ctx, row.AgentID, inc); err != nil {
			return err
		}
		delete(s.finished, row.AgentID)
		s.logger.Info("task canceled", "agent_id", row.AgentID, "descriptor", row.Current)
		s.transition(ctx, bus.TopicTaskCanceled, row.AgentID, row.Current, nil)
		row.Current = ""
		row.Cancel = false
		row.LastError = ""
	}

	// Promotion.
	if row.Current == "" && row.Queued != "" {
		task, ok := s.parse(row.AgentID, row.Queued)
		if !ok {
			return nil
		}
		promoted, err := s.store.PromoteQueued(ctx, row.AgentID, inc, row.Queued)
		if err != nil {
			return err
		}
		if !promoted {
			return nil
		}
		row.Current, row.Queued = row.Queued, ""
		if err := s.runner.Start(row.AgentID, row.Current, task); err != nil {
			return err
		}
		s.logger.Info("task started", "agent_id", row.AgentID, "descriptor", row.Current)
		s.transition(ctx, bus.TopicTaskStarted, row.AgentID, row.Current, nil)
	}
	return nil
}

// parse resolves a descriptor, logging a failure once per agent and
// descriptor. The row is left untouched on failure.
func (s *Scheduler) parse(agentID, descriptor string) (Task, bool) {
	task, err := s.reg.Parse(descriptor)
	if err == nil {
		return task, true
	}
	key := agentID + "\x00" + descriptor
	if _, seen := s.warned[key]; !seen {
		s.warned[key] = struct{}{}
		s.logger.Error("cannot dispatch task", "agent_id", agentID, "descriptor", descriptor, "error", err)
	}
	return nil, false
}

func (s *Scheduler) transition(ctx context.Context, topic, agentID, descriptor string, err error) {
	s.metrics.RecordTransition(ctx, topic)
	if s.bus == nil {
		return
	}
	ev := bus.TaskEvent{
		AgentID:    agentID,
		Pool:       s.config.Pool,
		Descriptor: descriptor,
		At:         time.Now().UTC(),
	}
	if err != nil {
		ev.Error = shared.Redact(err.Error())
	}
	s.bus.Publish(topic, ev)
}
