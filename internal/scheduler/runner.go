package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/shared"
)

// ErrRunnerStopped is returned by Runner calls made after Shutdown.
var ErrRunnerStopped = errors.New("scheduler: runner stopped")

// Finished reports a task goroutine that returned. Each finish is reported
// by Reap exactly once.
type Finished struct {
	AgentID    string
	Descriptor string
	Err        error
}

type handle struct {
	descriptor string
	cancel     context.CancelFunc
	done       chan struct{}
	gen        uint64

	finished bool
	reported bool
	err      error
}

// startMsg spawns task unless a goroutine is tracked for the agent. In that
// case the old one is cancelled and untracked, and its done channel is sent
// back so Start can wait for it before asking again.
type startMsg struct {
	agentID    string
	descriptor string
	task       Task
	reply      chan chan struct{}
}

type cancelMsg struct {
	agentID string
	reply   chan chan struct{}
}

type reapMsg struct {
	reply chan []Finished
}

type trackedMsg struct {
	reply chan map[string]string
}

type stopMsg struct {
	reply chan []chan struct{}
}

type finishMsg struct {
	agentID string
	gen     uint64
	err     error
}

// Runner hosts the task goroutines of one scheduler. A single goroutine owns
// the handle table; callers talk to it through messages.
type Runner struct {
	base        context.Context
	pool        string
	incarnation string
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	replaceWait time.Duration

	inbox    chan any
	finishes chan finishMsg
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Pool        string
	Incarnation string
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	// ReplaceTimeout bounds how long Start waits for a replaced goroutine
	// to return. Defaults to one second.
	ReplaceTimeout time.Duration
}

// NewRunner starts the actor goroutine. Task contexts derive from base.
func NewRunner(base context.Context, cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.ReplaceTimeout <= 0 {
		cfg.ReplaceTimeout = time.Second
	}
	r := &Runner{
		base:        base,
		replaceWait: cfg.ReplaceTimeout,
		pool:        cfg.Pool,
		incarnation: cfg.Incarnation,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		inbox:       make(chan any),
		finishes:    make(chan finishMsg),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.stopped)
	handles := make(map[string]*handle)
	var gen uint64
	for {
		select {
		case <-r.quit:
			return
		case f := <-r.finishes:
			h, ok := handles[f.agentID]
			if !ok || h.gen != f.gen {
				continue
			}
			h.finished = true
			h.err = f.err
		case m := <-r.inbox:
			switch m := m.(type) {
			case startMsg:
				if old, ok := handles[m.agentID]; ok {
					delete(handles, m.agentID)
					old.cancel()
					m.reply <- old.done
					continue
				}
				gen++
				handles[m.agentID] = r.spawn(m.agentID, m.descriptor, m.task, gen)
				m.reply <- nil
			case cancelMsg:
				h, ok := handles[m.agentID]
				if !ok {
					m.reply <- nil
					continue
				}
				delete(handles, m.agentID)
				h.cancel()
				m.reply <- h.done
			case reapMsg:
				var out []Finished
				for id, h := range handles {
					if !h.finished || h.reported {
						continue
					}
					out = append(out, Finished{AgentID: id, Descriptor: h.descriptor, Err: h.err})
					if h.err == nil {
						delete(handles, id)
					} else {
						h.reported = true
					}
				}
				m.reply <- out
			case trackedMsg:
				out := make(map[string]string, len(handles))
				for id, h := range handles {
					out[id] = h.descriptor
				}
				m.reply <- out
			case stopMsg:
				dones := make([]chan struct{}, 0, len(handles))
				for id, h := range handles {
					h.cancel()
					dones = append(dones, h.done)
					delete(handles, id)
				}
				m.reply <- dones
			}
		}
	}
}

func (r *Runner) spawn(agentID, descriptor string, task Task, gen uint64) *handle {
	ctx, cancel := context.WithCancel(r.base)
	h := &handle{
		descriptor: descriptor,
		cancel:     cancel,
		done:       make(chan struct{}),
		gen:        gen,
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAgentID(ctx, agentID)
	ctx = shared.WithPool(ctx, r.pool)
	ctx = shared.WithIncarnation(ctx, r.incarnation)

	r.metrics.ActiveTasks.Add(r.base, 1)
	go func() {
		defer close(h.done)
		defer cancel()
		err := r.execute(ctx, agentID, task)
		r.metrics.ActiveTasks.Add(r.base, -1)
		select {
		case r.finishes <- finishMsg{agentID: agentID, gen: gen, err: err}:
		case <-r.quit:
		}
	}()
	return h
}

func (r *Runner) execute(ctx context.Context, agentID string, task Task) (err error) {
	ctx, span := otel.StartTaskSpan(ctx, r.tracer, agentID, task.String(), r.pool)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked",
				"agent_id", agentID, "descriptor", task.String(),
				"panic", p, "stack", string(debug.Stack()), "trace_id", shared.TraceID(ctx))
			err = fmt.Errorf("task panicked: %v", p)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return task.Run(ctx, agentID)
}

func (r *Runner) send(m any) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.quit:
		return ErrRunnerStopped
	}
}

// Start runs task for agentID. A goroutine already tracked for the agent is
// cancelled first and given ReplaceTimeout to return, so at most one runs
// per agent unless the old one ignores cancellation. descriptor is the raw
// text the task was parsed from.
func (r *Runner) Start(agentID, descriptor string, task Task) error {
	for {
		reply := make(chan chan struct{}, 1)
		if err := r.send(startMsg{agentID: agentID, descriptor: descriptor, task: task, reply: reply}); err != nil {
			return err
		}
		old := <-reply
		if old == nil {
			return nil
		}
		if !waitDone(old, r.replaceWait) {
			r.logger.Warn("replaced task ignored cancellation, abandoning",
				"agent_id", agentID, "descriptor", descriptor, "timeout", r.replaceWait)
		}
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Cancel requests cancellation of agentID's goroutine and waits up to timeout
// for it to return. It reports false when the goroutine did not acknowledge
// in time; the goroutine is then abandoned.
func (r *Runner) Cancel(agentID string, timeout time.Duration) (bool, error) {
	reply := make(chan chan struct{}, 1)
	if err := r.send(cancelMsg{agentID: agentID, reply: reply}); err != nil {
		return false, err
	}
	done := <-reply
	if done == nil {
		return true, nil
	}
	return waitDone(done, timeout), nil
}

// Reap returns goroutines that finished since the last call. Successful ones
// stop being tracked; errored ones stay tracked until cancelled or replaced.
func (r *Runner) Reap() ([]Finished, error) {
	reply := make(chan []Finished, 1)
	if err := r.send(reapMsg{reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// Tracked returns the descriptor of every tracked goroutine keyed by agent.
func (r *Runner) Tracked() (map[string]string, error) {
	reply := make(chan map[string]string, 1)
	if err := r.send(trackedMsg{reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// Shutdown cancels every tracked goroutine, waits up to timeout for all of
// them, then stops the actor. It returns how many did not return in time.
func (r *Runner) Shutdown(timeout time.Duration) int {
	reply := make(chan []chan struct{}, 1)
	if err := r.send(stopMsg{reply: reply}); err != nil {
		return 0
	}
	dones := <-reply

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	pending := 0
wait:
	for i, done := range dones {
		select {
		case <-done:
		case <-deadline.C:
			pending = len(dones) - i
			break wait
		}
	}
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.stopped
	return pending
}
