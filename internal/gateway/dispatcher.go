package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/shared"
)

// Executor performs one envelope against the remote API.
type Executor interface {
	Execute(ctx context.Context, env Envelope) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env Envelope) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, env Envelope) ([]byte, error) { return f(ctx, env) }

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Tiers    int
	Executor Executor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

type tier struct {
	queue   []Envelope
	results map[string]Result

	// inflight is the id popped for execution and not yet delivered.
	// dropInflight marks it abandoned so its result is discarded.
	inflight     string
	dropInflight bool
}

// Dispatcher drains its tiers into a single Executor with strict priority:
// after every executed envelope the scan restarts from tier 0. Lower tiers
// starve while higher tiers stay non-empty.
type Dispatcher struct {
	exec    Executor
	logger  *slog.Logger
	metrics *otel.Metrics

	mu    sync.Mutex
	tiers []*tier
	wake  chan struct{}

	served  atomic.Int64
	running atomic.Bool
}

// NewDispatcher returns a dispatcher with cfg.Tiers empty tiers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	n := cfg.Tiers
	if n <= 0 {
		n = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	d := &Dispatcher{
		exec:    cfg.Executor,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
		tiers:   make([]*tier, n),
		wake:    make(chan struct{}, 1),
	}
	for i := range d.tiers {
		d.tiers[i] = &tier{results: make(map[string]Result)}
	}
	return d
}

// Tiers returns the number of priority tiers.
func (d *Dispatcher) Tiers() int { return len(d.tiers) }

// Served returns how many envelopes have been executed.
func (d *Dispatcher) Served() int64 { return d.served.Load() }

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool { return d.running.Load() }

func (d *Dispatcher) tierAt(i int) (*tier, error) {
	if i < 0 || i >= len(d.tiers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, i)
	}
	return d.tiers[i], nil
}

// Push implements Queues.
func (d *Dispatcher) Push(ctx context.Context, tierIdx int, env Envelope) error {
	d.mu.Lock()
	t, err := d.tierAt(tierIdx)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	t.queue = append(t.queue, env)
	d.mu.Unlock()

	d.metrics.AddQueueDepth(ctx, tierIdx, 1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Take implements Queues.
func (d *Dispatcher) Take(_ context.Context, tierIdx int, id string) (Result, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.tierAt(tierIdx)
	if err != nil {
		return Result{}, false, err
	}
	res, ok := t.results[id]
	if ok {
		delete(t.results, id)
	}
	return res, ok, nil
}

// Abandon implements Queues. A still-queued envelope is removed without
// being executed and an executing one has its result dropped on arrival.
// Unknown ids are ignored.
func (d *Dispatcher) Abandon(ctx context.Context, tierIdx int, id string) error {
	d.mu.Lock()
	t, err := d.tierAt(tierIdx)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if _, ok := t.results[id]; ok {
		delete(t.results, id)
		d.mu.Unlock()
		return nil
	}
	if i := slices.IndexFunc(t.queue, func(e Envelope) bool { return e.ID == id }); i >= 0 {
		t.queue = slices.Delete(t.queue, i, i+1)
		d.mu.Unlock()
		d.metrics.AddQueueDepth(ctx, tierIdx, -1)
		return nil
	}
	if t.inflight == id {
		t.dropInflight = true
	}
	d.mu.Unlock()
	return nil
}

// Pending returns the queue length of each tier.
func (d *Dispatcher) Pending() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.tiers))
	for i, t := range d.tiers {
		out[i] = len(t.queue)
	}
	return out
}

// next pops the head of the highest-priority non-empty tier.
func (d *Dispatcher) next() (Envelope, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.tiers {
		if len(t.queue) == 0 {
			continue
		}
		env := t.queue[0]
		t.queue[0] = Envelope{}
		t.queue = t.queue[1:]
		t.inflight, t.dropInflight = env.ID, false
		return env, i, true
	}
	return Envelope{}, 0, false
}

func (d *Dispatcher) deliver(tierIdx int, id string, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tiers[tierIdx]
	if t.inflight == id {
		dropped := t.dropInflight
		t.inflight, t.dropInflight = "", false
		if dropped {
			return
		}
	}
	t.results[id] = res
}

// Run executes envelopes one at a time until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)
	d.logger.Info("dispatcher started", "tiers", len(d.tiers))
	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped", "served", d.served.Load())
			return
		}
		env, tierIdx, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
			case <-d.wake:
			}
			continue
		}
		d.metrics.AddQueueDepth(ctx, tierIdx, -1)
		body, err := d.execute(shared.WithTier(ctx, tierIdx), env)
		d.served.Add(1)
		d.deliver(tierIdx, env.ID, Result{Body: body, Err: err})
	}
}

func (d *Dispatcher) execute(ctx context.Context, env Envelope) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("executor panic", "method", env.Method, "endpoint", env.Endpoint, "panic", r)
			body, err = nil, fmt.Errorf("gateway: executor panic: %v", r)
		}
	}()
	return d.exec.Execute(ctx, env)
}
