package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/gateway"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runDispatcher(t *testing.T, d *gateway.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func mustPush(t *testing.T, q gateway.Queues, tier int, endpoint string) gateway.Envelope {
	t.Helper()
	env, err := gateway.NewEnvelope("GET", endpoint, "", nil, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := q.Push(context.Background(), tier, env); err != nil {
		t.Fatalf("Push: %v", err)
	}
	return env
}

func TestDispatcher_StrictPriorityWithRefill(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		refilled bool
		d        *gateway.Dispatcher
	)
	d = gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  3,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			mu.Lock()
			order = append(order, env.Endpoint)
			refill := !refilled && strings.HasPrefix(env.Endpoint, "t0")
			refilled = refilled || refill
			mu.Unlock()
			if refill {
				for i := 0; i < 2; i++ {
					e, _ := gateway.NewEnvelope("GET", fmt.Sprintf("t0-refill-%d", i), "", nil, nil)
					_ = d.Push(ctx, 0, e)
				}
			}
			return []byte(`{}`), nil
		}),
	})
	for i := 0; i < 3; i++ {
		mustPush(t, d, 2, fmt.Sprintf("t2-%d", i))
	}
	for i := 0; i < 3; i++ {
		mustPush(t, d, 0, fmt.Sprintf("t0-%d", i))
	}
	runDispatcher(t, d)

	waitFor(t, 2*time.Second, func() bool { return d.Served() == 8 })

	mu.Lock()
	defer mu.Unlock()
	for i, ep := range order {
		if i < 5 && !strings.HasPrefix(ep, "t0") {
			t.Fatalf("order = %v: tier 2 served before tier 0 drained", order)
		}
		if i >= 5 && !strings.HasPrefix(ep, "t2") {
			t.Fatalf("order = %v: expected tier 2 tail", order)
		}
	}
	if order[3] != "t0-refill-0" {
		t.Fatalf("order = %v: refilled tier 0 items should follow the original ones FIFO", order)
	}
}

func TestDispatcher_AbandonQueuedSkipsExecution(t *testing.T) {
	release := make(chan struct{})
	var executed sync.Map
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			executed.Store(env.Endpoint, true)
			if env.Endpoint == "blocker" {
				<-release
			}
			return nil, nil
		}),
	})
	runDispatcher(t, d)

	blocker := mustPush(t, d, 0, "blocker")
	waitFor(t, time.Second, func() bool { _, ok := executed.Load("blocker"); return ok })
	queued := mustPush(t, d, 0, "queued")

	if err := d.Abandon(context.Background(), 0, queued.ID); err != nil {
		t.Fatalf("Abandon queued: %v", err)
	}
	if err := d.Abandon(context.Background(), 0, blocker.ID); err != nil {
		t.Fatalf("Abandon in-flight: %v", err)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return d.Served() == 1 })

	if _, ok := executed.Load("queued"); ok {
		t.Fatal("abandoned queued envelope was executed")
	}
	if _, ok, _ := d.Take(context.Background(), 0, blocker.ID); ok {
		t.Fatal("late result for abandoned envelope was kept")
	}
}

func TestDispatcher_AbandonUnknownIDIsIgnored(t *testing.T) {
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			return []byte(`{"data":{}}`), nil
		}),
	})
	runDispatcher(t, d)

	env, err := gateway.NewEnvelope("GET", "late", "", nil, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	// Nothing is queued or executing under this id yet, so the abandon must
	// leave no trace that would swallow a later result.
	if err := d.Abandon(context.Background(), 0, env.ID); err != nil {
		t.Fatalf("Abandon unknown: %v", err)
	}
	if err := d.Push(context.Background(), 0, env); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := d.Take(context.Background(), 0, env.ID)
		return ok
	})
}

func TestDispatcher_ExecutorPanicBecomesResult(t *testing.T) {
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			if env.Endpoint == "boom" {
				panic("kaboom")
			}
			return []byte(`{"data":{}}`), nil
		}),
	})
	runDispatcher(t, d)

	c := gateway.NewClient(d, 0, "").WithPollInterval(time.Millisecond)
	if _, err := c.Do(context.Background(), "GET", "boom", nil, nil); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Do(boom) err = %v, want panic error", err)
	}
	if _, err := c.Do(context.Background(), "GET", "fine", nil, nil); err != nil {
		t.Fatalf("dispatcher stopped serving after panic: %v", err)
	}
}

func TestDispatcher_UnknownTier(t *testing.T) {
	d := gateway.NewDispatcher(gateway.DispatcherConfig{Tiers: 2, Logger: quietLogger()})
	env, _ := gateway.NewEnvelope("GET", "x", "", nil, nil)
	if err := d.Push(context.Background(), 2, env); !errors.Is(err, gateway.ErrUnknownTier) {
		t.Fatalf("Push tier 2: got %v", err)
	}
	if _, _, err := d.Take(context.Background(), -1, env.ID); !errors.Is(err, gateway.ErrUnknownTier) {
		t.Fatalf("Take tier -1: got %v", err)
	}
}

func TestClient_CanceledContextAbandons(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			started <- struct{}{}
			<-release
			return []byte(`{}`), nil
		}),
	})
	runDispatcher(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := gateway.NewClient(d, 0, "").WithPollInterval(time.Millisecond)
	_, err := c.Do(ctx, "GET", "slow", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do err = %v, want deadline exceeded", err)
	}
	<-started
	close(release)
	waitFor(t, time.Second, func() bool { return d.Served() == 1 })
	if p := d.Pending(); p[0] != 0 {
		t.Fatalf("pending = %v, want empty", p)
	}
}
