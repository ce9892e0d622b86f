package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/gateway/gatewaytest"
)

type waypointStub struct {
	Symbol string `json:"symbol"`
}

// listing serves total waypoints, or stops returning items after cutoff.
func listing(total, cutoff int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var items []any
		for i := (page - 1) * limit; i < page*limit && i < total && i < cutoff; i++ {
			items = append(items, waypointStub{Symbol: fmt.Sprintf("X1-W%02d", i)})
		}
		if items == nil {
			items = []any{}
		}
		gatewaytest.WritePage(w, items, total, page, limit)
	}
}

func TestGetAll_PagesUntilTotal(t *testing.T) {
	h := gatewaytest.New(t, listing(45, 45))
	got, err := gateway.GetAll[waypointStub](context.Background(), h.Client("tok"), "systems/X1/waypoints")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 45 {
		t.Fatalf("items = %d, want 45", len(got))
	}
	seen := map[string]bool{}
	for _, wp := range got {
		if seen[wp.Symbol] {
			t.Fatalf("duplicate item %s", wp.Symbol)
		}
		seen[wp.Symbol] = true
	}
	reqs := h.Requests()
	if len(reqs) != 3 {
		t.Fatalf("page requests = %d, want 3", len(reqs))
	}
	for i, r := range reqs {
		if r.Query.Get("page") != strconv.Itoa(i+1) || r.Query.Get("limit") != "20" {
			t.Fatalf("request %d query = %v", i, r.Query)
		}
	}
}

func TestGetAll_EmptyListing(t *testing.T) {
	h := gatewaytest.New(t, listing(0, 0))
	got, err := gateway.GetAll[waypointStub](context.Background(), h.Client("tok"), "my/ships")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 || len(h.Requests()) != 1 {
		t.Fatalf("items = %d, requests = %d", len(got), len(h.Requests()))
	}
}

func TestGetAll_StalledListing(t *testing.T) {
	h := gatewaytest.New(t, listing(45, 30))
	_, err := gateway.GetAll[waypointStub](context.Background(), h.Client("tok"), "systems/X1/waypoints")
	if !errors.Is(err, gateway.ErrPaginationStalled) {
		t.Fatalf("err = %v, want ErrPaginationStalled", err)
	}
}

func TestClient_WithTierAndTokenCopy(t *testing.T) {
	base := gateway.NewClient(nil, 1, "a")
	other := base.WithTier(3).WithToken("b")
	if base.Tier() != 1 || base.Token() != "a" {
		t.Fatalf("base mutated: tier=%d token=%q", base.Tier(), base.Token())
	}
	if other.Tier() != 3 || other.Token() != "b" {
		t.Fatalf("copy: tier=%d token=%q", other.Tier(), other.Token())
	}
}

// flakyQueues fails the first failTakes result polls and counts abandons.
type flakyQueues struct {
	*gateway.Dispatcher
	failTakes int32
	takes     atomic.Int32
	abandons  atomic.Int32
	lastID    atomic.Value
	// beforeFail, when set, is waited on before the first failure.
	beforeFail chan struct{}
}

func (q *flakyQueues) Push(ctx context.Context, tier int, env gateway.Envelope) error {
	q.lastID.Store(env.ID)
	return q.Dispatcher.Push(ctx, tier, env)
}

func (q *flakyQueues) Take(ctx context.Context, tier int, id string) (gateway.Result, bool, error) {
	n := q.takes.Add(1)
	if n <= q.failTakes {
		if n == 1 && q.beforeFail != nil {
			<-q.beforeFail
		}
		return gateway.Result{}, false, errors.New("connection reset")
	}
	return q.Dispatcher.Take(ctx, tier, id)
}

func (q *flakyQueues) Abandon(ctx context.Context, tier int, id string) error {
	q.abandons.Add(1)
	return q.Dispatcher.Abandon(ctx, tier, id)
}

func TestClient_RetriesFailedResultPoll(t *testing.T) {
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			return []byte(`{"data":{"symbol":"X1-A1"}}`), nil
		}),
	})
	runDispatcher(t, d)
	q := &flakyQueues{Dispatcher: d, failTakes: 1}

	c := gateway.NewClient(q, 0, "").WithPollInterval(time.Millisecond).WithLogger(quietLogger())
	var wp waypointStub
	if err := c.Get(context.Background(), "systems/X1/waypoints/X1-A1", map[string]string{}, &wp); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wp.Symbol != "X1-A1" {
		t.Fatalf("waypoint = %+v", wp)
	}
	if got := q.abandons.Load(); got != 0 {
		t.Fatalf("abandons = %d, want 0", got)
	}
	if d.Served() != 1 {
		t.Fatalf("served = %d, want 1", d.Served())
	}
}

func TestClient_AbandonsAfterRepeatedPollFailures(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:  1,
		Logger: quietLogger(),
		Executor: gateway.ExecutorFunc(func(ctx context.Context, env gateway.Envelope) ([]byte, error) {
			close(started)
			<-release
			return []byte(`{}`), nil
		}),
	})
	runDispatcher(t, d)
	q := &flakyQueues{Dispatcher: d, failTakes: 1 << 20, beforeFail: started}

	c := gateway.NewClient(q, 0, "").WithPollInterval(time.Millisecond).WithLogger(quietLogger())
	body, err := c.Do(context.Background(), "GET", "my/ships", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Do = %q, %v; want poll error", body, err)
	}
	if got := q.abandons.Load(); got != 1 {
		t.Fatalf("abandons = %d, want 1", got)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return d.Served() == 1 })
	if p := d.Pending(); p[0] != 0 {
		t.Fatalf("pending = %v, want empty", p)
	}
	id, _ := q.lastID.Load().(string)
	if _, ok, _ := d.Take(context.Background(), 0, id); ok {
		t.Fatal("result of the abandoned request was kept")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("navigate: %w", &gateway.APIError{Code: 4214, Message: "ship in transit"})
	if !gateway.IsCode(err, 4000, 4214) {
		t.Fatal("IsCode should match wrapped APIError")
	}
	if gateway.IsCode(errors.New("plain"), 4214) {
		t.Fatal("IsCode matched a plain error")
	}
	if gateway.IsInsufficientFunds(err) {
		t.Fatal("IsInsufficientFunds matched an unrelated code")
	}
}
