package agent_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/agent"
	"github.com/basket/gofleet/internal/gametest"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/gateway/gatewaytest"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/retry"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gofleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietOptions() agent.Options {
	return agent.Options{
		AccountToken: "account-secret",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Policy: &retry.Policy{
			Attempts: 3,
			Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	}
}

func newGame(t *testing.T) *gametest.Game {
	t.Helper()
	g := gametest.New(t, "X1-AG")
	g.AddWaypoint(gametest.Waypoint{Symbol: "X1-AG-A1", Type: "PLANET"})
	return g
}

func TestRandomSymbol(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := agent.RandomSymbol()
		if err != nil {
			t.Fatalf("random symbol: %v", err)
		}
		if len(s) != 14 || strings.Trim(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789") != "" {
			t.Fatalf("bad symbol %q", s)
		}
		seen[s] = true
	}
	if len(seen) < 2 {
		t.Fatal("symbols are not random")
	}
}

func TestRegisterRandom_StoresAgentShipAndTask(t *testing.T) {
	g := newGame(t)
	store := openStore(t)
	ctx := context.Background()

	reg, err := agent.RegisterRandom(ctx, g.Client(""), store, quietOptions())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sym := reg.Agent.Symbol
	if reg.Agent.Token != "token-"+sym || reg.Agent.Faction != agent.DefaultFaction {
		t.Fatalf("agent = %+v", reg.Agent)
	}
	saved, err := store.GetAgent(ctx, sym)
	if err != nil || saved.Token != reg.Agent.Token {
		t.Fatalf("saved agent = %+v, %v", saved, err)
	}
	if reg.Ship == nil || reg.Ship.Symbol != sym+"-1" {
		t.Fatalf("ship = %+v", reg.Ship)
	}
	if _, err := store.GetShip(ctx, sym+"-1"); err != nil {
		t.Fatalf("ship not stored: %v", err)
	}
	row, err := store.GetTask(ctx, sym+"-1")
	if err != nil || row.Owner != sym || row.Current != "" {
		t.Fatalf("task row = %+v, %v", row, err)
	}
	reqs := g.Harness.Requests()
	if len(reqs) != 1 || reqs[0].Token != "account-secret" {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestRegisterRandom_GivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gatewaytest.WriteError(w, http.StatusConflict, 4111, "Agent symbol has already been claimed", nil)
	}))
	store := openStore(t)

	_, err := agent.RegisterRandom(context.Background(), h.Client(""), store, quietOptions())
	if !gateway.IsCode(err, 4111) {
		t.Fatalf("err = %v, want code 4111", err)
	}
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	symbols := map[string]bool{}
	for _, r := range h.Requests() {
		symbols[string(r.Body)] = true
	}
	if len(symbols) != 3 {
		t.Fatalf("symbol reused across attempts: %v", symbols)
	}
}

func TestResetDetection_RegistersOnce(t *testing.T) {
	g := newGame(t)
	store := openStore(t)
	ctx := context.Background()

	first, err := agent.ResetDetection(ctx, g.Client(""), store, quietOptions())
	if err != nil {
		t.Fatalf("reset detection: %v", err)
	}
	if first.Role != persistence.RoleResetDetection {
		t.Fatalf("role = %q", first.Role)
	}
	second, err := agent.ResetDetection(ctx, g.Client(""), store, quietOptions())
	if err != nil || second.Symbol != first.Symbol {
		t.Fatalf("second = %+v, %v", second, err)
	}
	if n := g.Calls("POST /register"); n != 1 {
		t.Fatalf("registered %d times", n)
	}
	ships, err := store.ListShips(ctx, first.Symbol)
	if err != nil || len(ships) != 0 {
		t.Fatalf("ships = %v, %v", ships, err)
	}

	token, err := agent.TokenResolver(g.Client(""), store, quietOptions())(ctx)
	if err != nil || token != first.Token {
		t.Fatalf("token = %q, %v", token, err)
	}
}
