package behavior_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/behavior"
	"github.com/basket/gofleet/internal/gametest"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/scheduler"
	"github.com/basket/gofleet/internal/ship"
	"github.com/basket/gofleet/internal/universe"
)

const (
	system = "X1-BH"
	owner  = "BH"
	token  = "token-BH"
)

type fixture struct {
	game  *gametest.Game
	store *persistence.Store
	deps  *behavior.Deps
	reg   *scheduler.Registry
}

func newFixture(t *testing.T, credits int) *fixture {
	t.Helper()
	g := gametest.New(t, system)
	g.AddWaypoint(gametest.Waypoint{Symbol: "X1-BH-A1", Type: "PLANET", X: 0, Y: 0, Traits: []string{gametest.TraitMarketplace, gametest.TraitShipyard}})
	g.AddWaypoint(gametest.Waypoint{Symbol: "X1-BH-B2", Type: "MOON", X: 30, Y: 40, Traits: []string{gametest.TraitMarketplace}})
	g.AddWaypoint(gametest.Waypoint{Symbol: "X1-BH-C3", Type: "PLANET", X: 60, Y: 80, Traits: []string{gametest.TraitMarketplace, gametest.TraitShipyard}})
	g.AddWaypoint(gametest.Waypoint{Symbol: "X1-BH-D4", Type: "ASTEROID", X: -20, Y: 0, Traits: []string{gametest.TraitMarketplace}})
	g.AddMarket("X1-BH-A1", gametest.Market{Exports: []string{"FUEL"}, Prices: map[string]int{"FUEL": 70}})
	g.AddMarket("X1-BH-B2", gametest.Market{Exchange: []string{"FUEL"}, Prices: map[string]int{"FUEL": 75}})
	g.AddMarket("X1-BH-C3", gametest.Market{Imports: []string{"IRON_ORE"}, Prices: map[string]int{"IRON_ORE": 40}})
	g.AddMarket("X1-BH-D4", gametest.Market{Exports: []string{"ICE_WATER"}, Prices: map[string]int{"ICE_WATER": 12}})
	g.AddShipyard("X1-BH-A1", gametest.Shipyard{Prices: map[string]int{"SHIP_PROBE": 20000}})
	g.AddShipyard("X1-BH-C3", gametest.Shipyard{Prices: map[string]int{"SHIP_PROBE": 30000}})
	g.AddAgent(token, owner, credits)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "gofleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SaveAgent(context.Background(), persistence.AgentRecord{Symbol: owner, Token: token}); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	deps := &behavior.Deps{
		API:    g.Client(""),
		Store:  store,
		Tasks:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	reg := scheduler.NewRegistry()
	behavior.Register(reg, deps)
	return &fixture{game: g, store: store, deps: deps, reg: reg}
}

func (f *fixture) addShip(t *testing.T, s ship.Ship) {
	t.Helper()
	f.game.AddShip(s)
	rec, err := s.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.store.SaveShip(context.Background(), rec); err != nil {
		t.Fatalf("save ship: %v", err)
	}
	if err := f.store.ProvisionTask(context.Background(), s.Symbol, owner, ""); err != nil {
		t.Fatalf("provision: %v", err)
	}
}

func (f *fixture) task(t *testing.T, descriptor string) scheduler.Task {
	t.Helper()
	task, err := f.reg.Parse(descriptor)
	if err != nil {
		t.Fatalf("parse %q: %v", descriptor, err)
	}
	return task
}

func TestRegister_ParsesVerbs(t *testing.T) {
	f := newFixture(t, 0)
	if got := f.task(t, "probe shipyard X1-BH-A1").String(); got != "probe shipyard X1-BH-A1" {
		t.Fatalf("string = %q", got)
	}
	if got := f.task(t, "seed probes X1-BH").String(); got != "seed probes X1-BH" {
		t.Fatalf("string = %q", got)
	}
	for _, bad := range []string{"probe moon X1-BH-A1", "probe market", "seed probes"} {
		if _, err := f.reg.Parse(bad); !errors.Is(err, scheduler.ErrMalformedDescriptor) {
			t.Fatalf("parse %q: %v", bad, err)
		}
	}
}

func TestTravel_RefuelsAndExploresAlongRoute(t *testing.T) {
	f := newFixture(t, 100000)
	s := gametest.NewShip("BH-1", owner, "X1-BH-A1")
	s.Fuel.Current = 300
	f.addShip(t, s)
	ctx := context.Background()

	ctrl := ship.NewController(&s, ship.Config{API: f.game.Client(token), Store: f.store, Sleep: f.deps.Sleep})
	sys, err := universe.Load(ctx, f.store, f.game.Client(token), system, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := behavior.Travel(ctx, ctrl, sys, "X1-BH-B2", true); err != nil {
		t.Fatalf("travel: %v", err)
	}
	remote, _ := f.game.Ship("BH-1")
	if remote.Nav.WaypointSymbol != "X1-BH-B2" || remote.Fuel.Current != remote.Fuel.Capacity {
		t.Fatalf("remote ship = %+v", remote.Nav)
	}
	if n := f.game.Calls("POST /my/ships/BH-1/refuel"); n != 2 {
		t.Fatalf("refuels = %d, want 2", n)
	}
	if n := f.game.Calls("GET /systems/X1-BH/waypoints/X1-BH-B2/market"); n != 2 {
		t.Fatalf("B2 market observed %d times, want 2", n)
	}
	cached, err := ship.Load(ctx, f.store, "BH-1")
	if err != nil || cached.Nav.WaypointSymbol != "X1-BH-B2" {
		t.Fatalf("cached ship = %+v, %v", cached, err)
	}
}

func TestProbe_TravelsAndObservesUntilCanceled(t *testing.T) {
	f := newFixture(t, 100000)
	f.addShip(t, gametest.NewProbe("BH-P", owner, "X1-BH-A1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rounds := 0
	f.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		if d >= behavior.DefaultProbeInterval {
			rounds++
			if rounds == 2 {
				cancel()
			}
		}
		return ctx.Err()
	}

	err := f.task(t, "probe shipyard X1-BH-C3").Run(ctx, "BH-P")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want canceled", err)
	}
	remote, _ := f.game.Ship("BH-P")
	if remote.Nav.WaypointSymbol != "X1-BH-C3" {
		t.Fatalf("probe at %s", remote.Nav.WaypointSymbol)
	}
	// One observation while charting the system, then one per round.
	if n := f.game.Calls("GET /systems/X1-BH/waypoints/X1-BH-C3/shipyard"); n != 3 {
		t.Fatalf("shipyard observations = %d, want 3", n)
	}
	if n := f.game.Calls("GET /systems/X1-BH/waypoints/X1-BH-C3/market"); n != 3 {
		t.Fatalf("market observations = %d, want 3", n)
	}
}

func TestSeed_BuysAndAssignsProbes(t *testing.T) {
	f := newFixture(t, 1000000)
	f.addShip(t, gametest.NewShip("BH-1", owner, "X1-BH-A1"))
	ctx := context.Background()

	if err := f.task(t, "seed probes X1-BH").Run(ctx, "BH-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	want := []string{"SHIP_PROBE@X1-BH-A1", "SHIP_PROBE@X1-BH-C3", "SHIP_PROBE@X1-BH-A1", "SHIP_PROBE@X1-BH-A1"}
	if got := f.game.Purchases(); !reflect.DeepEqual(got, want) {
		t.Fatalf("purchases = %v, want %v", got, want)
	}

	assigned, err := f.store.ProbeAssignments(ctx, owner, system)
	if err != nil {
		t.Fatalf("probe assignments: %v", err)
	}
	var got []string
	for _, pa := range assigned {
		got = append(got, pa.Kind+" "+pa.Waypoint)
	}
	sort.Strings(got)
	wantAssigned := []string{"market X1-BH-B2", "market X1-BH-D4", "shipyard X1-BH-A1", "shipyard X1-BH-C3"}
	if !reflect.DeepEqual(got, wantAssigned) {
		t.Fatalf("assignments = %v, want %v", got, wantAssigned)
	}
	rows, err := f.store.ListTasks(ctx, "probes")
	if err != nil || len(rows) != 4 {
		t.Fatalf("pool rows = %d, %v", len(rows), err)
	}

	// A rerun finds every waypoint covered.
	if err := f.task(t, "seed probes X1-BH").Run(ctx, "BH-1"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if n := len(f.game.Purchases()); n != 4 {
		t.Fatalf("reseed bought more probes: %d", n)
	}
}

func TestSeed_StopsWhenOutOfCredits(t *testing.T) {
	f := newFixture(t, 25000)
	f.addShip(t, gametest.NewShip("BH-1", owner, "X1-BH-A1"))

	if err := f.task(t, "seed probes X1-BH").Run(context.Background(), "BH-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := f.game.Purchases(); !reflect.DeepEqual(got, []string{"SHIP_PROBE@X1-BH-A1"}) {
		t.Fatalf("purchases = %v", got)
	}
}

func TestSeed_FailsWithoutProbeShipyard(t *testing.T) {
	f := newFixture(t, 100000)
	f.addShip(t, gametest.NewShip("BH-1", owner, "X1-BH-A1"))
	f.game.AddShipyard("X1-BH-A1", gametest.Shipyard{Prices: map[string]int{"SHIP_MINING_DRONE": 50000}})
	f.game.AddShipyard("X1-BH-C3", gametest.Shipyard{Prices: map[string]int{"SHIP_MINING_DRONE": 50000}})

	if err := f.task(t, "seed probes X1-BH").Run(context.Background(), "BH-1"); err == nil {
		t.Fatal("expected error for a system without probe shipyards")
	}
	if n := len(f.game.Purchases()); n != 0 {
		t.Fatalf("purchases = %d", n)
	}
}
