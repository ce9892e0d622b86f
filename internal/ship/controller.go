package ship

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/gofleet/internal/navcost"
	"github.com/basket/gofleet/internal/persistence"
)

// Store is what a Controller persists into.
type Store interface {
	ObservationStore
	SaveShip(ctx context.Context, rec persistence.ShipRecord) error
}

// TaskProvisioner creates the task row of a newly bought ship.
type TaskProvisioner interface {
	ProvisionTask(ctx context.Context, agentID, owner, pool string) error
}

type Config struct {
	API    API
	Store  Store
	Tasks  TaskProvisioner
	Logger *slog.Logger
	Now    func() time.Time
	// Sleep waits d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller performs remote actions for one ship and keeps its cached
// state current. It is not safe for concurrent use; each task owns one.
type Controller struct {
	ship   *Ship
	api    API
	store  Store
	tasks  TaskProvisioner
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewController(s *Ship, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Controller{
		ship:   s,
		api:    cfg.API,
		store:  cfg.Store,
		tasks:  cfg.Tasks,
		logger: cfg.Logger.With("ship", s.Symbol),
		now:    cfg.Now,
		sleep:  cfg.Sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) Ship() *Ship { return c.ship }

func (c *Controller) Now() time.Time { return c.now() }

// Sleep waits d or until ctx ends.
func (c *Controller) Sleep(ctx context.Context, d time.Duration) error {
	return c.sleep(ctx, d)
}

func (c *Controller) NavRemaining() time.Duration { return c.ship.NavRemaining(c.now()) }

func (c *Controller) CooldownRemaining() time.Duration { return c.ship.CooldownRemaining(c.now()) }

// WaitArrival sleeps out the current transit.
func (c *Controller) WaitArrival(ctx context.Context) error {
	if err := c.sleep(ctx, c.NavRemaining()); err != nil {
		return err
	}
	return c.settleNav(ctx)
}

func (c *Controller) persist(ctx context.Context) error {
	rec, err := c.ship.Record()
	if err != nil {
		return err
	}
	return c.store.SaveShip(ctx, rec)
}

func (c *Controller) apply(ctx context.Context, data json.RawMessage) error {
	if _, err := c.ship.ApplyUpdate(data); err != nil {
		return err
	}
	return c.persist(ctx)
}

// settleNav turns an arrived IN_TRANSIT ship into IN_ORBIT locally.
func (c *Controller) settleNav(ctx context.Context) error {
	if c.ship.Nav.Status == StatusInTransit && c.NavRemaining() == 0 {
		c.ship.Nav.Status = StatusInOrbit
		return c.persist(ctx)
	}
	return nil
}

// Refresh reloads the ship from the API.
func (c *Controller) Refresh(ctx context.Context) error {
	var data json.RawMessage
	if err := c.api.Get(ctx, "my/ships/"+c.ship.Symbol, map[string]string{}, &data); err != nil {
		return fmt.Errorf("refresh %s: %w", c.ship.Symbol, err)
	}
	return c.apply(ctx, data)
}

// Dock docks an orbiting ship. Docked ships are left alone.
func (c *Controller) Dock(ctx context.Context) error {
	if err := c.settleNav(ctx); err != nil {
		return err
	}
	if c.ship.Nav.Status != StatusInOrbit {
		return nil
	}
	var data json.RawMessage
	if err := c.api.Post(ctx, "my/ships/"+c.ship.Symbol+"/dock", nil, &data); err != nil {
		return fmt.Errorf("dock %s: %w", c.ship.Symbol, err)
	}
	return c.apply(ctx, data)
}

// Orbit undocks a docked ship. Orbiting ships are left alone.
func (c *Controller) Orbit(ctx context.Context) error {
	if err := c.settleNav(ctx); err != nil {
		return err
	}
	if c.ship.Nav.Status != StatusDocked {
		return nil
	}
	var data json.RawMessage
	if err := c.api.Post(ctx, "my/ships/"+c.ship.Symbol+"/orbit", nil, &data); err != nil {
		return fmt.Errorf("orbit %s: %w", c.ship.Symbol, err)
	}
	return c.apply(ctx, data)
}

// Navigate flies to waypoint in the current system. It returns once the
// route is accepted; use WaitArrival to sleep out the transit.
func (c *Controller) Navigate(ctx context.Context, waypoint string) error {
	if err := c.Orbit(ctx); err != nil {
		return err
	}
	var data json.RawMessage
	body := map[string]string{"waypointSymbol": waypoint}
	if err := c.api.Post(ctx, "my/ships/"+c.ship.Symbol+"/navigate", body, &data); err != nil {
		return fmt.Errorf("navigate %s to %s: %w", c.ship.Symbol, waypoint, err)
	}
	if err := c.apply(ctx, data); err != nil {
		return err
	}
	c.logger.Info("ship navigating",
		"name", c.ship.Name(), "destination", waypoint,
		"mode", c.ship.Nav.FlightMode, "arrival_in", c.NavRemaining().Round(time.Second))
	return nil
}

// PatchNav switches the flight mode.
func (c *Controller) PatchNav(ctx context.Context, mode navcost.FlightMode) error {
	if _, err := navcost.ParseMode(string(mode)); err != nil {
		return err
	}
	if c.ship.Nav.FlightMode == string(mode) {
		return nil
	}
	var data json.RawMessage
	body := map[string]string{"flightMode": string(mode)}
	if err := c.api.Patch(ctx, "my/ships/"+c.ship.Symbol+"/nav", body, &data); err != nil {
		return fmt.Errorf("patch nav %s: %w", c.ship.Symbol, err)
	}
	applied, err := c.ship.ApplyUpdate(data)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		// Older API versions reply with the bare nav object.
		if err := json.Unmarshal(data, &c.ship.Nav); err != nil {
			return fmt.Errorf("decode nav: %w", err)
		}
	}
	return c.persist(ctx)
}

// Refuel docks and fills the tank from the local market.
func (c *Controller) Refuel(ctx context.Context) error {
	if c.ship.Fuel.Capacity == 0 || c.ship.Fuel.Current >= c.ship.Fuel.Capacity {
		return nil
	}
	if err := c.Dock(ctx); err != nil {
		return err
	}
	var data json.RawMessage
	if err := c.api.Post(ctx, "my/ships/"+c.ship.Symbol+"/refuel", map[string]bool{"fromCargo": false}, &data); err != nil {
		return fmt.Errorf("refuel %s: %w", c.ship.Symbol, err)
	}
	return c.apply(ctx, data)
}

// Market records the market at the ship's waypoint.
func (c *Controller) Market(ctx context.Context) (persistence.Market, []persistence.TradeGood, error) {
	return ObserveMarket(ctx, c.api, c.store, c.ship.Nav.SystemSymbol, c.ship.Nav.WaypointSymbol, c.now().UTC())
}

// Shipyard records the shipyard at the ship's waypoint.
func (c *Controller) Shipyard(ctx context.Context) (persistence.Shipyard, []persistence.ShipyardShip, error) {
	return ObserveShipyard(ctx, c.api, c.store, c.ship.Nav.SystemSymbol, c.ship.Nav.WaypointSymbol, c.now().UTC())
}

// BuyShip buys shipType at the ship's waypoint and records the shipyard
// afterwards.
func (c *Controller) BuyShip(ctx context.Context, shipType string) (*Ship, error) {
	bought, err := BuyShip(ctx, c.api, c.store, c.tasks, shipType, c.ship.Nav.WaypointSymbol, c.ship.AgentSymbol)
	if err != nil {
		return nil, err
	}
	c.logger.Info("ship bought", "type", shipType, "new_ship", bought.Symbol, "waypoint", c.ship.Nav.WaypointSymbol)
	if _, _, err := c.Shipyard(ctx); err != nil {
		c.logger.Warn("shipyard observation after purchase failed", "error", err)
	}
	return bought, nil
}

type purchase struct {
	Ship        json.RawMessage `json:"ship"`
	Transaction struct {
		Price int `json:"price"`
	} `json:"transaction"`
}

// BuyShip purchases shipType at waypoint for agentSymbol. One of the
// agent's ships must be present there. The new ship is cached and gets an
// unpooled task row.
func BuyShip(ctx context.Context, api API, store Store, tasks TaskProvisioner, shipType, waypoint, agentSymbol string) (*Ship, error) {
	var p purchase
	body := map[string]string{"shipType": shipType, "waypointSymbol": waypoint}
	if err := api.Post(ctx, "my/ships", body, &p); err != nil {
		return nil, fmt.Errorf("buy %s at %s: %w", shipType, waypoint, err)
	}
	var s Ship
	if err := json.Unmarshal(p.Ship, &s); err != nil {
		return nil, fmt.Errorf("decode purchased ship: %w", err)
	}
	s.AgentSymbol = agentSymbol
	rec, err := s.Record()
	if err != nil {
		return nil, err
	}
	if err := store.SaveShip(ctx, rec); err != nil {
		return nil, err
	}
	if tasks != nil {
		if err := tasks.ProvisionTask(ctx, s.Symbol, agentSymbol, ""); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
