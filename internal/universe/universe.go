// Package universe loads a star system into the local cache and answers
// questions about it.
package universe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/pathing"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/ship"
)

// Waypoint traits and types the loader branches on.
const (
	TraitMarketplace = "MARKETPLACE"
	TraitShipyard    = "SHIPYARD"
	TraitUncharted   = "UNCHARTED"
	TypeJumpGate     = "JUMP_GATE"
)

// Store is the cache a System reads from and fills.
type Store interface {
	ship.ObservationStore
	UpsertSystem(ctx context.Context, sys persistence.System) error
	GetSystem(ctx context.Context, symbol string) (*persistence.System, error)
	UpsertWaypoints(ctx context.Context, wps []persistence.Waypoint) error
	ListWaypoints(ctx context.Context, system string) ([]persistence.Waypoint, error)
	ListMarkets(ctx context.Context, system string) ([]persistence.Market, error)
	ListShipyards(ctx context.Context, system string) ([]persistence.Shipyard, error)
	LatestTradeGoods(ctx context.Context, system, good string) (map[string]persistence.TradeGood, error)
	LatestShipyardShips(ctx context.Context, system, shipType string) (map[string]persistence.ShipyardShip, error)
	SaveJumpGate(ctx context.Context, g persistence.JumpGate) error
	GetJumpGate(ctx context.Context, symbol string) (*persistence.JumpGate, error)
}

// lazy computes a value on first successful use. Failures are not cached.
type lazy[T any] struct {
	mu   sync.Mutex
	done bool
	v    T
}

func (l *lazy[T]) get(ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.v, nil
	}
	v, err := f(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.v, l.done = v, true
	return v, nil
}

// System is a loaded star system. Derived views are computed on first use
// and cached for the lifetime of the value.
type System struct {
	Info      persistence.System
	Waypoints map[string]persistence.Waypoint

	store  Store
	logger *slog.Logger

	markets   lazy[map[string]persistence.Market]
	shipyards lazy[map[string]persistence.Shipyard]
	gate      lazy[*persistence.JumpGate]
	graph     func() *pathing.Graph
}

type waypointRef struct {
	Symbol string `json:"symbol"`
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Orbits string `json:"orbits"`
}

type systemDoc struct {
	Symbol    string        `json:"symbol"`
	Type      string        `json:"type"`
	X         int           `json:"x"`
	Y         int           `json:"y"`
	Waypoints []waypointRef `json:"waypoints"`
}

type waypointDoc struct {
	waypointRef
	Traits []struct {
		Symbol string `json:"symbol"`
	} `json:"traits"`
	Faction struct {
		Symbol string `json:"symbol"`
	} `json:"faction"`
	IsUnderConstruction bool `json:"isUnderConstruction"`
}

// Load returns symbol from the cache, fetching whatever is missing. The
// system document is fetched when the system is unknown; waypoint details,
// markets, shipyards and jump gates are fetched while any waypoint lacks
// traits.
func Load(ctx context.Context, store Store, api *gateway.Client, symbol string, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", symbol)

	info, err := store.GetSystem(ctx, symbol)
	if errors.Is(err, persistence.ErrNotFound) {
		info, err = fetchSystem(ctx, store, api, symbol)
	}
	if err != nil {
		return nil, err
	}

	wps, err := store.ListWaypoints(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if needsDetails(wps) {
		if err := fetchWaypoints(ctx, store, api, symbol, logger); err != nil {
			return nil, err
		}
		if wps, err = store.ListWaypoints(ctx, symbol); err != nil {
			return nil, err
		}
	}

	s := &System{
		Info:      *info,
		Waypoints: make(map[string]persistence.Waypoint, len(wps)),
		store:     store,
		logger:    logger,
	}
	for _, wp := range wps {
		s.Waypoints[wp.Symbol] = wp
	}
	s.graph = sync.OnceValue(s.buildGraph)
	return s, nil
}

// ClientFor returns api unchanged when it carries a token, otherwise a copy
// authenticated with the token resolve returns.
func ClientFor(ctx context.Context, api *gateway.Client, resolve func(context.Context) (string, error)) (*gateway.Client, error) {
	if api.Token() != "" || resolve == nil {
		return api, nil
	}
	token, err := resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return api.WithToken(token), nil
}

func needsDetails(wps []persistence.Waypoint) bool {
	for _, wp := range wps {
		if wp.Traits == nil {
			return true
		}
	}
	return false
}

func fetchSystem(ctx context.Context, store Store, api *gateway.Client, symbol string) (*persistence.System, error) {
	var doc systemDoc
	if err := api.Get(ctx, "systems/"+symbol, map[string]string{}, &doc); err != nil {
		return nil, fmt.Errorf("get system %s: %w", symbol, err)
	}
	info := persistence.System{Symbol: symbol, Type: doc.Type, X: doc.X, Y: doc.Y}
	if err := store.UpsertSystem(ctx, info); err != nil {
		return nil, err
	}
	wps := make([]persistence.Waypoint, 0, len(doc.Waypoints))
	for _, ref := range doc.Waypoints {
		wps = append(wps, persistence.Waypoint{
			Symbol: ref.Symbol, SystemSymbol: symbol, Type: ref.Type,
			X: ref.X, Y: ref.Y, Orbits: ref.Orbits,
		})
	}
	if err := store.UpsertWaypoints(ctx, wps); err != nil {
		return nil, err
	}
	return &info, nil
}

// charted reports whether a waypoint's details are worth fetching.
func charted(traits []string) bool {
	if len(traits) == 0 {
		return false
	}
	return !(len(traits) == 1 && traits[0] == TraitUncharted)
}

// fetchWaypoints pages the waypoint listing and fetches the details of
// every charted one. Traits are stored last so that a failed run is
// retried by the next Load.
func fetchWaypoints(ctx context.Context, store Store, api *gateway.Client, symbol string, logger *slog.Logger) error {
	docs, err := gateway.GetAll[waypointDoc](ctx, api, "systems/"+symbol+"/waypoints")
	if err != nil {
		return fmt.Errorf("list waypoints of %s: %w", symbol, err)
	}
	now := time.Now().UTC()
	wps := make([]persistence.Waypoint, 0, len(docs))
	for _, d := range docs {
		traits := make([]string, 0, len(d.Traits))
		for _, t := range d.Traits {
			traits = append(traits, t.Symbol)
		}
		wp := persistence.Waypoint{
			Symbol: d.Symbol, SystemSymbol: symbol, Type: d.Type,
			X: d.X, Y: d.Y, Orbits: d.Orbits, Traits: traits,
			Faction: d.Faction.Symbol, UnderConstruction: d.IsUnderConstruction,
		}
		wps = append(wps, wp)
		if !charted(traits) {
			continue
		}
		if wp.Type == TypeJumpGate {
			var gate struct {
				Connections []string `json:"connections"`
			}
			if err := api.Get(ctx, fmt.Sprintf("systems/%s/waypoints/%s/jump-gate", symbol, wp.Symbol), map[string]string{}, &gate); err != nil {
				return fmt.Errorf("get jump gate %s: %w", wp.Symbol, err)
			}
			if err := store.SaveJumpGate(ctx, persistence.JumpGate{Symbol: wp.Symbol, SystemSymbol: symbol, Connections: gate.Connections}); err != nil {
				return err
			}
		}
		if wp.HasTrait(TraitMarketplace) {
			if _, _, err := ship.ObserveMarket(ctx, api, store, symbol, wp.Symbol, now); err != nil {
				return err
			}
		}
		if wp.HasTrait(TraitShipyard) {
			if _, _, err := ship.ObserveShipyard(ctx, api, store, symbol, wp.Symbol, now); err != nil {
				return err
			}
		}
	}
	if err := store.UpsertWaypoints(ctx, wps); err != nil {
		return err
	}
	logger.Info("system charted", "waypoints", len(wps))
	return nil
}

func (s *System) Symbol() string { return s.Info.Symbol }

// Markets returns the system's known markets keyed by waypoint.
func (s *System) Markets(ctx context.Context) (map[string]persistence.Market, error) {
	return s.markets.get(ctx, func(ctx context.Context) (map[string]persistence.Market, error) {
		list, err := s.store.ListMarkets(ctx, s.Info.Symbol)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			s.logger.Warn("system has no market")
		}
		out := make(map[string]persistence.Market, len(list))
		for _, m := range list {
			out[m.Symbol] = m
		}
		return out, nil
	})
}

// Shipyards returns the system's known shipyards keyed by waypoint.
func (s *System) Shipyards(ctx context.Context) (map[string]persistence.Shipyard, error) {
	return s.shipyards.get(ctx, func(ctx context.Context) (map[string]persistence.Shipyard, error) {
		list, err := s.store.ListShipyards(ctx, s.Info.Symbol)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			s.logger.Warn("system has no shipyard")
		}
		out := make(map[string]persistence.Shipyard, len(list))
		for _, y := range list {
			out[y.Symbol] = y
		}
		return out, nil
	})
}

// Gate returns the system's jump gate, nil when it has none. An uncharted
// gate has nil connections.
func (s *System) Gate(ctx context.Context) (*persistence.JumpGate, error) {
	return s.gate.get(ctx, func(ctx context.Context) (*persistence.JumpGate, error) {
		for _, sym := range s.sortedWaypoints() {
			wp := s.Waypoints[sym]
			if wp.Type != TypeJumpGate {
				continue
			}
			stub := &persistence.JumpGate{Symbol: wp.Symbol, SystemSymbol: s.Info.Symbol}
			if wp.HasTrait(TraitUncharted) {
				s.logger.Warn("jump gate is uncharted", "waypoint", wp.Symbol)
				return stub, nil
			}
			gate, err := s.store.GetJumpGate(ctx, wp.Symbol)
			if errors.Is(err, persistence.ErrNotFound) {
				return stub, nil
			}
			return gate, err
		}
		s.logger.Warn("system has no jump gate")
		return nil, nil
	})
}

// Uncharted returns the waypoints carrying the UNCHARTED trait.
func (s *System) Uncharted() []string {
	var out []string
	for _, sym := range s.sortedWaypoints() {
		if s.Waypoints[sym].HasTrait(TraitUncharted) {
			out = append(out, sym)
		}
	}
	return out
}

// Graph returns the waypoint graph used for route planning.
func (s *System) Graph() *pathing.Graph {
	return s.graph()
}

func (s *System) buildGraph() *pathing.Graph {
	g := pathing.NewGraph()
	for _, sym := range s.sortedWaypoints() {
		wp := s.Waypoints[sym]
		g.Add(wp.Symbol, float64(wp.X), float64(wp.Y))
	}
	return g
}

func (s *System) sortedWaypoints() []string {
	out := make([]string, 0, len(s.Waypoints))
	for sym := range s.Waypoints {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// MarketsWith returns the markets trading good under tradeType (IMPORTS,
// EXPORTS, EXCHANGE, BUYS, SELLS or "" for any), sorted.
func (s *System) MarketsWith(ctx context.Context, good, tradeType string) ([]string, error) {
	markets, err := s.Markets(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for sym, m := range markets {
		if m.Trades(good, tradeType) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ShipyardsWith returns the shipyards offering shipType, sorted.
func (s *System) ShipyardsWith(ctx context.Context, shipType string) ([]string, error) {
	yards, err := s.Shipyards(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for sym, y := range yards {
		for _, t := range y.ShipTypes {
			if t == shipType {
				out = append(out, sym)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// FuelStops returns the markets selling FUEL.
func (s *System) FuelStops(ctx context.Context) ([]string, error) {
	return s.MarketsWith(ctx, "FUEL", "SELLS")
}

// ShipPrices returns the latest listed price of shipType per shipyard.
func (s *System) ShipPrices(ctx context.Context, shipType string) (map[string]int, error) {
	listed, err := s.store.LatestShipyardShips(ctx, s.Info.Symbol, shipType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(listed))
	for sym, l := range listed {
		out[sym] = l.PurchasePrice
	}
	return out, nil
}

// GoodPrices returns the latest purchase price of good per market.
func (s *System) GoodPrices(ctx context.Context, good string) (map[string]int, error) {
	goods, err := s.store.LatestTradeGoods(ctx, s.Info.Symbol, good)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(goods))
	for sym, g := range goods {
		out[sym] = g.PurchasePrice
	}
	return out, nil
}
