// Package ship holds the typed state of one ship and the remote actions that
// change it.
package ship

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/gofleet/internal/navcost"
	"github.com/basket/gofleet/internal/pathing"
	"github.com/basket/gofleet/internal/persistence"
)

// Navigation statuses reported by the API.
const (
	StatusDocked    = "DOCKED"
	StatusInOrbit   = "IN_ORBIT"
	StatusInTransit = "IN_TRANSIT"
)

// FrameProbe is the frame of satellites, which navigate without fuel stops.
const FrameProbe = "FRAME_PROBE"

type RoutePoint struct {
	Symbol       string `json:"symbol"`
	SystemSymbol string `json:"systemSymbol"`
	Type         string `json:"type,omitempty"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
}

type NavRoute struct {
	Origin        RoutePoint `json:"origin"`
	Destination   RoutePoint `json:"destination"`
	DepartureTime time.Time  `json:"departureTime"`
	Arrival       time.Time  `json:"arrival"`
}

type Nav struct {
	SystemSymbol   string   `json:"systemSymbol"`
	WaypointSymbol string   `json:"waypointSymbol"`
	Status         string   `json:"status"`
	FlightMode     string   `json:"flightMode"`
	Route          NavRoute `json:"route"`
}

type Fuel struct {
	Current  int `json:"current"`
	Capacity int `json:"capacity"`
}

type Component struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Condition float64 `json:"condition,omitempty"`
	Integrity float64 `json:"integrity,omitempty"`
}

type Engine struct {
	Component
	Speed int `json:"speed"`
}

type Registration struct {
	Name          string `json:"name"`
	FactionSymbol string `json:"factionSymbol"`
	Role          string `json:"role"`
}

type Cooldown struct {
	TotalSeconds     int        `json:"totalSeconds"`
	RemainingSeconds int        `json:"remainingSeconds"`
	Expiration       *time.Time `json:"expiration,omitempty"`
}

type Cargo struct {
	Capacity  int             `json:"capacity"`
	Units     int             `json:"units"`
	Inventory json.RawMessage `json:"inventory,omitempty"`
}

// Ship is the cached state of one ship. It mirrors the API document but
// only the members gofleet reads are typed.
type Ship struct {
	Symbol       string       `json:"symbol"`
	AgentSymbol  string       `json:"agentSymbol"`
	Nav          Nav          `json:"nav"`
	Fuel         Fuel         `json:"fuel"`
	Frame        Component    `json:"frame"`
	Reactor      Component    `json:"reactor"`
	Engine       Engine       `json:"engine"`
	Registration Registration `json:"registration"`
	Cooldown     Cooldown     `json:"cooldown"`
	Cargo        Cargo        `json:"cargo"`
}

// members maps API keys to the fields ApplyUpdate may overwrite.
func (s *Ship) members() map[string]any {
	return map[string]any{
		"nav":          &s.Nav,
		"fuel":         &s.Fuel,
		"frame":        &s.Frame,
		"reactor":      &s.Reactor,
		"engine":       &s.Engine,
		"registration": &s.Registration,
		"cooldown":     &s.Cooldown,
		"cargo":        &s.Cargo,
	}
}

// ApplyUpdate merges a partial API payload into s. Keys the ship does not
// have are ignored and symbol is never overwritten. It returns the keys
// applied.
func (s *Ship) ApplyUpdate(data json.RawMessage) ([]string, error) {
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode ship update: %w", err)
	}
	members := s.members()
	var applied []string
	for key, raw := range parts {
		dst, ok := members[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return applied, fmt.Errorf("decode ship %s: %w", key, err)
		}
		applied = append(applied, key)
	}
	return applied, nil
}

// Name is the human label used in logs, e.g. "Satellite probe SHIP-2".
func (s *Ship) Name() string {
	var parts []string
	if role := strings.ToLower(s.Registration.Role); role != "" {
		parts = append(parts, strings.ToUpper(role[:1])+role[1:])
	}
	if s.Frame.Name != "" {
		parts = append(parts, strings.ToLower(s.Frame.Name))
	}
	return strings.Join(append(parts, s.Symbol), " ")
}

// Profile is the planner's view of the ship.
func (s *Ship) Profile() pathing.Profile {
	return pathing.Profile{
		FuelCapacity: s.Fuel.Capacity,
		Speed:        s.Engine.Speed,
		Reactor:      s.Reactor.Symbol,
	}
}

// FlightMode returns the parsed current flight mode, CRUISE when unknown.
func (s *Ship) FlightMode() navcost.FlightMode {
	m, err := navcost.ParseMode(s.Nav.FlightMode)
	if err != nil {
		return navcost.Cruise
	}
	return m
}

// NavRemaining is the time left until the current route arrives.
func (s *Ship) NavRemaining(now time.Time) time.Duration {
	return remaining(s.Nav.Route.Arrival, now)
}

// CooldownRemaining is the time left on the reactor cooldown.
func (s *Ship) CooldownRemaining(now time.Time) time.Duration {
	if s.Cooldown.Expiration == nil {
		return 0
	}
	return remaining(*s.Cooldown.Expiration, now)
}

func remaining(t, now time.Time) time.Duration {
	if t.IsZero() || !t.After(now) {
		return 0
	}
	return t.Sub(now)
}

// Record encodes s for the ships table.
func (s *Ship) Record() (persistence.ShipRecord, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return persistence.ShipRecord{}, fmt.Errorf("encode ship %s: %w", s.Symbol, err)
	}
	return persistence.ShipRecord{Symbol: s.Symbol, AgentSymbol: s.AgentSymbol, Data: data}, nil
}

// FromRecord decodes a cached ship.
func FromRecord(rec persistence.ShipRecord) (*Ship, error) {
	var s Ship
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, fmt.Errorf("decode ship %s: %w", rec.Symbol, err)
	}
	s.Symbol = rec.Symbol
	if s.AgentSymbol == "" {
		s.AgentSymbol = rec.AgentSymbol
	}
	return &s, nil
}

// Getter reads cached ships.
type Getter interface {
	GetShip(ctx context.Context, symbol string) (*persistence.ShipRecord, error)
}

// Load reads a ship from the cache.
func Load(ctx context.Context, store Getter, symbol string) (*Ship, error) {
	rec, err := store.GetShip(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return FromRecord(*rec)
}

// SystemOf returns the system part of a waypoint symbol, "X1-AB12" for
// "X1-AB12-C3".
func SystemOf(waypoint string) string {
	if i := strings.LastIndex(waypoint, "-"); i > 0 {
		return waypoint[:i]
	}
	return waypoint
}
