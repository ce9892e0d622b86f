// Package gametest is a small in-memory rendition of the game API for tests
// that exercise ships, universe loading and behaviours end to end.
package gametest

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/gateway/gatewaytest"
	"github.com/basket/gofleet/internal/navcost"
	"github.com/basket/gofleet/internal/ship"
)

// Trait symbols the fake understands.
const (
	TraitMarketplace = "MARKETPLACE"
	TraitShipyard    = "SHIPYARD"
	TraitUncharted   = "UNCHARTED"
	TypeJumpGate     = "JUMP_GATE"
)

type Waypoint struct {
	Symbol string
	Type   string
	X, Y   int
	Traits []string
}

type Market struct {
	Imports  []string
	Exports  []string
	Exchange []string
	// Prices is the purchase price per listed good.
	Prices map[string]int
}

type Shipyard struct {
	// Prices is the purchase price per ship type on offer.
	Prices map[string]int
}

// Game is the fake universe. Fields may be set up before the first request;
// afterwards use the accessor methods.
type Game struct {
	Harness *gatewaytest.Harness

	mu        sync.Mutex
	now       func() time.Time
	transit   time.Duration
	system    string
	waypoints map[string]*Waypoint
	markets   map[string]*Market
	shipyards map[string]*Shipyard
	gates     map[string][]string
	ships     map[string]*ship.Ship
	agents    map[string]*agent // by token
	purchases []string
	calls     map[string]int
}

type agent struct {
	symbol  string
	faction string
	credits int
	ships   int
}

// New starts a fake game with a single system behind a gateway harness.
func New(t testing.TB, system string) *Game {
	t.Helper()
	g := &Game{
		now:       time.Now,
		system:    system,
		waypoints: make(map[string]*Waypoint),
		markets:   make(map[string]*Market),
		shipyards: make(map[string]*Shipyard),
		gates:     make(map[string][]string),
		ships:     make(map[string]*ship.Ship),
		agents:    make(map[string]*agent),
		calls:     make(map[string]int),
	}
	g.Harness = gatewaytest.New(t, g.handler())
	return g
}

// Client returns a tier-0 facade authenticated with token.
func (g *Game) Client(token string) *gateway.Client {
	return g.Harness.Client(token)
}

// SetTransit makes every navigation take d. Zero means instant arrival.
func (g *Game) SetTransit(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transit = d
}

func (g *Game) AddWaypoint(wp Waypoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := wp
	g.waypoints[wp.Symbol] = &cp
}

func (g *Game) AddMarket(symbol string, m Market) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := m
	g.markets[symbol] = &cp
}

func (g *Game) AddShipyard(symbol string, y Shipyard) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := y
	g.shipyards[symbol] = &cp
}

func (g *Game) AddJumpGate(symbol string, connections ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[symbol] = connections
}

// AddAgent registers an agent reachable through token.
func (g *Game) AddAgent(token, symbol string, credits int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agents[token] = &agent{symbol: symbol, credits: credits, faction: "COSMIC"}
}

// AddShip places s in the fake. Its AgentSymbol must belong to an agent.
func (g *Game) AddShip(s ship.Ship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := s
	g.ships[s.Symbol] = &cp
	for _, a := range g.agents {
		if a.symbol == s.AgentSymbol {
			a.ships++
		}
	}
}

// Ship returns a copy of the fake's view of symbol.
func (g *Game) Ship(symbol string) (ship.Ship, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.ships[symbol]
	if !ok {
		return ship.Ship{}, false
	}
	return *s, true
}

// Credits returns the balance of the agent behind token.
func (g *Game) Credits(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.agents[token]; ok {
		return a.credits
	}
	return 0
}

// Purchases lists "<type>@<waypoint>" for every ship bought, in order.
func (g *Game) Purchases() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.purchases...)
}

// Calls returns how often "METHOD /path" was requested.
func (g *Game) Calls(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

// NewShip returns a fueled command ship docked at waypoint.
func NewShip(symbol, agentSymbol, waypoint string) ship.Ship {
	return ship.Ship{
		Symbol:      symbol,
		AgentSymbol: agentSymbol,
		Nav: ship.Nav{
			SystemSymbol:   ship.SystemOf(waypoint),
			WaypointSymbol: waypoint,
			Status:         ship.StatusDocked,
			FlightMode:     string(navcost.Cruise),
		},
		Fuel:         ship.Fuel{Current: 400, Capacity: 400},
		Frame:        ship.Component{Symbol: "FRAME_FRIGATE", Name: "Frigate"},
		Reactor:      ship.Component{Symbol: "REACTOR_FISSION_I"},
		Engine:       ship.Engine{Component: ship.Component{Symbol: "ENGINE_ION_DRIVE_I"}, Speed: 30},
		Registration: ship.Registration{Name: symbol, Role: "COMMAND"},
	}
}

// NewProbe returns a solar probe in orbit at waypoint.
func NewProbe(symbol, agentSymbol, waypoint string) ship.Ship {
	s := NewShip(symbol, agentSymbol, waypoint)
	s.Nav.Status = ship.StatusInOrbit
	s.Fuel = ship.Fuel{}
	s.Frame = ship.Component{Symbol: ship.FrameProbe, Name: "Probe"}
	s.Reactor = ship.Component{Symbol: navcost.SolarReactor}
	s.Engine.Speed = 3
	s.Registration.Role = "SATELLITE"
	return s
}

func writeData(w http.ResponseWriter, status int, v any) {
	gatewaytest.WriteData(w, status, v)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	gatewaytest.WriteError(w, status, code, msg, nil)
}

func (g *Game) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"status": "SpaceTraders is currently online", "version": "v2.3.0", "resetDate": "2026-10-11"})
	})
	mux.HandleFunc("POST /register", g.register)
	mux.HandleFunc("GET /my/agent", g.withAgent(func(w http.ResponseWriter, _ *http.Request, a *agent) {
		writeData(w, http.StatusOK, map[string]any{"symbol": a.symbol, "credits": a.credits, "shipCount": a.ships, "startingFaction": a.faction})
	}))
	mux.HandleFunc("GET /my/ships/{ship}", g.withShip(func(w http.ResponseWriter, _ *http.Request, _ *agent, s *ship.Ship) {
		writeData(w, http.StatusOK, s)
	}))
	mux.HandleFunc("POST /my/ships/{ship}/dock", g.withShip(g.dock))
	mux.HandleFunc("POST /my/ships/{ship}/orbit", g.withShip(g.orbit))
	mux.HandleFunc("POST /my/ships/{ship}/navigate", g.withShip(g.navigate))
	mux.HandleFunc("PATCH /my/ships/{ship}/nav", g.withShip(g.patchNav))
	mux.HandleFunc("POST /my/ships/{ship}/refuel", g.withShip(g.refuel))
	mux.HandleFunc("POST /my/ships", g.withAgent(g.buyShip))
	mux.HandleFunc("GET /systems/{system}", g.getSystem)
	mux.HandleFunc("GET /systems/{system}/waypoints", g.listWaypoints)
	mux.HandleFunc("GET /systems/{system}/waypoints/{wp}/market", g.getMarket)
	mux.HandleFunc("GET /systems/{system}/waypoints/{wp}/shipyard", g.getShipyard)
	mux.HandleFunc("GET /systems/{system}/waypoints/{wp}/jump-gate", g.getJumpGate)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.calls[r.Method+" "+r.URL.Path]++
		g.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (g *Game) withAgent(h func(http.ResponseWriter, *http.Request, *agent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		a, ok := g.agents[bearer(r)]
		if !ok {
			writeError(w, http.StatusUnauthorized, 4100, "Missing or invalid token")
			return
		}
		h(w, r, a)
	}
}

func (g *Game) withShip(h func(http.ResponseWriter, *http.Request, *agent, *ship.Ship)) http.HandlerFunc {
	return g.withAgent(func(w http.ResponseWriter, r *http.Request, a *agent) {
		s, ok := g.ships[r.PathValue("ship")]
		if !ok || s.AgentSymbol != a.symbol {
			writeError(w, http.StatusNotFound, 404, "Ship not found")
			return
		}
		g.settle(s)
		h(w, r, a, s)
	})
}

func (g *Game) settle(s *ship.Ship) {
	if s.Nav.Status == ship.StatusInTransit && !s.Nav.Route.Arrival.After(g.now()) {
		s.Nav.Status = ship.StatusInOrbit
	}
}

func (g *Game) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol  string `json:"symbol"`
		Faction string `json:"faction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		writeError(w, http.StatusUnprocessableEntity, 422, "Invalid registration payload")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.agents {
		if a.symbol == req.Symbol {
			writeError(w, http.StatusConflict, 4111, "Agent symbol has already been claimed")
			return
		}
	}
	token := "token-" + req.Symbol
	a := &agent{symbol: req.Symbol, faction: req.Faction, credits: 175000, ships: 1}
	g.agents[token] = a
	var hq string
	for sym := range g.waypoints {
		if hq == "" || sym < hq {
			hq = sym
		}
	}
	s := NewShip(req.Symbol+"-1", req.Symbol, hq)
	g.ships[s.Symbol] = &s
	writeData(w, http.StatusCreated, map[string]any{
		"token": token,
		"agent": map[string]any{"symbol": a.symbol, "credits": a.credits, "headquarters": hq, "startingFaction": a.faction},
		"ship":  s,
	})
}

func (g *Game) dock(w http.ResponseWriter, _ *http.Request, _ *agent, s *ship.Ship) {
	if s.Nav.Status == ship.StatusInTransit {
		writeError(w, http.StatusBadRequest, 4214, "Ship is currently in-transit")
		return
	}
	s.Nav.Status = ship.StatusDocked
	writeData(w, http.StatusOK, map[string]any{"nav": s.Nav})
}

func (g *Game) orbit(w http.ResponseWriter, _ *http.Request, _ *agent, s *ship.Ship) {
	if s.Nav.Status == ship.StatusInTransit {
		writeError(w, http.StatusBadRequest, 4214, "Ship is currently in-transit")
		return
	}
	s.Nav.Status = ship.StatusInOrbit
	writeData(w, http.StatusOK, map[string]any{"nav": s.Nav})
}

func (g *Game) distance(a, b string) (float64, bool) {
	wa, ok1 := g.waypoints[a]
	wb, ok2 := g.waypoints[b]
	if !ok1 || !ok2 {
		return 0, false
	}
	return math.Hypot(float64(wa.X-wb.X), float64(wa.Y-wb.Y)), true
}

func (g *Game) navigate(w http.ResponseWriter, r *http.Request, _ *agent, s *ship.Ship) {
	var req struct {
		WaypointSymbol string `json:"waypointSymbol"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if s.Nav.Status != ship.StatusInOrbit {
		writeError(w, http.StatusBadRequest, 4236, "Ship is not in orbit")
		return
	}
	if req.WaypointSymbol == s.Nav.WaypointSymbol {
		writeError(w, http.StatusBadRequest, 4204, "Ship is already at the destination")
		return
	}
	d, ok := g.distance(s.Nav.WaypointSymbol, req.WaypointSymbol)
	if !ok {
		writeError(w, http.StatusNotFound, 404, "Waypoint not found")
		return
	}
	mode := s.FlightMode()
	fuel, _ := navcost.FuelCost(d, mode, s.Reactor.Symbol)
	if s.Fuel.Capacity > 0 && fuel > s.Fuel.Current {
		writeError(w, http.StatusBadRequest, 4203, fmt.Sprintf("Navigate request failed. Ship requires %d more fuel", fuel-s.Fuel.Current))
		return
	}
	if s.Fuel.Capacity > 0 {
		s.Fuel.Current -= fuel
	}
	now := g.now().UTC()
	s.Nav.Route = ship.NavRoute{
		Origin:        ship.RoutePoint{Symbol: s.Nav.WaypointSymbol, SystemSymbol: g.system},
		Destination:   ship.RoutePoint{Symbol: req.WaypointSymbol, SystemSymbol: g.system},
		DepartureTime: now,
		Arrival:       now.Add(g.transit),
	}
	s.Nav.WaypointSymbol = req.WaypointSymbol
	s.Nav.Status = ship.StatusInTransit
	g.settle(s)
	writeData(w, http.StatusOK, map[string]any{"fuel": s.Fuel, "nav": s.Nav, "events": []any{}})
}

func (g *Game) patchNav(w http.ResponseWriter, r *http.Request, _ *agent, s *ship.Ship) {
	var req struct {
		FlightMode string `json:"flightMode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if _, err := navcost.ParseMode(req.FlightMode); err != nil {
		writeError(w, http.StatusUnprocessableEntity, 422, "Invalid flight mode")
		return
	}
	s.Nav.FlightMode = req.FlightMode
	writeData(w, http.StatusOK, map[string]any{"nav": s.Nav, "fuel": s.Fuel, "events": []any{}})
}

func (g *Game) refuel(w http.ResponseWriter, _ *http.Request, a *agent, s *ship.Ship) {
	m, ok := g.markets[s.Nav.WaypointSymbol]
	if !ok || !(contains(m.Exports, "FUEL") || contains(m.Exchange, "FUEL")) {
		writeError(w, http.StatusBadRequest, 4601, "Market does not sell fuel")
		return
	}
	if s.Nav.Status != ship.StatusDocked {
		writeError(w, http.StatusBadRequest, 4244, "Ship is not docked")
		return
	}
	units := s.Fuel.Capacity - s.Fuel.Current
	price := m.Prices["FUEL"] * int(math.Ceil(float64(units)/100))
	a.credits -= price
	s.Fuel.Current = s.Fuel.Capacity
	writeData(w, http.StatusOK, map[string]any{
		"agent":       map[string]any{"symbol": a.symbol, "credits": a.credits},
		"fuel":        s.Fuel,
		"transaction": map[string]any{"units": units, "totalPrice": price},
	})
}

func (g *Game) buyShip(w http.ResponseWriter, r *http.Request, a *agent) {
	var req struct {
		ShipType       string `json:"shipType"`
		WaypointSymbol string `json:"waypointSymbol"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	y, ok := g.shipyards[req.WaypointSymbol]
	if !ok {
		writeError(w, http.StatusNotFound, 404, "Shipyard not found")
		return
	}
	price, ok := y.Prices[req.ShipType]
	if !ok {
		writeError(w, http.StatusBadRequest, 4208, "Ship type not available")
		return
	}
	present := false
	for _, s := range g.ships {
		if s.AgentSymbol == a.symbol && s.Nav.WaypointSymbol == req.WaypointSymbol && s.Nav.Status != ship.StatusInTransit {
			present = true
			break
		}
	}
	if !present {
		writeError(w, http.StatusBadRequest, 4205, "Agent has no ship at the shipyard")
		return
	}
	if a.credits < price {
		writeError(w, http.StatusBadRequest, gateway.CodeInsufficientFunds,
			fmt.Sprintf("Failed to purchase ship. Agent has insufficient funds. Need %d, have %d.", price, a.credits))
		return
	}
	a.credits -= price
	a.ships++
	symbol := a.symbol + "-" + strconv.FormatInt(int64(a.ships), 16)
	var s ship.Ship
	if req.ShipType == "SHIP_PROBE" {
		s = NewProbe(symbol, a.symbol, req.WaypointSymbol)
	} else {
		s = NewShip(symbol, a.symbol, req.WaypointSymbol)
	}
	s.Nav.Status = ship.StatusDocked
	g.ships[symbol] = &s
	g.purchases = append(g.purchases, req.ShipType+"@"+req.WaypointSymbol)
	writeData(w, http.StatusCreated, map[string]any{
		"agent":       map[string]any{"symbol": a.symbol, "credits": a.credits},
		"ship":        s,
		"transaction": map[string]any{"shipType": req.ShipType, "price": price, "waypointSymbol": req.WaypointSymbol},
	})
}

func (g *Game) sortedWaypoints() []*Waypoint {
	out := make([]*Waypoint, 0, len(g.waypoints))
	for _, wp := range g.waypoints {
		out = append(out, wp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (g *Game) getSystem(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.PathValue("system") != g.system {
		writeError(w, http.StatusNotFound, 404, "System not found")
		return
	}
	wps := make([]map[string]any, 0, len(g.waypoints))
	for _, wp := range g.sortedWaypoints() {
		wps = append(wps, map[string]any{"symbol": wp.Symbol, "type": wp.Type, "x": wp.X, "y": wp.Y})
	}
	writeData(w, http.StatusOK, map[string]any{
		"symbol": g.system, "type": "RED_STAR", "x": 10, "y": -20, "waypoints": wps,
	})
}

func (g *Game) listWaypoints(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	all := g.sortedWaypoints()
	var items []any
	for i := (page - 1) * limit; i < len(all) && i < page*limit; i++ {
		wp := all[i]
		traits := make([]map[string]string, 0, len(wp.Traits))
		for _, t := range wp.Traits {
			traits = append(traits, map[string]string{"symbol": t})
		}
		items = append(items, map[string]any{
			"symbol": wp.Symbol, "systemSymbol": g.system, "type": wp.Type,
			"x": wp.X, "y": wp.Y, "traits": traits,
			"faction": map[string]string{"symbol": "COSMIC"}, "isUnderConstruction": false,
		})
	}
	gatewaytest.WritePage(w, items, len(all), page, limit)
}

func refs(symbols []string) []map[string]string {
	out := make([]map[string]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, map[string]string{"symbol": s})
	}
	return out
}

func (g *Game) getMarket(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sym := r.PathValue("wp")
	m, ok := g.markets[sym]
	if !ok {
		writeError(w, http.StatusNotFound, 404, "Market not found")
		return
	}
	var goods []map[string]any
	for _, list := range []struct {
		kind  string
		goods []string
	}{{"IMPORT", m.Imports}, {"EXPORT", m.Exports}, {"EXCHANGE", m.Exchange}} {
		for _, good := range list.goods {
			price := m.Prices[good]
			goods = append(goods, map[string]any{
				"symbol": good, "type": list.kind, "tradeVolume": 10, "supply": "MODERATE",
				"activity": "WEAK", "purchasePrice": price, "sellPrice": price * 9 / 10,
			})
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"symbol": sym, "imports": refs(m.Imports), "exports": refs(m.Exports),
		"exchange": refs(m.Exchange), "tradeGoods": goods,
	})
}

func (g *Game) getShipyard(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sym := r.PathValue("wp")
	y, ok := g.shipyards[sym]
	if !ok {
		writeError(w, http.StatusNotFound, 404, "Shipyard not found")
		return
	}
	types := make([]string, 0, len(y.Prices))
	for t := range y.Prices {
		types = append(types, t)
	}
	sort.Strings(types)
	var shipTypes, ships []map[string]any
	for _, t := range types {
		shipTypes = append(shipTypes, map[string]any{"type": t})
		ships = append(ships, map[string]any{"type": t, "supply": "MODERATE", "activity": "WEAK", "purchasePrice": y.Prices[t]})
	}
	writeData(w, http.StatusOK, map[string]any{
		"symbol": sym, "shipTypes": shipTypes, "ships": ships, "modificationsFee": 1000,
	})
}

func (g *Game) getJumpGate(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sym := r.PathValue("wp")
	conns, ok := g.gates[sym]
	if !ok {
		writeError(w, http.StatusNotFound, 404, "Jump gate not found")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"symbol": sym, "connections": conns})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
