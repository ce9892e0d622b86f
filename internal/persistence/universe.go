package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type System struct {
	Symbol string `json:"symbol"`
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// Waypoint is a cached location. Traits is nil until the waypoint's details
// have been fetched.
type Waypoint struct {
	Symbol            string   `json:"symbol"`
	SystemSymbol      string   `json:"systemSymbol"`
	Type              string   `json:"type"`
	X                 int      `json:"x"`
	Y                 int      `json:"y"`
	Orbits            string   `json:"orbits,omitempty"`
	Traits            []string `json:"traits"`
	Faction           string   `json:"faction,omitempty"`
	UnderConstruction bool     `json:"isUnderConstruction"`
}

// HasTrait reports whether the waypoint carries trait.
func (w Waypoint) HasTrait(trait string) bool {
	for _, t := range w.Traits {
		if t == trait {
			return true
		}
	}
	return false
}

type Market struct {
	Symbol       string   `json:"symbol"`
	SystemSymbol string   `json:"systemSymbol"`
	Imports      []string `json:"imports"`
	Exports      []string `json:"exports"`
	Exchange     []string `json:"exchange"`
}

// Trades reports whether the market lists good under tradeType, one of
// IMPORTS, EXPORTS, EXCHANGE, BUYS (imports or exchange), SELLS (exports or
// exchange). An empty tradeType matches any list.
func (m Market) Trades(good, tradeType string) bool {
	in := func(list []string) bool {
		for _, g := range list {
			if g == good {
				return true
			}
		}
		return false
	}
	switch tradeType {
	case "IMPORTS":
		return in(m.Imports)
	case "EXPORTS":
		return in(m.Exports)
	case "EXCHANGE":
		return in(m.Exchange)
	case "BUYS":
		return in(m.Imports) || in(m.Exchange)
	case "SELLS":
		return in(m.Exports) || in(m.Exchange)
	default:
		return in(m.Imports) || in(m.Exports) || in(m.Exchange)
	}
}

// TradeGood is one market price observation.
type TradeGood struct {
	WaypointSymbol string    `json:"waypointSymbol"`
	SystemSymbol   string    `json:"systemSymbol"`
	Symbol         string    `json:"symbol"`
	Type           string    `json:"type"`
	TradeVolume    int       `json:"tradeVolume"`
	Supply         string    `json:"supply"`
	Activity       string    `json:"activity"`
	PurchasePrice  int       `json:"purchasePrice"`
	SellPrice      int       `json:"sellPrice"`
	ObservedAt     time.Time `json:"observedAt"`
}

type Shipyard struct {
	Symbol           string   `json:"symbol"`
	SystemSymbol     string   `json:"systemSymbol"`
	ShipTypes        []string `json:"shipTypes"`
	ModificationsFee int      `json:"modificationsFee"`
}

// ShipyardShip is one shipyard listing observation.
type ShipyardShip struct {
	WaypointSymbol string    `json:"waypointSymbol"`
	SystemSymbol   string    `json:"systemSymbol"`
	Type           string    `json:"type"`
	Supply         string    `json:"supply"`
	Activity       string    `json:"activity"`
	PurchasePrice  int       `json:"purchasePrice"`
	ObservedAt     time.Time `json:"observedAt"`
}

type JumpGate struct {
	Symbol       string   `json:"symbol"`
	SystemSymbol string   `json:"systemSymbol"`
	Connections  []string `json:"connections"`
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeList(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- systems and waypoints ---

func (s *Store) UpsertSystem(ctx context.Context, sys System) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO systems (symbol, type, x, y) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET type = excluded.type, x = excluded.x, y = excluded.y,
			updated_at = CURRENT_TIMESTAMP;
	`, sys.Symbol, sys.Type, sys.X, sys.Y)
	if err != nil {
		return fmt.Errorf("upsert system: %w", err)
	}
	return nil
}

func (s *Store) GetSystem(ctx context.Context, symbol string) (*System, error) {
	var sys System
	err := s.db.QueryRowContext(ctx, `SELECT symbol, type, x, y FROM systems WHERE symbol = ?;`, symbol).
		Scan(&sys.Symbol, &sys.Type, &sys.X, &sys.Y)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("system %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get system: %w", err)
	}
	return &sys, nil
}

// UpsertWaypoints stores waypoints in one transaction. Nil traits never
// overwrite traits that are already known.
func (s *Store) UpsertWaypoints(ctx context.Context, wps []Waypoint) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin waypoints tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, wp := range wps {
			var traits any
			if wp.Traits != nil {
				enc, err := encodeList(wp.Traits)
				if err != nil {
					return fmt.Errorf("encode traits: %w", err)
				}
				traits = enc
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO waypoints (symbol, system_symbol, type, x, y, orbits, traits, faction, under_construction)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(symbol) DO UPDATE SET
					type = excluded.type,
					x = excluded.x,
					y = excluded.y,
					orbits = excluded.orbits,
					traits = COALESCE(excluded.traits, waypoints.traits),
					faction = CASE WHEN excluded.faction = '' THEN waypoints.faction ELSE excluded.faction END,
					under_construction = excluded.under_construction;
			`, wp.Symbol, wp.SystemSymbol, wp.Type, wp.X, wp.Y, wp.Orbits, traits, wp.Faction, boolToInt(wp.UnderConstruction)); err != nil {
				return fmt.Errorf("upsert waypoint %s: %w", wp.Symbol, err)
			}
		}
		return tx.Commit()
	})
}

// ListWaypoints returns the waypoints of system ordered by symbol.
func (s *Store) ListWaypoints(ctx context.Context, system string) ([]Waypoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, system_symbol, type, x, y, orbits, traits, faction, under_construction
		FROM waypoints WHERE system_symbol = ? ORDER BY symbol;
	`, system)
	if err != nil {
		return nil, fmt.Errorf("list waypoints: %w", err)
	}
	defer rows.Close()
	var out []Waypoint
	for rows.Next() {
		var (
			wp     Waypoint
			traits sql.NullString
			uc     int
		)
		if err := rows.Scan(&wp.Symbol, &wp.SystemSymbol, &wp.Type, &wp.X, &wp.Y, &wp.Orbits, &traits, &wp.Faction, &uc); err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		if traits.Valid {
			if wp.Traits, err = decodeList(traits.String); err != nil {
				return nil, fmt.Errorf("decode traits of %s: %w", wp.Symbol, err)
			}
		}
		wp.UnderConstruction = uc != 0
		out = append(out, wp)
	}
	return out, rows.Err()
}

// --- markets ---

// SaveMarket records the market's trade lists and appends the price
// observations in goods.
func (s *Store) SaveMarket(ctx context.Context, m Market, goods []TradeGood) error {
	imports, err := encodeList(m.Imports)
	if err != nil {
		return fmt.Errorf("encode imports: %w", err)
	}
	exports, err := encodeList(m.Exports)
	if err != nil {
		return fmt.Errorf("encode exports: %w", err)
	}
	exchange, err := encodeList(m.Exchange)
	if err != nil {
		return fmt.Errorf("encode exchange: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin market tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO markets (symbol, system_symbol, imports, exports, exchange) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET imports = excluded.imports, exports = excluded.exports, exchange = excluded.exchange;
		`, m.Symbol, m.SystemSymbol, imports, exports, exchange); err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
		for _, g := range goods {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO market_tradegoods (waypoint_symbol, system_symbol, symbol, type, trade_volume, supply, activity, purchase_price, sell_price, observed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(waypoint_symbol, symbol, observed_at) DO NOTHING;
			`, m.Symbol, m.SystemSymbol, g.Symbol, g.Type, g.TradeVolume, g.Supply, g.Activity, g.PurchasePrice, g.SellPrice, g.ObservedAt.UTC()); err != nil {
				return fmt.Errorf("insert trade good %s: %w", g.Symbol, err)
			}
		}
		return tx.Commit()
	})
}

func scanMarket(scanFn func(dest ...any) error) (Market, error) {
	var (
		m                          Market
		imports, exports, exchange string
		err                        error
	)
	if err = scanFn(&m.Symbol, &m.SystemSymbol, &imports, &exports, &exchange); err != nil {
		return m, err
	}
	if m.Imports, err = decodeList(imports); err != nil {
		return m, err
	}
	if m.Exports, err = decodeList(exports); err != nil {
		return m, err
	}
	m.Exchange, err = decodeList(exchange)
	return m, err
}

func (s *Store) GetMarket(ctx context.Context, symbol string) (*Market, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, `
		SELECT symbol, system_symbol, imports, exports, exchange FROM markets WHERE symbol = ?;
	`, symbol).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMarkets(ctx context.Context, system string) ([]Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, system_symbol, imports, exports, exchange FROM markets
		WHERE system_symbol = ? ORDER BY symbol;
	`, system)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()
	var out []Market
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestTradeGoods returns the newest observation of good per market of system.
// Markets that were never visited are absent from the map.
func (s *Store) LatestTradeGoods(ctx context.Context, system, good string) (map[string]TradeGood, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.waypoint_symbol, t.system_symbol, t.symbol, t.type, t.trade_volume, t.supply, t.activity,
			t.purchase_price, t.sell_price, t.observed_at
		FROM market_tradegoods t
		WHERE t.system_symbol = ? AND t.symbol = ?
		  AND t.observed_at = (
			SELECT MAX(observed_at) FROM market_tradegoods
			WHERE waypoint_symbol = t.waypoint_symbol AND symbol = t.symbol
		  );
	`, system, good)
	if err != nil {
		return nil, fmt.Errorf("latest trade goods: %w", err)
	}
	defer rows.Close()
	out := map[string]TradeGood{}
	for rows.Next() {
		var g TradeGood
		if err := rows.Scan(&g.WaypointSymbol, &g.SystemSymbol, &g.Symbol, &g.Type, &g.TradeVolume, &g.Supply, &g.Activity,
			&g.PurchasePrice, &g.SellPrice, &g.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan trade good: %w", err)
		}
		out[g.WaypointSymbol] = g
	}
	return out, rows.Err()
}

// --- shipyards ---

func (s *Store) SaveShipyard(ctx context.Context, y Shipyard, ships []ShipyardShip) error {
	types, err := encodeList(y.ShipTypes)
	if err != nil {
		return fmt.Errorf("encode ship types: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin shipyard tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shipyards (symbol, system_symbol, ship_types, modifications_fee) VALUES (?, ?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET ship_types = excluded.ship_types, modifications_fee = excluded.modifications_fee;
		`, y.Symbol, y.SystemSymbol, types, y.ModificationsFee); err != nil {
			return fmt.Errorf("upsert shipyard: %w", err)
		}
		for _, sh := range ships {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO shipyard_ships (waypoint_symbol, system_symbol, type, supply, activity, purchase_price, observed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(waypoint_symbol, type, observed_at) DO NOTHING;
			`, y.Symbol, y.SystemSymbol, sh.Type, sh.Supply, sh.Activity, sh.PurchasePrice, sh.ObservedAt.UTC()); err != nil {
				return fmt.Errorf("insert shipyard ship %s: %w", sh.Type, err)
			}
		}
		return tx.Commit()
	})
}

func scanShipyard(scanFn func(dest ...any) error) (Shipyard, error) {
	var (
		y     Shipyard
		types string
		err   error
	)
	if err = scanFn(&y.Symbol, &y.SystemSymbol, &types, &y.ModificationsFee); err != nil {
		return y, err
	}
	y.ShipTypes, err = decodeList(types)
	return y, err
}

func (s *Store) GetShipyard(ctx context.Context, symbol string) (*Shipyard, error) {
	y, err := scanShipyard(s.db.QueryRowContext(ctx, `
		SELECT symbol, system_symbol, ship_types, modifications_fee FROM shipyards WHERE symbol = ?;
	`, symbol).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shipyard %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get shipyard: %w", err)
	}
	return &y, nil
}

func (s *Store) ListShipyards(ctx context.Context, system string) ([]Shipyard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, system_symbol, ship_types, modifications_fee FROM shipyards
		WHERE system_symbol = ? ORDER BY symbol;
	`, system)
	if err != nil {
		return nil, fmt.Errorf("list shipyards: %w", err)
	}
	defer rows.Close()
	var out []Shipyard
	for rows.Next() {
		y, err := scanShipyard(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan shipyard: %w", err)
		}
		out = append(out, y)
	}
	return out, rows.Err()
}

// LatestShipyardShips returns the newest listing of shipType per shipyard of
// system. Shipyards that were never visited are absent from the map.
func (s *Store) LatestShipyardShips(ctx context.Context, system, shipType string) (map[string]ShipyardShip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.waypoint_symbol, t.system_symbol, t.type, t.supply, t.activity, t.purchase_price, t.observed_at
		FROM shipyard_ships t
		WHERE t.system_symbol = ? AND t.type = ?
		  AND t.observed_at = (
			SELECT MAX(observed_at) FROM shipyard_ships
			WHERE waypoint_symbol = t.waypoint_symbol AND type = t.type
		  );
	`, system, shipType)
	if err != nil {
		return nil, fmt.Errorf("latest shipyard ships: %w", err)
	}
	defer rows.Close()
	out := map[string]ShipyardShip{}
	for rows.Next() {
		var sh ShipyardShip
		if err := rows.Scan(&sh.WaypointSymbol, &sh.SystemSymbol, &sh.Type, &sh.Supply, &sh.Activity, &sh.PurchasePrice, &sh.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan shipyard ship: %w", err)
		}
		out[sh.WaypointSymbol] = sh
	}
	return out, rows.Err()
}

// --- jump gates ---

func (s *Store) SaveJumpGate(ctx context.Context, g JumpGate) error {
	conns, err := encodeList(g.Connections)
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO jump_gates (symbol, system_symbol, connections) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET connections = excluded.connections;
	`, g.Symbol, g.SystemSymbol, conns); err != nil {
		return fmt.Errorf("save jump gate: %w", err)
	}
	return nil
}

func (s *Store) GetJumpGate(ctx context.Context, symbol string) (*JumpGate, error) {
	var (
		g     JumpGate
		conns string
	)
	err := s.db.QueryRowContext(ctx, `SELECT symbol, system_symbol, connections FROM jump_gates WHERE symbol = ?;`, symbol).
		Scan(&g.Symbol, &g.SystemSymbol, &conns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("jump gate %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get jump gate: %w", err)
	}
	if g.Connections, err = decodeList(conns); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}
	return &g, nil
}
