package ship

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/gofleet/internal/persistence"
)

// API is the subset of the gateway client ship actions need.
type API interface {
	Get(ctx context.Context, endpoint string, query map[string]string, out any) error
	Post(ctx context.Context, endpoint string, body, out any) error
	Patch(ctx context.Context, endpoint string, body, out any) error
}

// ObservationStore records market and shipyard observations.
type ObservationStore interface {
	SaveMarket(ctx context.Context, m persistence.Market, goods []persistence.TradeGood) error
	SaveShipyard(ctx context.Context, y persistence.Shipyard, ships []persistence.ShipyardShip) error
}

type symbolRef struct {
	Symbol string `json:"symbol"`
}

type marketDoc struct {
	Symbol     string      `json:"symbol"`
	Imports    []symbolRef `json:"imports"`
	Exports    []symbolRef `json:"exports"`
	Exchange   []symbolRef `json:"exchange"`
	TradeGoods []struct {
		Symbol        string `json:"symbol"`
		Type          string `json:"type"`
		TradeVolume   int    `json:"tradeVolume"`
		Supply        string `json:"supply"`
		Activity      string `json:"activity"`
		PurchasePrice int    `json:"purchasePrice"`
		SellPrice     int    `json:"sellPrice"`
	} `json:"tradeGoods"`
}

type shipyardDoc struct {
	Symbol    string `json:"symbol"`
	ShipTypes []struct {
		Type string `json:"type"`
	} `json:"shipTypes"`
	Ships []struct {
		Type          string `json:"type"`
		Supply        string `json:"supply"`
		Activity      string `json:"activity"`
		PurchasePrice int    `json:"purchasePrice"`
	} `json:"ships"`
	ModificationsFee int `json:"modificationsFee"`
}

func symbols(refs []symbolRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Symbol)
	}
	return out
}

// ObserveMarket fetches a market and records it. Trade goods are only listed
// when one of the agent's ships is present.
func ObserveMarket(ctx context.Context, api API, store ObservationStore, system, waypoint string, at time.Time) (persistence.Market, []persistence.TradeGood, error) {
	var doc marketDoc
	if err := api.Get(ctx, fmt.Sprintf("systems/%s/waypoints/%s/market", system, waypoint), map[string]string{}, &doc); err != nil {
		return persistence.Market{}, nil, fmt.Errorf("get market %s: %w", waypoint, err)
	}
	m := persistence.Market{
		Symbol:       waypoint,
		SystemSymbol: system,
		Imports:      symbols(doc.Imports),
		Exports:      symbols(doc.Exports),
		Exchange:     symbols(doc.Exchange),
	}
	goods := make([]persistence.TradeGood, 0, len(doc.TradeGoods))
	for _, g := range doc.TradeGoods {
		goods = append(goods, persistence.TradeGood{
			WaypointSymbol: waypoint,
			SystemSymbol:   system,
			Symbol:         g.Symbol,
			Type:           g.Type,
			TradeVolume:    g.TradeVolume,
			Supply:         g.Supply,
			Activity:       g.Activity,
			PurchasePrice:  g.PurchasePrice,
			SellPrice:      g.SellPrice,
			ObservedAt:     at,
		})
	}
	if err := store.SaveMarket(ctx, m, goods); err != nil {
		return m, goods, err
	}
	return m, goods, nil
}

// ObserveShipyard fetches a shipyard and records it.
func ObserveShipyard(ctx context.Context, api API, store ObservationStore, system, waypoint string, at time.Time) (persistence.Shipyard, []persistence.ShipyardShip, error) {
	var doc shipyardDoc
	if err := api.Get(ctx, fmt.Sprintf("systems/%s/waypoints/%s/shipyard", system, waypoint), map[string]string{}, &doc); err != nil {
		return persistence.Shipyard{}, nil, fmt.Errorf("get shipyard %s: %w", waypoint, err)
	}
	y := persistence.Shipyard{
		Symbol:           waypoint,
		SystemSymbol:     system,
		ModificationsFee: doc.ModificationsFee,
	}
	for _, t := range doc.ShipTypes {
		y.ShipTypes = append(y.ShipTypes, t.Type)
	}
	ships := make([]persistence.ShipyardShip, 0, len(doc.Ships))
	for _, s := range doc.Ships {
		ships = append(ships, persistence.ShipyardShip{
			WaypointSymbol: waypoint,
			SystemSymbol:   system,
			Type:           s.Type,
			Supply:         s.Supply,
			Activity:       s.Activity,
			PurchasePrice:  s.PurchasePrice,
			ObservedAt:     at,
		})
	}
	if err := store.SaveShipyard(ctx, y, ships); err != nil {
		return y, ships, err
	}
	return y, ships, nil
}
