package behavior

import (
	"context"
	"fmt"

	"github.com/basket/gofleet/internal/pathing"
	"github.com/basket/gofleet/internal/ship"
	"github.com/basket/gofleet/internal/universe"
)

// Travel flies the controlled ship to destination inside sys. Probes fly
// straight there. Other ships hop between fuel stops, refueling at each,
// and with explore set record every market and shipyard they pass.
func Travel(ctx context.Context, ctrl *ship.Controller, sys *universe.System, destination string, explore bool) error {
	s := ctrl.Ship()
	switch {
	case s.Nav.WaypointSymbol == destination:
		return ctrl.WaitArrival(ctx)
	case s.Frame.Symbol == ship.FrameProbe:
		if err := ctrl.Navigate(ctx, destination); err != nil {
			return err
		}
		return ctrl.WaitArrival(ctx)
	}
	return travelRoute(ctx, ctrl, sys, destination, explore)
}

func travelRoute(ctx context.Context, ctrl *ship.Controller, sys *universe.System, destination string, explore bool) error {
	s := ctrl.Ship()
	stops, err := sys.FuelStops(ctx)
	if err != nil {
		return err
	}
	route, err := pathing.PlanRoute(sys.Graph(), s.Nav.WaypointSymbol, destination, stops, s.Profile())
	if err != nil {
		return fmt.Errorf("plan route to %s: %w", destination, err)
	}
	isStop := make(map[string]bool, len(stops))
	for _, wp := range stops {
		isStop[wp] = true
	}
	markets, err := sys.Markets(ctx)
	if err != nil {
		return err
	}
	shipyards, err := sys.Shipyards(ctx)
	if err != nil {
		return err
	}

	for i, wp := range route.Path {
		if wp != s.Nav.WaypointSymbol {
			if err := ctrl.PatchNav(ctx, route.Hops[i-1].Mode); err != nil {
				return err
			}
			if err := ctrl.Navigate(ctx, wp); err != nil {
				return err
			}
		}
		if err := ctrl.WaitArrival(ctx); err != nil {
			return err
		}
		if isStop[wp] {
			if err := ctrl.Refuel(ctx); err != nil {
				return err
			}
		}
		if !explore {
			continue
		}
		if _, ok := shipyards[wp]; ok {
			if _, _, err := ctrl.Shipyard(ctx); err != nil {
				return err
			}
		}
		if _, ok := markets[wp]; ok {
			if _, _, err := ctrl.Market(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
