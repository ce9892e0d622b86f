package behavior

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/navcost"
	"github.com/basket/gofleet/internal/pathing"
	"github.com/basket/gofleet/internal/ship"
	"github.com/basket/gofleet/internal/universe"
)

// seedTask buys one probe per shipyard selling probes and per remaining
// market of a system, and assigns each a probe task in pool. Waypoints
// that already have a probe are skipped, so the task can be rerun.
type seedTask struct {
	deps   *Deps
	pool   string
	system string
}

func (t *seedTask) String() string {
	return fmt.Sprintf("seed %s %s", t.pool, t.system)
}

func (t *seedTask) Run(ctx context.Context, agentID string) error {
	d := t.deps
	sess, err := d.open(ctx, agentID)
	if err != nil {
		return err
	}
	if sys := sess.ctrl.Ship().Nav.SystemSymbol; sys != t.system {
		return fmt.Errorf("ship %s is in %s, not %s", agentID, sys, t.system)
	}
	sys, err := d.system(ctx, sess)
	if err != nil {
		return err
	}

	yards, err := sys.ShipyardsWith(ctx, ProbeShipType)
	if err != nil {
		return err
	}
	if len(yards) == 0 {
		return fmt.Errorf("system %s sells no probes", t.system)
	}
	markets, err := sys.Markets(ctx)
	if err != nil {
		return err
	}
	probed := make(map[string]string) // waypoint -> probe
	assigned, err := d.Tasks.ProbeAssignments(ctx, sess.owner, t.system)
	if err != nil {
		return err
	}
	for _, pa := range assigned {
		probed[pa.Waypoint] = pa.AgentID
	}
	isYard := make(map[string]bool, len(yards))
	var openYards []string
	for _, wp := range yards {
		isYard[wp] = true
		if probed[wp] == "" {
			openYards = append(openYards, wp)
		}
	}
	var openMarkets []string
	for wp := range markets {
		if !isYard[wp] && probed[wp] == "" {
			openMarkets = append(openMarkets, wp)
		}
	}
	sort.Strings(openMarkets)
	if len(openYards) == 0 && len(openMarkets) == 0 {
		return nil
	}
	d.Logger.Info("seeding system", "ship", agentID, "system", t.system,
		"shipyards", len(openYards), "markets", len(openMarkets))

	tour, err := t.tour(sys, sess.ctrl.Ship().Nav.WaypointSymbol, openYards)
	if err != nil {
		return err
	}
	for _, wp := range tour {
		if err := Travel(ctx, sess.ctrl, sys, wp, true); err != nil {
			return err
		}
		probe, err := sess.ctrl.BuyShip(ctx, ProbeShipType)
		if gateway.IsInsufficientFunds(err) {
			d.Logger.Info("seeding stopped, out of credits", "ship", agentID, "system", t.system)
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.assign(ctx, probe.Symbol, KindShipyard, wp); err != nil {
			return err
		}
		probed[wp] = probe.Symbol
	}

	if err := t.waitForProbes(ctx, sess, yards, probed); err != nil {
		return err
	}

	prices, err := sys.ShipPrices(ctx, ProbeShipType)
	if err != nil {
		return err
	}
	for _, wp := range openMarkets {
		yard, err := selectShipyard(sys.Graph(), wp, yards, prices)
		if err != nil {
			return err
		}
		probe, err := ship.BuyShip(ctx, sess.api, d.Store, d.Tasks, ProbeShipType, yard, sess.owner)
		if gateway.IsInsufficientFunds(err) {
			d.Logger.Info("seeding stopped, out of credits", "ship", agentID, "system", t.system)
			return nil
		}
		if err != nil {
			return err
		}
		if _, _, err := ship.ObserveShipyard(ctx, sess.api, d.Store, t.system, yard, d.Now().UTC()); err != nil {
			d.Logger.Warn("shipyard observation after purchase failed", "waypoint", yard, "error", err)
		}
		if err := t.assign(ctx, probe.Symbol, KindMarket, wp); err != nil {
			return err
		}
		probed[wp] = probe.Symbol
	}
	d.Logger.Info("system seeded", "ship", agentID, "system", t.system)
	return nil
}

// tour orders the shipyards to visit starting from the ship's waypoint.
func (t *seedTask) tour(sys *universe.System, start string, yards []string) ([]string, error) {
	if len(yards) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(yards))
	others := make([]string, 0, len(yards))
	for _, wp := range yards {
		want[wp] = true
		if wp != start {
			others = append(others, wp)
		}
	}
	order, err := pathing.ShortestTour(sys.Graph(), others, start)
	if err != nil {
		return nil, fmt.Errorf("order shipyards: %w", err)
	}
	out := make([]string, 0, len(yards))
	for _, wp := range order {
		if want[wp] {
			out = append(out, wp)
		}
	}
	return out, nil
}

func (t *seedTask) assign(ctx context.Context, probe, kind, waypoint string) error {
	descriptor := fmt.Sprintf("probe %s %s", kind, waypoint)
	if err := t.deps.Tasks.AssignTask(ctx, probe, t.pool, descriptor); err != nil {
		return err
	}
	audit.Record(audit.ActionAssign, probe, descriptor)
	t.deps.Logger.Info("probe assigned", "probe", probe, "pool", t.pool, "task", descriptor)
	return nil
}

// waitForProbes sleeps until every shipyard probe has arrived, so remote
// purchases find a ship present.
func (t *seedTask) waitForProbes(ctx context.Context, sess *session, yards []string, probed map[string]string) error {
	for _, wp := range yards {
		sym := probed[wp]
		if sym == "" {
			continue
		}
		p, err := ship.Load(ctx, t.deps.Store, sym)
		if err != nil {
			return err
		}
		if wait := p.NavRemaining(sess.ctrl.Now()); wait > 0 {
			if err := sess.ctrl.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectShipyard picks the shipyard minimising a probe's travel score to
// waypoint plus its purchase price.
func selectShipyard(g *pathing.Graph, waypoint string, yards []string, prices map[string]int) (string, error) {
	best, bestScore := "", math.Inf(1)
	for _, yard := range yards {
		dist, err := g.Distance(yard, waypoint)
		if err != nil {
			return "", err
		}
		score, err := navcost.Score(dist, 3, navcost.Cruise, navcost.SolarReactor)
		if err != nil {
			return "", err
		}
		price, ok := prices[yard]
		if !ok || price <= 0 {
			price = defaultProbePrice
		}
		if total := score + float64(price); total < bestScore {
			best, bestScore = yard, total
		}
	}
	if best == "" {
		return "", fmt.Errorf("no shipyard to buy a probe for %s", waypoint)
	}
	return best, nil
}
