package pathing

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/basket/gofleet/internal/navcost"
)

// planModes is the order in which flight modes claim edges. An edge feasible
// under several modes is priced with the first one listed.
var planModes = []navcost.FlightMode{navcost.Burn, navcost.Cruise, navcost.Drift}

// Profile is the part of a ship's state the planner needs.
type Profile struct {
	FuelCapacity int
	Speed        int
	Reactor      string
}

// Hop is one leg of a planned route.
type Hop struct {
	From     string
	To       string
	Mode     navcost.FlightMode
	Fuel     int
	Time     int
	Distance int // ceil of the Euclidean distance
	Score    float64
}

// Route is an ordered waypoint path with one Hop per consecutive pair.
type Route struct {
	Path  []string
	Hops  []Hop
	Score float64
}

// TotalTime sums the hop times in seconds.
func (r *Route) TotalTime() int {
	total := 0
	for _, h := range r.Hops {
		total += h.Time
	}
	return total
}

type edgeKey struct{ a, b int64 }

func keyOf(a, b int64) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// PlanRoute finds the cheapest path from origin to destination that only
// stops at fuel stops and never needs more fuel per hop than the ship can
// carry. Origin and destination are always part of the candidate set.
//
// Edges are priced per flight mode in BURN, CRUISE, DRIFT order; the first
// mode under which an edge is feasible claims it. BURN is not used for hops
// shorter than one unit.
func PlanRoute(g *Graph, origin, destination string, fuelStops []string, p Profile) (*Route, error) {
	candidates := make([]string, 0, len(fuelStops)+2)
	candidates = append(candidates, origin, destination)
	for _, s := range fuelStops {
		if g.Has(s) {
			candidates = append(candidates, s)
		}
	}
	ids, err := g.resolve(candidates)
	if err != nil {
		return nil, err
	}
	if origin == destination {
		return &Route{Path: []string{origin}}, nil
	}
	slices.Sort(ids)

	sg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, id := range ids {
		sg.AddNode(simple.Node(id))
	}
	claimed := make(map[edgeKey]Hop)
	for _, mode := range planModes {
		maxRange, err := navcost.MaxRangeForFuel(p.FuelCapacity, mode)
		if err != nil {
			return nil, fmt.Errorf("plan route: %w", err)
		}
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				k := keyOf(a, b)
				if _, ok := claimed[k]; ok {
					continue
				}
				d := g.dist(a, b)
				if d > maxRange {
					continue
				}
				if mode == navcost.Burn && d < 1 {
					continue
				}
				fuel, err := navcost.FuelCost(d, mode, p.Reactor)
				if err != nil {
					return nil, fmt.Errorf("plan route: %w", err)
				}
				secs, err := navcost.TravelTime(d, p.Speed, mode, p.Reactor)
				if err != nil {
					return nil, fmt.Errorf("plan route: %w", err)
				}
				h := Hop{
					Mode:     mode,
					Fuel:     fuel,
					Time:     secs,
					Distance: int(math.Ceil(d)),
					Score:    navcost.WeighCost(fuel, secs),
				}
				claimed[k] = h
				sg.SetWeightedEdge(sg.NewWeightedEdge(simple.Node(a), simple.Node(b), h.Score))
			}
		}
	}

	from, _ := g.id(origin)
	to, _ := g.id(destination)
	shortest := path.DijkstraFrom(sg.Node(from), sg)
	nodes, total := shortest.To(to)
	if len(nodes) == 0 || math.IsInf(total, 1) {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoRoute, origin, destination)
	}

	r := &Route{Path: make([]string, 0, len(nodes)), Score: total}
	for i, n := range nodes {
		r.Path = append(r.Path, g.symbols[n.ID()])
		if i == 0 {
			continue
		}
		h := claimed[keyOf(nodes[i-1].ID(), n.ID())]
		h.From = g.symbols[nodes[i-1].ID()]
		h.To = g.symbols[n.ID()]
		r.Hops = append(r.Hops, h)
	}
	return r, nil
}
