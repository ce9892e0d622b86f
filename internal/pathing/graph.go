// Package pathing plans routes between waypoints of one system.
//
// A Graph holds waypoint coordinates and is treated as complete: every pair of
// waypoints is connected by an edge weighted with their Euclidean distance.
// Planning builds weighted subgraphs on demand and runs gonum's shortest-path
// and spanning-tree algorithms over them.
package pathing

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// jitterStep separates waypoints that share coordinates so no edge has a
// zero weight.
const jitterStep = 1e-3

var (
	// ErrNoRoute is returned when no fuel-feasible path connects two waypoints.
	ErrNoRoute = errors.New("pathing: no route")
	// ErrUnknownWaypoint is returned for symbols missing from the graph.
	ErrUnknownWaypoint = errors.New("pathing: unknown waypoint")
)

// Point is a 2-D location.
type Point struct {
	X float64
	Y float64
}

// Graph is a complete graph over the waypoints of a system.
type Graph struct {
	ids     map[string]int64
	symbols []string
	points  []Point
	taken   map[Point]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		ids:   make(map[string]int64),
		taken: make(map[Point]struct{}),
	}
}

// Add inserts a waypoint. A waypoint whose coordinates collide with an
// earlier one is nudged along x until it is unique. Adding a known symbol is
// a no-op.
func (g *Graph) Add(symbol string, x, y float64) {
	if _, ok := g.ids[symbol]; ok {
		return
	}
	p := Point{X: x, Y: y}
	for {
		if _, dup := g.taken[p]; !dup {
			break
		}
		p.X += jitterStep
	}
	g.taken[p] = struct{}{}
	g.ids[symbol] = int64(len(g.symbols))
	g.symbols = append(g.symbols, symbol)
	g.points = append(g.points, p)
}

// Has reports whether symbol is in the graph.
func (g *Graph) Has(symbol string) bool {
	_, ok := g.ids[symbol]
	return ok
}

// Len returns the number of waypoints.
func (g *Graph) Len() int { return len(g.symbols) }

// Symbols returns all waypoint symbols in sorted order.
func (g *Graph) Symbols() []string {
	out := slices.Clone(g.symbols)
	slices.Sort(out)
	return out
}

// Position returns the (possibly jittered) coordinates of a waypoint.
func (g *Graph) Position(symbol string) (Point, bool) {
	id, ok := g.ids[symbol]
	if !ok {
		return Point{}, false
	}
	return g.points[id], true
}

// Distance returns the Euclidean distance between two waypoints.
func (g *Graph) Distance(a, b string) (float64, error) {
	ia, ok := g.ids[a]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWaypoint, a)
	}
	ib, ok := g.ids[b]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWaypoint, b)
	}
	return g.dist(ia, ib), nil
}

func (g *Graph) dist(a, b int64) float64 {
	if a == b {
		return 0
	}
	pa, pb := g.points[a], g.points[b]
	return math.Hypot(pa.X-pb.X, pa.Y-pb.Y)
}

func (g *Graph) id(symbol string) (int64, error) {
	id, ok := g.ids[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWaypoint, symbol)
	}
	return id, nil
}

// resolve maps symbols to ids, dropping duplicates and keeping order.
func (g *Graph) resolve(symbols []string) ([]int64, error) {
	seen := make(map[int64]struct{}, len(symbols))
	out := make([]int64, 0, len(symbols))
	for _, s := range symbols {
		id, err := g.id(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
