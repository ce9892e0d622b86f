package pathing

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

const maxTwoOptPasses = 64

// ShortestTour orders nodes into a short open path visiting each once. When
// start is non-empty it is added to the set and the path begins there. Sets
// of two nodes or fewer are returned as given.
//
// The tour is the preorder walk of a minimum spanning tree, a 2-approximation
// for metric graphs, refined with 2-opt.
func ShortestTour(g *Graph, nodes []string, start string) ([]string, error) {
	all := nodes
	if start != "" {
		all = append([]string{start}, nodes...)
	}
	ids, err := g.resolve(all)
	if err != nil {
		return nil, err
	}
	if len(ids) <= 2 {
		return g.names(ids), nil
	}

	complete := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			complete.SetWeightedEdge(complete.NewWeightedEdge(simple.Node(a), simple.Node(b), g.dist(a, b)))
		}
	}
	mst := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Prim(mst, complete)

	tour := g.preorder(mst, ids[0])
	if start == "" {
		tour = g.openAtLongestEdge(tour)
	}
	g.twoOpt(tour, start != "")
	return g.names(tour), nil
}

// preorder walks the tree depth first, visiting nearer children first.
func (g *Graph) preorder(tree *simple.WeightedUndirectedGraph, root int64) []int64 {
	var order []int64
	visited := make(map[int64]bool)
	var walk func(id int64)
	walk = func(id int64) {
		visited[id] = true
		order = append(order, id)
		var children []int64
		it := tree.From(id)
		for it.Next() {
			if c := it.Node().ID(); !visited[c] {
				children = append(children, c)
			}
		}
		slices.SortFunc(children, func(a, b int64) int {
			if c := cmp.Compare(g.dist(id, a), g.dist(id, b)); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		for _, c := range children {
			if !visited[c] {
				walk(c)
			}
		}
	}
	walk(root)
	return order
}

// openAtLongestEdge closes the walk into a cycle and removes its heaviest
// edge, returning the remaining open path.
func (g *Graph) openAtLongestEdge(cycle []int64) []int64 {
	n := len(cycle)
	cut, longest := n-1, g.dist(cycle[n-1], cycle[0])
	for i := 0; i < n-1; i++ {
		if d := g.dist(cycle[i], cycle[i+1]); d > longest {
			cut, longest = i, d
		}
	}
	out := make([]int64, 0, n)
	out = append(out, cycle[cut+1:]...)
	out = append(out, cycle[:cut+1]...)
	return out
}

// twoOpt reverses segments of the open path while that shortens it.
func (g *Graph) twoOpt(tour []int64, fixedStart bool) {
	n := len(tour)
	lo := 0
	if fixedStart {
		lo = 1
	}
	for pass := 0; pass < maxTwoOptPasses; pass++ {
		improved := false
		for i := lo; i < n-1; i++ {
			for j := i + 1; j < n; j++ {
				var before, after float64
				if i > 0 {
					before += g.dist(tour[i-1], tour[i])
					after += g.dist(tour[i-1], tour[j])
				}
				if j < n-1 {
					before += g.dist(tour[j], tour[j+1])
					after += g.dist(tour[i], tour[j+1])
				}
				if after < before-1e-9 {
					slices.Reverse(tour[i : j+1])
					improved = true
				}
			}
		}
		if !improved {
			return
		}
	}
}

// PathLength sums the distances along an ordered list of waypoints.
func (g *Graph) PathLength(symbols []string) (float64, error) {
	total := 0.0
	for i := 1; i < len(symbols); i++ {
		d, err := g.Distance(symbols[i-1], symbols[i])
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func (g *Graph) names(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.symbols[id]
	}
	return out
}

// Proximity is a waypoint and its rounded-up distance from a source.
type Proximity struct {
	Symbol   string
	Distance int
}

// SortByProximity orders nodes by distance from source. The source itself,
// when listed, comes first in ascending order and last in descending order.
func SortByProximity(g *Graph, source string, nodes []string, descending bool) ([]Proximity, error) {
	src, err := g.id(source)
	if err != nil {
		return nil, err
	}
	ids, err := g.resolve(nodes)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(ids, func(a, b int64) int {
		switch {
		case a == src:
			if descending {
				return 1
			}
			return -1
		case b == src:
			if descending {
				return -1
			}
			return 1
		}
		c := cmp.Compare(g.dist(src, a), g.dist(src, b))
		if descending {
			c = -c
		}
		return c
	})
	out := make([]Proximity, len(ids))
	for i, id := range ids {
		out[i] = Proximity{Symbol: g.symbols[id], Distance: int(math.Ceil(g.dist(src, id)))}
	}
	return out, nil
}
