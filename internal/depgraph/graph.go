// Package depgraph tracks which markets' cached valuations are invalidated
// when another market's positions change. Edges point from the changing
// market to the markets it stales: "A depends on {B, C}" means a change in
// A invalidates B and C. The graph is validated cycle-free at write time.
package depgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/custodia/vault-engine/internal/model"
)

var ErrDependencyCycle = errors.New("depgraph: dependency cycle")

// Graph is the directed, per-market invalidation relation.
type Graph struct {
	edges map[model.MarketID][]model.MarketID
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[model.MarketID][]model.MarketID)}
}

// Set replaces a market's dependency list wholesale. Self-edges and any
// update that would introduce a cycle are rejected; on rejection the graph
// is unchanged.
func (g *Graph) Set(market model.MarketID, deps []model.MarketID) error {
	clean := make([]model.MarketID, 0, len(deps))
	seen := make(map[model.MarketID]struct{}, len(deps))
	for _, d := range deps {
		if d == market {
			return fmt.Errorf("%w: market %d depends on itself", ErrDependencyCycle, market)
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		clean = append(clean, d)
	}
	sort.Slice(clean, func(i, j int) bool { return clean[i] < clean[j] })

	prev, had := g.edges[market]
	if len(clean) == 0 {
		delete(g.edges, market)
		return nil
	}
	g.edges[market] = clean
	if cycle := g.findCycle(); cycle {
		if had {
			g.edges[market] = prev
		} else {
			delete(g.edges, market)
		}
		return fmt.Errorf("%w: introduced by market %d", ErrDependencyCycle, market)
	}
	return nil
}

// Dependencies returns the markets directly invalidated by a change in the
// given market.
func (g *Graph) Dependencies(market model.MarketID) []model.MarketID {
	deps := g.edges[market]
	out := make([]model.MarketID, len(deps))
	copy(out, deps)
	return out
}

// Stale returns every market whose cached valuation must be dropped when
// the given market's positions change: the market itself plus all
// transitively reachable dependencies, deduplicated, in sorted order.
func (g *Graph) Stale(market model.MarketID) []model.MarketID {
	visited := map[model.MarketID]struct{}{market: {}}
	stack := []model.MarketID{market}
	for len(stack) > 0 {
		m := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.edges[m] {
			if _, ok := visited[d]; ok {
				continue
			}
			visited[d] = struct{}{}
			stack = append(stack, d)
		}
	}
	out := make([]model.MarketID, 0, len(visited))
	for m := range visited {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot exports the edge map for config persistence.
func (g *Graph) Snapshot() map[model.MarketID][]model.MarketID {
	out := make(map[model.MarketID][]model.MarketID, len(g.edges))
	for m, deps := range g.edges {
		cp := make([]model.MarketID, len(deps))
		copy(cp, deps)
		out[m] = cp
	}
	return out
}

// Restore replaces the whole graph from a config snapshot, re-validating
// acyclicity.
func (g *Graph) Restore(edges map[model.MarketID][]model.MarketID) error {
	restored := New()
	for m, deps := range edges {
		if err := restored.Set(m, deps); err != nil {
			return err
		}
	}
	g.edges = restored.edges
	return nil
}

// findCycle runs an iterative three-color DFS over all edges.
func (g *Graph) findCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[model.MarketID]int, len(g.edges))

	var visit func(model.MarketID) bool
	visit = func(m model.MarketID) bool {
		color[m] = gray
		for _, d := range g.edges[m] {
			switch color[d] {
			case gray:
				return true
			case white:
				if visit(d) {
					return true
				}
			}
		}
		color[m] = black
		return false
	}

	for m := range g.edges {
		if color[m] == white {
			if visit(m) {
				return true
			}
		}
	}
	return false
}
