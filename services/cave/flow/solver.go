// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow solves minimum-cost network flow problems.
//
// # Description
//
// A Problem is a directed graph of nodes with supply (positive) or demand
// (negative) and arcs with a capacity and a per-unit cost. Solve ships as
// much supply to demand as the arcs allow at minimum total cost, using
// successive shortest paths with Bellman-Ford on the residual graph.
//
// Demand that cannot be met is reported in the Solution, not as an error.
//
// # Limitations
//
//   - Arc costs must be non-negative.
//   - Intended for dashboard-sized graphs (hundreds of arcs).
package flow

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidProblem is returned for malformed input.
var ErrInvalidProblem = errors.New("invalid flow problem")

// epsilon below which a flow amount is treated as zero.
const epsilon = 1e-9

// Node is a graph vertex. Supply > 0 produces, Supply < 0 consumes.
type Node struct {
	ID     string  `json:"id" yaml:"id"`
	Supply float64 `json:"supply" yaml:"supply"`
}

// Arc is a directed edge. Capacity may be math.Inf(1).
type Arc struct {
	ID       string  `json:"id" yaml:"id"`
	From     string  `json:"from" yaml:"from"`
	To       string  `json:"to" yaml:"to"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
	Cost     float64 `json:"cost" yaml:"cost"`
}

// Problem is the input to Solve.
type Problem struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Arcs  []Arc  `json:"arcs" yaml:"arcs"`
}

// Solution is the optimal flow.
//
// # Fields
//
//   - Flows: Units shipped on each arc, keyed by arc ID.
//   - TotalCost: Sum of flow * cost.
//   - Shipped: Total units delivered to demand nodes.
//   - TotalDemand: Sum of all demands.
//   - UnmetDemand: Demand left unserved, keyed by node ID. Only nodes with
//     a shortfall appear.
type Solution struct {
	Flows       map[string]float64 `json:"flows"`
	TotalCost   float64            `json:"totalCost"`
	Shipped     float64            `json:"shipped"`
	TotalDemand float64            `json:"totalDemand"`
	UnmetDemand map[string]float64 `json:"unmetDemand"`
}

// Unmet returns the total unserved demand.
func (s *Solution) Unmet() float64 {
	total := 0.0
	for _, v := range s.UnmetDemand {
		total += v
	}
	return total
}

// =============================================================================
// Residual Graph
// =============================================================================

type edge struct {
	to       int
	rev      int // index of the reverse edge in adj[to]
	capacity float64
	cost     float64
	arc      int // index into Problem.Arcs, -1 for source/sink edges
}

type graph struct {
	adj [][]edge
}

func (g *graph) addEdge(from, to int, capacity, cost float64, arc int) {
	g.adj[from] = append(g.adj[from], edge{to: to, rev: len(g.adj[to]), capacity: capacity, cost: cost, arc: arc})
	g.adj[to] = append(g.adj[to], edge{to: from, rev: len(g.adj[from]) - 1, capacity: 0, cost: -cost, arc: -1})
}

// shortestPath runs Bellman-Ford from s and returns the predecessor edge of
// every vertex as (vertex, edge index) pairs, or ok=false if t is
// unreachable.
func (g *graph) shortestPath(s, t int) (prevNode, prevEdge []int, ok bool) {
	n := len(g.adj)
	dist := make([]float64, n)
	prevNode = make([]int, n)
	prevEdge = make([]int, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prevNode[i] = -1
	}
	dist[s] = 0

	for round := 0; round < n-1; round++ {
		updated := false
		for u := 0; u < n; u++ {
			if math.IsInf(dist[u], 1) {
				continue
			}
			for i, e := range g.adj[u] {
				if e.capacity <= epsilon {
					continue
				}
				if d := dist[u] + e.cost; d < dist[e.to]-epsilon {
					dist[e.to] = d
					prevNode[e.to] = u
					prevEdge[e.to] = i
					updated = true
				}
			}
		}
		if !updated {
			break
		}
	}
	return prevNode, prevEdge, !math.IsInf(dist[t], 1)
}

// =============================================================================
// Solve
// =============================================================================

// Solve computes a minimum-cost flow.
//
// # Inputs
//
//   - p: Problem. Node IDs and arc IDs must be unique; arcs must reference
//     existing nodes; capacities and costs must be non-negative.
//
// # Outputs
//
//   - *Solution: Optimal flows. Every arc appears in Flows.
//   - error: Wraps ErrInvalidProblem for malformed input.
func Solve(p Problem) (*Solution, error) {
	index := make(map[string]int, len(p.Nodes))
	for i, n := range p.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node %d has no id", ErrInvalidProblem, i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidProblem, n.ID)
		}
		if math.IsNaN(n.Supply) || math.IsInf(n.Supply, 0) {
			return nil, fmt.Errorf("%w: node %q supply must be finite", ErrInvalidProblem, n.ID)
		}
		index[n.ID] = i
	}

	source := len(p.Nodes)
	sink := source + 1
	g := &graph{adj: make([][]edge, len(p.Nodes)+2)}

	arcIDs := make(map[string]struct{}, len(p.Arcs))
	for i, a := range p.Arcs {
		if _, dup := arcIDs[a.ID]; dup || a.ID == "" {
			return nil, fmt.Errorf("%w: arc %d has a missing or duplicate id %q", ErrInvalidProblem, i, a.ID)
		}
		arcIDs[a.ID] = struct{}{}
		from, ok := index[a.From]
		if !ok {
			return nil, fmt.Errorf("%w: arc %q references unknown node %q", ErrInvalidProblem, a.ID, a.From)
		}
		to, ok := index[a.To]
		if !ok {
			return nil, fmt.Errorf("%w: arc %q references unknown node %q", ErrInvalidProblem, a.ID, a.To)
		}
		if from == to {
			return nil, fmt.Errorf("%w: arc %q is a self-loop", ErrInvalidProblem, a.ID)
		}
		if a.Capacity < 0 || math.IsNaN(a.Capacity) {
			return nil, fmt.Errorf("%w: arc %q capacity must be non-negative", ErrInvalidProblem, a.ID)
		}
		if a.Cost < 0 || math.IsNaN(a.Cost) || math.IsInf(a.Cost, 0) {
			return nil, fmt.Errorf("%w: arc %q cost must be non-negative and finite", ErrInvalidProblem, a.ID)
		}
		g.addEdge(from, to, a.Capacity, a.Cost, i)
	}

	sol := &Solution{
		Flows:       make(map[string]float64, len(p.Arcs)),
		UnmetDemand: make(map[string]float64),
	}
	for i, n := range p.Nodes {
		switch {
		case n.Supply > 0:
			g.addEdge(source, i, n.Supply, 0, -1)
		case n.Supply < 0:
			g.addEdge(i, sink, -n.Supply, 0, -1)
			sol.TotalDemand += -n.Supply
		}
	}

	for {
		prevNode, prevEdge, ok := g.shortestPath(source, sink)
		if !ok {
			break
		}
		push := math.Inf(1)
		for v := sink; v != source; v = prevNode[v] {
			push = math.Min(push, g.adj[prevNode[v]][prevEdge[v]].capacity)
		}
		if push <= epsilon || math.IsInf(push, 1) {
			break
		}
		for v := sink; v != source; v = prevNode[v] {
			e := &g.adj[prevNode[v]][prevEdge[v]]
			e.capacity -= push
			g.adj[v][e.rev].capacity += push
			sol.TotalCost += push * e.cost
		}
		sol.Shipped += push
	}

	for _, a := range p.Arcs {
		sol.Flows[a.ID] = 0
	}
	for u := range p.Nodes {
		for _, e := range g.adj[u] {
			if e.arc < 0 {
				continue
			}
			// The paired reverse edge holds exactly the flow pushed.
			if used := g.adj[e.to][e.rev].capacity; used > epsilon {
				sol.Flows[p.Arcs[e.arc].ID] = used
			}
		}
	}

	for _, e := range g.adj[sink] {
		// Reverse edges into the sink carry the delivered amount as capacity.
		if e.to >= len(p.Nodes) {
			continue
		}
		demand := -p.Nodes[e.to].Supply
		shortfall := demand - e.capacity
		if shortfall > epsilon {
			sol.UnmetDemand[p.Nodes[e.to].ID] = shortfall
		}
	}
	return sol, nil
}

// SortedArcIDs returns the arc IDs of a solution in ascending order.
func (s *Solution) SortedArcIDs() []string {
	ids := make([]string, 0, len(s.Flows))
	for id := range s.Flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
