// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conserved checks that every node's net outflow matches what it shipped.
func conserved(t *testing.T, p Problem, sol *Solution) {
	t.Helper()
	net := make(map[string]float64)
	for _, a := range p.Arcs {
		f := sol.Flows[a.ID]
		assert.GreaterOrEqual(t, f, 0.0, a.ID)
		assert.LessOrEqual(t, f, a.Capacity+epsilon, a.ID)
		net[a.From] += f
		net[a.To] -= f
	}
	for _, n := range p.Nodes {
		switch {
		case n.Supply > 0:
			assert.LessOrEqual(t, net[n.ID], n.Supply+epsilon, n.ID)
			assert.GreaterOrEqual(t, net[n.ID], -epsilon, n.ID)
		case n.Supply < 0:
			delivered := -net[n.ID]
			assert.InDelta(t, -n.Supply-sol.UnmetDemand[n.ID], delivered, 1e-6, n.ID)
		default:
			assert.InDelta(t, 0, net[n.ID], 1e-6, n.ID)
		}
	}
}

func TestSolve_PicksCheapestRoute(t *testing.T) {
	p := Problem{
		Nodes: []Node{{ID: "plant", Supply: 10}, {ID: "hub"}, {ID: "store", Supply: -10}},
		Arcs: []Arc{
			{ID: "direct", From: "plant", To: "store", Capacity: 100, Cost: 5},
			{ID: "leg1", From: "plant", To: "hub", Capacity: 100, Cost: 1},
			{ID: "leg2", From: "hub", To: "store", Capacity: 100, Cost: 1},
		},
	}

	sol, err := Solve(p)
	require.NoError(t, err)

	assert.InDelta(t, 20.0, sol.TotalCost, 1e-9)
	assert.InDelta(t, 10.0, sol.Shipped, 1e-9)
	assert.Equal(t, 0.0, sol.Flows["direct"])
	assert.Equal(t, 10.0, sol.Flows["leg1"])
	assert.Empty(t, sol.UnmetDemand)
	conserved(t, p, sol)
}

func TestSolve_SplitsWhenCapacityBinds(t *testing.T) {
	p := Problem{
		Nodes: []Node{{ID: "plant", Supply: 10}, {ID: "hub"}, {ID: "store", Supply: -10}},
		Arcs: []Arc{
			{ID: "direct", From: "plant", To: "store", Capacity: 100, Cost: 5},
			{ID: "leg1", From: "plant", To: "hub", Capacity: 4, Cost: 1},
			{ID: "leg2", From: "hub", To: "store", Capacity: 100, Cost: 1},
		},
	}

	sol, err := Solve(p)
	require.NoError(t, err)

	assert.InDelta(t, 4*2+6*5.0, sol.TotalCost, 1e-9)
	assert.Equal(t, 6.0, sol.Flows["direct"])
	assert.Equal(t, 4.0, sol.Flows["leg1"])
	conserved(t, p, sol)
}

func TestSolve_ReroutesThroughReverseEdge(t *testing.T) {
	// The greedy first path a-b-d must be partly undone to serve both sinks.
	p := Problem{
		Nodes: []Node{
			{ID: "s", Supply: 2},
			{ID: "a"}, {ID: "b"},
			{ID: "t1", Supply: -1}, {ID: "t2", Supply: -1},
		},
		Arcs: []Arc{
			{ID: "s-a", From: "s", To: "a", Capacity: 2, Cost: 0},
			{ID: "a-t1", From: "a", To: "t1", Capacity: 1, Cost: 1},
			{ID: "a-b", From: "a", To: "b", Capacity: 1, Cost: 1},
			{ID: "b-t2", From: "b", To: "t2", Capacity: 1, Cost: 1},
			{ID: "b-t1", From: "b", To: "t1", Capacity: 1, Cost: 0},
		},
	}

	sol, err := Solve(p)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, sol.Shipped, 1e-9)
	assert.InDelta(t, 3.0, sol.TotalCost, 1e-9)
	assert.Empty(t, sol.UnmetDemand)
	conserved(t, p, sol)
}

func TestSolve_ReportsUnmetDemand(t *testing.T) {
	p := Problem{
		Nodes: []Node{{ID: "plant", Supply: 5}, {ID: "north", Supply: -4}, {ID: "south", Supply: -6}},
		Arcs: []Arc{
			{ID: "pn", From: "plant", To: "north", Capacity: 10, Cost: 1},
			{ID: "ps", From: "plant", To: "south", Capacity: 1, Cost: 1},
		},
	}

	sol, err := Solve(p)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, sol.TotalDemand, 1e-9)
	assert.InDelta(t, 5.0, sol.Shipped, 1e-9)
	assert.InDelta(t, 5.0, sol.Unmet(), 1e-9)
	assert.InDelta(t, 5.0, sol.UnmetDemand["south"], 1e-9)
	assert.NotContains(t, sol.UnmetDemand, "north")
	conserved(t, p, sol)
}

func TestSolve_InfiniteCapacity(t *testing.T) {
	p := Problem{
		Nodes: []Node{{ID: "a", Supply: 3}, {ID: "b", Supply: -3}},
		Arcs:  []Arc{{ID: "ab", From: "a", To: "b", Capacity: math.Inf(1), Cost: 2}},
	}

	sol, err := Solve(p)
	require.NoError(t, err)
	assert.Equal(t, 3.0, sol.Flows["ab"])
	assert.InDelta(t, 6.0, sol.TotalCost, 1e-9)
}

func TestSolve_EmptyProblem(t *testing.T) {
	sol, err := Solve(Problem{})
	require.NoError(t, err)
	assert.Empty(t, sol.Flows)
	assert.Zero(t, sol.TotalCost)
}

func TestSolve_InvalidProblems(t *testing.T) {
	nodes := []Node{{ID: "a", Supply: 1}, {ID: "b", Supply: -1}}

	tests := []struct {
		name string
		p    Problem
	}{
		{"empty node id", Problem{Nodes: []Node{{ID: ""}}}},
		{"duplicate node", Problem{Nodes: []Node{{ID: "a"}, {ID: "a"}}}},
		{"infinite supply", Problem{Nodes: []Node{{ID: "a", Supply: math.Inf(1)}}}},
		{"unknown from", Problem{Nodes: nodes, Arcs: []Arc{{ID: "x", From: "z", To: "b", Capacity: 1}}}},
		{"unknown to", Problem{Nodes: nodes, Arcs: []Arc{{ID: "x", From: "a", To: "z", Capacity: 1}}}},
		{"self loop", Problem{Nodes: nodes, Arcs: []Arc{{ID: "x", From: "a", To: "a", Capacity: 1}}}},
		{"negative capacity", Problem{Nodes: nodes, Arcs: []Arc{{ID: "x", From: "a", To: "b", Capacity: -1}}}},
		{"negative cost", Problem{Nodes: nodes, Arcs: []Arc{{ID: "x", From: "a", To: "b", Capacity: 1, Cost: -1}}}},
		{"missing arc id", Problem{Nodes: nodes, Arcs: []Arc{{From: "a", To: "b", Capacity: 1}}}},
		{"duplicate arc id", Problem{Nodes: nodes, Arcs: []Arc{
			{ID: "x", From: "a", To: "b", Capacity: 1},
			{ID: "x", From: "a", To: "b", Capacity: 1},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(tt.p)
			assert.ErrorIs(t, err, ErrInvalidProblem)
		})
	}
}

func TestSolution_SortedArcIDs(t *testing.T) {
	sol := &Solution{Flows: map[string]float64{"c": 1, "a": 0, "b": 2}}
	assert.Equal(t, []string{"a", "b", "c"}, sol.SortedArcIDs())
}
