// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apps

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/flow"
	"github.com/AleutianAI/cave/services/cave/session"
)

//go:embed fixtures/network.yaml
var networkFixture []byte

const (
	networkPane = "modelOptions"
	networkPage = "networkPage"
	networkMap  = "networkMap"
	arcFlowsID  = "arcFlows"
)

type networkNode struct {
	flow.Node `yaml:",inline"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type networkModel struct {
	Nodes []networkNode `yaml:"nodes"`
	Arcs  []flow.Arc    `yaml:"arcs"`
}

var loadNetworkModel = sync.OnceValues(func() (*networkModel, error) {
	var m networkModel
	if err := yaml.Unmarshal(networkFixture, &m); err != nil {
		return nil, fmt.Errorf("parse network fixture: %w", err)
	}
	return &m, nil
})

// ExecuteNetwork is the optimisation model example.
//
// # Description
//
// The options pane scales the base network's demand and arc capacity.
// "init" and "solve" build a min-cost flow problem from the base network
// and the current options, solve it, and write:
//   - kpis: total cost, units shipped, unmet demand, demand served
//   - mapFeatures: nodes and arcs with their solved flows
//   - groupedOutputs.arcFlows: per-arc flow and cost
func ExecuteNetwork(_ context.Context, state session.State, socket command.Socket, cmd string, _ command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		state = session.New()
		buildNetworkLayout(state)
		if err := solveNetwork(state, socket); err != nil {
			return nil, err
		}
		return state, nil

	case "solve":
		if err := solveNetwork(state, socket); err != nil {
			return nil, err
		}
		return state, nil

	default:
		return nil, command.UnknownCommand(cmd)
	}
}

func buildNetworkLayout(state session.State) {
	bar := state.Data(session.KeyAppBar)
	bar[networkPane] = paneEntry("md/MdSettings", "upperLeft", 1)
	bar[networkPage] = pageEntry("md/MdShare", "upperLeft", 2)
	bar["solveButton"] = button("md/MdPlayArrow", "solve", "upperLeft", 3)

	state.Data(session.KeyPanes)[networkPane] = map[string]any{
		"name":    "Model Options",
		"variant": "options",
		"props": map[string]any{
			"demandScale": map[string]any{
				"type": "num", "name": "Demand Scale", "minValue": 0.0, "maxValue": 5.0,
			},
			"capacityScale": map[string]any{
				"type": "num", "name": "Capacity Scale", "minValue": 0.0, "maxValue": 5.0,
			},
		},
		"values": map[string]any{"demandScale": 1.0, "capacityScale": 1.0},
	}

	pages := state.Section(session.KeyPages)
	pages["current"] = networkPage
	state.Data(session.KeyPages)[networkPage] = map[string]any{
		"pageLayout": []any{
			map[string]any{"type": "map", "mapId": networkMap, "showToolbar": true},
			map[string]any{"type": "groupedOutput", "groupedOutputDataId": arcFlowsID, "chart": "bar"},
		},
	}

	state.Data(session.KeyMaps)[networkMap] = map[string]any{
		"name":       "Network",
		"showLegend": true,
		"defaultViewport": map[string]any{
			"longitude": -77.0, "latitude": 41.0, "zoom": 5.5, "pitch": 0.0, "bearing": 0.0,
		},
	}
}

func solveNetwork(state session.State, socket command.Socket) error {
	model, err := loadNetworkModel()
	if err != nil {
		return err
	}
	demandScale, err := paneNumber(state, networkPane, "demandScale")
	if err != nil {
		return err
	}
	capacityScale, err := paneNumber(state, networkPane, "capacityScale")
	if err != nil {
		return err
	}

	problem := flow.Problem{
		Nodes: make([]flow.Node, 0, len(model.Nodes)),
		Arcs:  make([]flow.Arc, 0, len(model.Arcs)),
	}
	for _, n := range model.Nodes {
		node := n.Node
		if node.Supply < 0 {
			node.Supply *= demandScale
		}
		problem.Nodes = append(problem.Nodes, node)
	}
	for _, a := range model.Arcs {
		a.Capacity *= capacityScale
		problem.Arcs = append(problem.Arcs, a)
	}

	sol, err := flow.Solve(problem)
	if err != nil {
		return fmt.Errorf("solve network: %w", err)
	}
	if unmet := sol.Unmet(); unmet > 0 {
		socket.Notify(fmt.Sprintf("%.1f units of demand could not be served", unmet),
			"Unmet demand", command.ThemeWarning, command.DefaultNotifyDuration)
	}

	var served any
	if sol.TotalDemand > 0 {
		served = sol.Shipped / sol.TotalDemand * 100
	}
	kpis := state.Data(session.KeyKpis)
	kpis["totalCost"] = kpi("Total Cost", "md/MdAttachMoney", "$", sol.TotalCost, 1)
	kpis["shipped"] = kpi("Units Shipped", "md/MdLocalShipping", "units", sol.Shipped, 2)
	kpis["unmetDemand"] = kpi("Unmet Demand", "md/MdRemoveShoppingCart", "units", sol.Unmet(), 3)
	kpis["demandServed"] = kpi("Demand Served", "md/MdPercent", "%", served, 4)

	writeNetworkFeatures(state, model, problem, sol)
	return nil
}

func writeNetworkFeatures(state session.State, model *networkModel, problem flow.Problem, sol *flow.Solution) {
	position := make(map[string]networkNode, len(model.Nodes))
	lat := make([]any, 0, len(model.Nodes))
	lon := make([]any, 0, len(model.Nodes))
	ids := make([]any, 0, len(model.Nodes))
	supply := make([]any, 0, len(model.Nodes))
	for i, n := range model.Nodes {
		position[n.ID] = n
		ids = append(ids, n.ID)
		lat = append(lat, n.Latitude)
		lon = append(lon, n.Longitude)
		supply = append(supply, problem.Nodes[i].Supply)
	}

	arcIDs := make([]any, 0, len(problem.Arcs))
	startLat := make([]any, 0, len(problem.Arcs))
	startLon := make([]any, 0, len(problem.Arcs))
	endLat := make([]any, 0, len(problem.Arcs))
	endLon := make([]any, 0, len(problem.Arcs))
	flows := make([]any, 0, len(problem.Arcs))
	capacities := make([]any, 0, len(problem.Arcs))
	costs := make([]any, 0, len(problem.Arcs))
	for _, a := range problem.Arcs {
		from, to := position[a.From], position[a.To]
		arcIDs = append(arcIDs, a.ID)
		startLat = append(startLat, from.Latitude)
		startLon = append(startLon, from.Longitude)
		endLat = append(endLat, to.Latitude)
		endLon = append(endLon, to.Longitude)
		flows = append(flows, sol.Flows[a.ID])
		capacities = append(capacities, a.Capacity)
		costs = append(costs, sol.Flows[a.ID]*a.Cost)
	}

	features := state.Data(session.KeyMapFeatures)
	features["nodes"] = map[string]any{
		"type": "node",
		"name": "Facilities",
		"data": map[string]any{
			"location":   map[string]any{"latitude": lat, "longitude": lon},
			"valueLists": map[string]any{"id": ids, "supply": supply},
		},
	}
	features["arcs"] = map[string]any{
		"type": "arc",
		"name": "Lanes",
		"data": map[string]any{
			"location": map[string]any{
				"startLatitude": startLat, "startLongitude": startLon,
				"endLatitude": endLat, "endLongitude": endLon,
			},
			"valueLists": map[string]any{"id": arcIDs, "flow": flows, "capacity": capacities},
		},
	}

	state.Data(session.KeyGroupedOutputs)[arcFlowsID] = map[string]any{
		"stats": map[string]any{
			"flow": flows,
			"cost": costs,
		},
		"valueLists": map[string]any{"arc": arcIDs},
	}
}
