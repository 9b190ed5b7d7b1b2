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
	"fmt"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
)

const kpiPane = "kpiInputs"

// ExecuteKpis is a KPI dashboard whose derived values follow the inputs in
// an options pane.
//
// # Description
//
// The client edits panes.data.kpiInputs.values through mutate_session and
// then calls "refresh", which recomputes profit and margin from revenue and
// cost.
func ExecuteKpis(_ context.Context, state session.State, _ command.Socket, cmd string, _ command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		state = session.New()
		state.Data(session.KeyAppBar)[kpiPane] = paneEntry("md/MdEditNote", "upperLeft", 1)
		state.Data(session.KeyAppBar)["refreshButton"] = button("md/MdRefresh", "refresh", "upperLeft", 2)
		state.Data(session.KeyPanes)[kpiPane] = map[string]any{
			"name":    "KPI Inputs",
			"variant": "options",
			"props": map[string]any{
				"revenue": map[string]any{"type": "num", "name": "Revenue", "unit": "$"},
				"cost":    map[string]any{"type": "num", "name": "Cost", "unit": "$"},
			},
			"values": map[string]any{"revenue": 1200.0, "cost": 800.0},
		}
		if err := recomputeKpis(state); err != nil {
			return nil, err
		}
		return state, nil

	case "refresh":
		if err := recomputeKpis(state); err != nil {
			return nil, err
		}
		return state, nil

	default:
		return nil, command.UnknownCommand(cmd)
	}
}

func recomputeKpis(state session.State) error {
	revenue, err := paneNumber(state, kpiPane, "revenue")
	if err != nil {
		return err
	}
	cost, err := paneNumber(state, kpiPane, "cost")
	if err != nil {
		return err
	}
	profit := revenue - cost
	var margin any
	if revenue != 0 {
		margin = profit / revenue * 100
	}

	kpis := state.Data(session.KeyKpis)
	kpis["revenue"] = kpi("Revenue", "md/MdAttachMoney", "$", revenue, 1)
	kpis["cost"] = kpi("Cost", "md/MdMoneyOff", "$", cost, 2)
	kpis["profit"] = kpi("Profit", "md/MdTrendingUp", "$", profit, 3)
	kpis["margin"] = kpi("Margin", "md/MdPercent", "%", margin, 4)
	return nil
}

// paneNumber reads panes.data.<pane>.values.<name> as a number.
func paneNumber(state session.State, pane, name string) (float64, error) {
	v, err := state.Get(session.KeyPanes, "data", pane, "values", name)
	if err != nil {
		return 0, err
	}
	f, ok := session.Normalize(v).(float64)
	if !ok {
		return 0, fmt.Errorf("panes.data.%s.values.%s: expected a number, got %T", pane, name, v)
	}
	return f, nil
}
