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
	"github.com/AleutianAI/cave/services/cave/session"
)

// mapsFixture holds the map page, map and map features for the maps app.
//
//go:embed fixtures/maps.yaml
var mapsFixture []byte

const defaultMapID = "exampleMap"

var loadMapsFixture = sync.OnceValues(func() (session.State, error) {
	return decodeStateYAML(mapsFixture)
})

// ExecuteMaps serves a map page built from an embedded fixture.
// "toggleLegend" flips the legend of kwargs mapId (default exampleMap).
func ExecuteMaps(_ context.Context, state session.State, _ command.Socket, cmd string, kwargs command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		fixture, err := loadMapsFixture()
		if err != nil {
			return nil, err
		}
		state = fixture.Clone()
		bar := state.Data(session.KeyAppBar)
		bar["mapPage"] = pageEntry("fa/FaMapMarkedAlt", "upperLeft", 1)
		bar["legendButton"] = button("md/MdLegendToggle", "toggleLegend", "upperLeft", 2)
		return state, nil

	case "toggleLegend":
		mapID, ok := kwargs.String("mapId")
		if !ok || mapID == "" {
			mapID = defaultMapID
		}
		path := []any{"data", mapID, "showLegend"}
		current, err := state.Get(session.KeyMaps, path...)
		if err != nil {
			return nil, err
		}
		shown, _ := current.(bool)
		if err := state.Set(session.KeyMaps, path, !shown); err != nil {
			return nil, err
		}
		return state, nil

	default:
		return nil, command.UnknownCommand(cmd)
	}
}

// decodeStateYAML parses a YAML document into a normalised state.
func decodeStateYAML(data []byte) (session.State, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse state yaml: %w", err)
	}
	if raw == nil {
		return session.New(), nil
	}
	normalized, ok := session.Normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse state yaml: top level must be a mapping")
	}
	return session.State(normalized), nil
}
