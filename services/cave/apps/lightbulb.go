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

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
)

const (
	LightbulbOff = "md/MdLightbulbOutline"
	LightbulbOn  = "md/MdLightbulb"

	lightbulbButton  = "myCommandButton"
	lightbulbCommand = "myCommand"
)

// ExecuteLightbulb is the smallest useful app: one appBar button whose
// icon toggles on every press.
func ExecuteLightbulb(_ context.Context, state session.State, _ command.Socket, cmd string, _ command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		state = session.New()
		state.Data(session.KeyAppBar)[lightbulbButton] = button(LightbulbOff, lightbulbCommand, "upperLeft", 1)
		state.Section(session.KeySettings)["data"] = map[string]any{
			"iconUrl": "https://react-icons.mitre.org/4.10.1",
		}
		return state, nil

	case lightbulbCommand:
		icon, err := state.Get(session.KeyAppBar, "data", lightbulbButton, "icon")
		if err != nil {
			return nil, err
		}
		next := LightbulbOn
		if icon == LightbulbOn {
			next = LightbulbOff
		}
		if err := state.Set(session.KeyAppBar, []any{"data", lightbulbButton, "icon"}, next); err != nil {
			return nil, err
		}
		return state, nil

	default:
		return nil, command.UnknownCommand(cmd)
	}
}
