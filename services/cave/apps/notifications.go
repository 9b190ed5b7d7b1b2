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
	"time"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
)

// ExecuteNotifications shows both socket side effects. "notify" raises a
// toast; "export" pushes the current KPIs as a download. Each bumps a
// counter KPI.
//
// notify accepts kwargs message, title, theme and duration (seconds).
func ExecuteNotifications(_ context.Context, state session.State, socket command.Socket, cmd string, kwargs command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		state = session.New()
		bar := state.Data(session.KeyAppBar)
		bar["notifyButton"] = button("md/MdNotificationsActive", "notify", "upperLeft", 1)
		bar["exportButton"] = button("md/MdFileDownload", "export", "upperLeft", 2)

		kpis := state.Data(session.KeyKpis)
		kpis["notificationsSent"] = kpi("Notifications Sent", "md/MdNotifications", "", 0.0, 1)
		kpis["exportsSent"] = kpi("Exports Sent", "md/MdFileDownload", "", 0.0, 2)
		return state, nil

	case "notify":
		message, ok := kwargs.String("message")
		if !ok || message == "" {
			message = "Hello from the server"
		}
		title, ok := kwargs.String("title")
		if !ok {
			title = "Notification"
		}
		theme, ok := kwargs.String("theme")
		if !ok {
			theme = command.ThemeInfo
		}
		duration := command.DefaultNotifyDuration
		if secs, ok := kwargs.Float("duration"); ok && secs > 0 {
			duration = time.Duration(secs * float64(time.Second))
		}
		socket.Notify(message, title, theme, duration)
		return bumpCounter(state, "notificationsSent")

	case "export":
		kpis, err := state.Get(session.KeyKpis, "data")
		if err != nil {
			return nil, err
		}
		socket.Export(map[string]any{
			"name": "kpis.json",
			"kpis": kpis,
		})
		return bumpCounter(state, "exportsSent")

	default:
		return nil, command.UnknownCommand(cmd)
	}
}

func bumpCounter(state session.State, name string) (session.State, error) {
	path := []any{"data", name, "value"}
	current, err := state.Get(session.KeyKpis, path...)
	if err != nil {
		return nil, err
	}
	n, _ := session.Normalize(current).(float64)
	if err := state.Set(session.KeyKpis, path, n+1); err != nil {
		return nil, err
	}
	return state, nil
}
