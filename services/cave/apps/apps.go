// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apps contains the example CAVE applications.
//
// # Description
//
// Each app is a command.Handler that builds a session state on "init" and
// mutates it on its own commands. They double as documentation for app
// authors: one per pattern (toggle button, notifications and exports,
// derived KPIs, maps from a fixture, external data with fallback, an
// optimisation model, a file-backed static state).
package apps

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/cave/services/cave/command"
)

// App names.
const (
	Lightbulb     = "lightbulb"
	Notifications = "notifications"
	Kpis          = "kpis"
	Maps          = "maps"
	Weather       = "weather"
	Network       = "network"
	Static        = "static"
)

// Config carries the settings a few apps need.
//
// # Fields
//
//   - WeatherURL: Forecast endpoint. Empty uses DefaultWeatherURL.
//   - HTTPTimeout: Timeout for outbound requests. Default: 10s.
//   - StaticPath: YAML state file for the static app. Empty skips it.
type Config struct {
	WeatherURL  string
	HTTPTimeout time.Duration
	StaticPath  string
}

// NewRegistry registers every example app.
//
// # Description
//
// The static app is registered only when StaticPath is set; its file
// watcher runs until ctx is cancelled.
func NewRegistry(ctx context.Context, cfg Config) (*command.Registry, error) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	reg := command.NewRegistry()
	reg.Register(Lightbulb, command.HandlerFunc(ExecuteLightbulb))
	reg.Register(Notifications, command.HandlerFunc(ExecuteNotifications))
	reg.Register(Kpis, command.HandlerFunc(ExecuteKpis))
	reg.Register(Maps, command.HandlerFunc(ExecuteMaps))
	reg.Register(Weather, NewWeather(cfg.WeatherURL, &http.Client{Timeout: cfg.HTTPTimeout}))
	reg.Register(Network, command.HandlerFunc(ExecuteNetwork))

	if cfg.StaticPath != "" {
		static, err := NewStaticApp(cfg.StaticPath)
		if err != nil {
			return nil, fmt.Errorf("static app: %w", err)
		}
		if err := static.Watch(ctx); err != nil {
			slog.Warn("Static app file watching disabled", "path", cfg.StaticPath, "error", err)
		}
		reg.Register(Static, static)
	}
	return reg, nil
}

// =============================================================================
// Builders
// =============================================================================

// button returns an appBar button entry.
func button(icon, apiCommand, bar string, order float64) map[string]any {
	return map[string]any{
		"type":       "button",
		"icon":       icon,
		"apiCommand": apiCommand,
		"bar":        bar,
		"order":      order,
	}
}

// paneEntry returns an appBar entry that opens a pane of the same key.
func paneEntry(icon, bar string, order float64) map[string]any {
	return map[string]any{"type": "pane", "icon": icon, "bar": bar, "order": order}
}

// pageEntry returns an appBar entry that opens a page of the same key.
func pageEntry(icon, bar string, order float64) map[string]any {
	return map[string]any{"type": "page", "icon": icon, "bar": bar, "order": order}
}

// kpi returns a KPI record.
func kpi(name, icon, unit string, value any, order float64) map[string]any {
	return map[string]any{
		"name":  name,
		"icon":  icon,
		"unit":  unit,
		"value": value,
		"type":  "num",
		"order": order,
	}
}
