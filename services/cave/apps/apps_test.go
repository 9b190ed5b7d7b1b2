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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/validation"
)

// offlineWeather answers every forecast request.
func offlineWeather(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current_weather":{"temperature":21.5,"windspeed":12.0,"weathercode":3,"time":"2025-03-01T12:00"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// executorFor wraps a registered app the same way the server does.
func executorFor(t *testing.T, reg *command.Registry, app string) *command.Executor {
	t.Helper()
	h, err := reg.Get(app)
	require.NoError(t, err)
	return command.NewExecutor(command.ExecutorConfig{
		App:     app,
		Handler: h,
		Strict:  true,
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
	})
}

func TestNewRegistry_AllAppsInitToValidState(t *testing.T) {
	srv := offlineWeather(t)
	reg, err := NewRegistry(context.Background(), Config{WeatherURL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, []string{Kpis, Lightbulb, Maps, Network, Notifications, Weather}, reg.Names())

	for _, name := range reg.Names() {
		t.Run(name, func(t *testing.T) {
			exec := executorFor(t, reg, name)
			state, violations, err := exec.Execute(context.Background(), nil, nil, command.CommandInit, nil)
			require.NoError(t, err)
			assert.Empty(t, violations)
			assert.NotEmpty(t, state)
			assert.Empty(t, validation.Validate(state))
		})
	}
}

func TestNewRegistry_StaticRequiresReadableFile(t *testing.T) {
	_, err := NewRegistry(context.Background(), Config{StaticPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestApps_UnknownCommand(t *testing.T) {
	handlers := map[string]command.HandlerFunc{
		Lightbulb:     ExecuteLightbulb,
		Notifications: ExecuteNotifications,
		Kpis:          ExecuteKpis,
		Maps:          ExecuteMaps,
		Network:       ExecuteNetwork,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			_, err := h(context.Background(), session.New(), command.NopSocket{}, "selfDestruct", nil)
			assert.ErrorIs(t, err, command.ErrUnknownCommand)
		})
	}
}

// =============================================================================
// Lightbulb
// =============================================================================

func TestLightbulb_Toggle(t *testing.T) {
	ctx := context.Background()

	state, err := ExecuteLightbulb(ctx, session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	icon, err := state.Get(session.KeyAppBar, "data", "myCommandButton", "icon")
	require.NoError(t, err)
	assert.Equal(t, "md/MdLightbulbOutline", icon)

	state, err = ExecuteLightbulb(ctx, state, nil, "myCommand", nil)
	require.NoError(t, err)
	icon, _ = state.Get(session.KeyAppBar, "data", "myCommandButton", "icon")
	assert.Equal(t, "md/MdLightbulb", icon)

	state, err = ExecuteLightbulb(ctx, state, nil, "myCommand", nil)
	require.NoError(t, err)
	icon, _ = state.Get(session.KeyAppBar, "data", "myCommandButton", "icon")
	assert.Equal(t, "md/MdLightbulbOutline", icon, "two presses return to the start")
}

func TestLightbulb_InitIsDeterministic(t *testing.T) {
	a, err := ExecuteLightbulb(context.Background(), session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	b, err := ExecuteLightbulb(context.Background(), session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLightbulb_CommandWithoutInit(t *testing.T) {
	_, err := ExecuteLightbulb(context.Background(), session.New(), nil, "myCommand", nil)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// =============================================================================
// Notifications
// =============================================================================

func TestNotifications_NotifyAndExport(t *testing.T) {
	ctx := context.Background()
	rec := &command.Recorder{}

	state, err := ExecuteNotifications(ctx, session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	state, err = ExecuteNotifications(ctx, state, rec, "notify", command.Kwargs{
		"message": "Model finished", "theme": command.ThemeSuccess, "duration": 2,
	})
	require.NoError(t, err)
	require.Len(t, rec.Notifications(), 1)
	n := rec.Notifications()[0]
	assert.Equal(t, "Model finished", n.Message)
	assert.Equal(t, "Notification", n.Title)
	assert.Equal(t, command.ThemeSuccess, n.Theme)
	assert.Equal(t, 2*time.Second, n.Duration)

	sent, _ := state.Get(session.KeyKpis, "data", "notificationsSent", "value")
	assert.Equal(t, 1.0, sent)

	state, err = ExecuteNotifications(ctx, state, rec, "export", nil)
	require.NoError(t, err)
	require.Len(t, rec.Exports(), 1)
	payload := rec.Exports()[0].(map[string]any)
	assert.Equal(t, "kpis.json", payload["name"])

	exported, _ := state.Get(session.KeyKpis, "data", "exportsSent", "value")
	assert.Equal(t, 1.0, exported)
}

func TestNotifications_Defaults(t *testing.T) {
	rec := &command.Recorder{}
	state, err := ExecuteNotifications(context.Background(), session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	_, err = ExecuteNotifications(context.Background(), state, rec, "notify", nil)
	require.NoError(t, err)

	n := rec.Notifications()[0]
	assert.Equal(t, "Hello from the server", n.Message)
	assert.Equal(t, command.ThemeInfo, n.Theme)
	assert.Equal(t, command.DefaultNotifyDuration, n.Duration)
}

// =============================================================================
// KPIs
// =============================================================================

func TestKpis_DerivedValues(t *testing.T) {
	ctx := context.Background()
	state, err := ExecuteKpis(ctx, session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)

	profit, _ := state.Get(session.KeyKpis, "data", "profit", "value")
	assert.Equal(t, 400.0, profit)

	require.NoError(t, state.Set(session.KeyPanes, []any{"data", kpiPane, "values", "revenue"}, 0))
	state, err = ExecuteKpis(ctx, state, nil, "refresh", nil)
	require.NoError(t, err)

	profit, _ = state.Get(session.KeyKpis, "data", "profit", "value")
	margin, _ := state.Get(session.KeyKpis, "data", "margin", "value")
	assert.Equal(t, -800.0, profit)
	assert.Nil(t, margin, "margin is undefined without revenue")
}

func TestKpis_NonNumericInput(t *testing.T) {
	state, err := ExecuteKpis(context.Background(), session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	require.NoError(t, state.Set(session.KeyPanes, []any{"data", kpiPane, "values", "cost"}, "cheap"))

	_, err = ExecuteKpis(context.Background(), state, nil, "refresh", nil)
	assert.ErrorContains(t, err, "expected a number")
}

// =============================================================================
// Maps
// =============================================================================

func TestMaps_ToggleLegend(t *testing.T) {
	ctx := context.Background()
	state, err := ExecuteMaps(ctx, session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)

	shown, err := state.Get(session.KeyMaps, "data", defaultMapID, "showLegend")
	require.NoError(t, err)
	assert.Equal(t, true, shown)

	state, err = ExecuteMaps(ctx, state, nil, "toggleLegend", nil)
	require.NoError(t, err)
	shown, _ = state.Get(session.KeyMaps, "data", defaultMapID, "showLegend")
	assert.Equal(t, false, shown)

	_, err = ExecuteMaps(ctx, state, nil, "toggleLegend", command.Kwargs{"mapId": "ghost"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMaps_InitDoesNotShareFixture(t *testing.T) {
	ctx := context.Background()
	a, err := ExecuteMaps(ctx, session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	_, err = ExecuteMaps(ctx, a, nil, "toggleLegend", nil)
	require.NoError(t, err)

	b, err := ExecuteMaps(ctx, session.New(), nil, command.CommandInit, nil)
	require.NoError(t, err)
	shown, _ := b.Get(session.KeyMaps, "data", defaultMapID, "showLegend")
	assert.Equal(t, true, shown)
}

// =============================================================================
// Weather
// =============================================================================

func TestWeather_Success(t *testing.T) {
	srv := offlineWeather(t)
	app := NewWeather(srv.URL, srv.Client())
	rec := &command.Recorder{}

	state, err := app.Execute(context.Background(), session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	temp, _ := state.Get(session.KeyKpis, "data", "temperature", "value")
	assert.Equal(t, 21.5, temp)
	observed, _ := state.Get(session.KeyGlobalOutputs, "data", "observedAt", "value")
	assert.Equal(t, "2025-03-01T12:00", observed)
	assert.Empty(t, rec.Notifications())
}

func TestWeather_FailureNotifiesAndKeepsLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	app := NewWeather(srv.URL, srv.Client())
	rec := &command.Recorder{}

	state, err := app.Execute(context.Background(), session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	temp, err := state.Get(session.KeyKpis, "data", "temperature", "value")
	require.NoError(t, err)
	assert.Nil(t, temp)
	require.Len(t, rec.Notifications(), 1)
	assert.Equal(t, command.ThemeError, rec.Notifications()[0].Theme)
	assert.Contains(t, rec.Notifications()[0].Message, "502")
	assert.Empty(t, validation.Validate(state))
}

func TestWeather_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	rec := &command.Recorder{}
	_, err := NewWeather(srv.URL, srv.Client()).Execute(context.Background(), session.New(), rec, "refresh", nil)
	require.NoError(t, err)
	require.Len(t, rec.Notifications(), 1)
	assert.Contains(t, rec.Notifications()[0].Message, "decode forecast")
}

// =============================================================================
// Network
// =============================================================================

func TestNetwork_InitSolves(t *testing.T) {
	rec := &command.Recorder{}
	state, err := ExecuteNetwork(context.Background(), session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	cost, err := state.Get(session.KeyKpis, "data", "totalCost", "value")
	require.NoError(t, err)
	assert.Greater(t, cost.(float64), 0.0)

	served, _ := state.Get(session.KeyKpis, "data", "demandServed", "value")
	unmet, _ := state.Get(session.KeyKpis, "data", "unmetDemand", "value")
	if unmet.(float64) == 0 {
		assert.InDelta(t, 100.0, served, 1e-6)
		assert.Empty(t, rec.Notifications())
	}

	flows, err := state.Get(session.KeyGroupedOutputs, "data", arcFlowsID, "stats", "flow")
	require.NoError(t, err)
	model, err := loadNetworkModel()
	require.NoError(t, err)
	assert.Len(t, flows, len(model.Arcs))
}

func TestNetwork_ZeroCapacityLeavesDemandUnmet(t *testing.T) {
	ctx := context.Background()
	rec := &command.Recorder{}
	state, err := ExecuteNetwork(ctx, session.New(), rec, command.CommandInit, nil)
	require.NoError(t, err)

	require.NoError(t, state.Set(session.KeyPanes, []any{"data", networkPane, "values", "capacityScale"}, 0))
	state, err = ExecuteNetwork(ctx, state, rec, "solve", nil)
	require.NoError(t, err)

	shipped, _ := state.Get(session.KeyKpis, "data", "shipped", "value")
	assert.Equal(t, 0.0, shipped)
	unmet, _ := state.Get(session.KeyKpis, "data", "unmetDemand", "value")
	assert.Greater(t, unmet.(float64), 0.0)

	notes := rec.Notifications()
	require.NotEmpty(t, notes)
	assert.Equal(t, command.ThemeWarning, notes[len(notes)-1].Theme)
}

// =============================================================================
// Static
// =============================================================================

func writeStatic(t *testing.T, path, icon string) {
	t.Helper()
	body := "appBar:\n  data:\n    home:\n      type: button\n      icon: " + icon + "\n      apiCommand: noop\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestStaticApp_InitReturnsFileState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	writeStatic(t, path, "md/MdHome")

	app, err := NewStaticApp(path)
	require.NoError(t, err)

	state, err := app.Execute(context.Background(), nil, nil, command.CommandInit, nil)
	require.NoError(t, err)
	icon, _ := state.Get(session.KeyAppBar, "data", "home", "icon")
	assert.Equal(t, "md/MdHome", icon)

	_, err = app.Execute(context.Background(), state, nil, "noop", nil)
	assert.ErrorIs(t, err, command.ErrUnknownCommand)
}

func TestStaticApp_ReturnsPrivateCopies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	writeStatic(t, path, "md/MdHome")
	app, err := NewStaticApp(path)
	require.NoError(t, err)

	first, _ := app.Execute(context.Background(), nil, nil, command.CommandInit, nil)
	require.NoError(t, first.Set(session.KeyAppBar, []any{"data", "home", "icon"}, "md/MdClose"))

	second, _ := app.Execute(context.Background(), nil, nil, command.CommandInit, nil)
	icon, _ := second.Get(session.KeyAppBar, "data", "home", "icon")
	assert.Equal(t, "md/MdHome", icon)
}

func TestStaticApp_BadReloadKeepsPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	writeStatic(t, path, "md/MdHome")
	app, err := NewStaticApp(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("appBar: [unclosed"), 0o644))
	assert.Error(t, app.Reload())

	state, _ := app.Execute(context.Background(), nil, nil, command.CommandInit, nil)
	icon, _ := state.Get(session.KeyAppBar, "data", "home", "icon")
	assert.Equal(t, "md/MdHome", icon)
}

func TestStaticApp_WatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	writeStatic(t, path, "md/MdHome")
	app, err := NewStaticApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Watch(ctx))

	writeStatic(t, path, "md/MdStar")

	assert.Eventually(t, func() bool {
		state, err := app.Execute(context.Background(), nil, nil, command.CommandInit, nil)
		if err != nil {
			return false
		}
		icon, _ := state.Get(session.KeyAppBar, "data", "home", "icon")
		return icon == "md/MdStar"
	}, 5*time.Second, 50*time.Millisecond)
}
