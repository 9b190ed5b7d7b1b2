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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
)

// DefaultWeatherURL is an Open-Meteo current-weather query for New York.
const DefaultWeatherURL = "https://api.open-meteo.com/v1/forecast?latitude=40.71&longitude=-74.01&current_weather=true"

// maxWeatherBody caps the forecast response size.
const maxWeatherBody = 1 << 20

type forecast struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		Windspeed   float64 `json:"windspeed"`
		WeatherCode float64 `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

// WeatherApp shows current conditions from an external forecast API.
//
// # Description
//
// "init" and "refresh" fetch the forecast. A failed fetch never fails the
// command: the user gets an error notification and the KPIs fall back to
// empty values.
type WeatherApp struct {
	url    string
	client *http.Client
}

// NewWeather creates the weather app. Empty url uses DefaultWeatherURL.
func NewWeather(url string, client *http.Client) *WeatherApp {
	if url == "" {
		url = DefaultWeatherURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WeatherApp{url: url, client: client}
}

// Execute implements command.Handler.
func (w *WeatherApp) Execute(ctx context.Context, state session.State, socket command.Socket, cmd string, _ command.Kwargs) (session.State, error) {
	switch cmd {
	case command.CommandInit:
		state = session.New()
		state.Data(session.KeyAppBar)["refreshButton"] = button("md/MdRefresh", "refresh", "upperLeft", 1)
		w.apply(ctx, state, socket)
		return state, nil

	case "refresh":
		w.apply(ctx, state, socket)
		return state, nil

	default:
		return nil, command.UnknownCommand(cmd)
	}
}

func (w *WeatherApp) apply(ctx context.Context, state session.State, socket command.Socket) {
	var temperature, windspeed any
	observed := ""

	f, err := w.fetch(ctx)
	if err != nil {
		slog.Warn("Weather fetch failed", "url", w.url, "error", err)
		socket.Notify("Could not load the current weather: "+err.Error(),
			"Weather unavailable", command.ThemeError, command.DefaultNotifyDuration)
	} else {
		temperature = f.CurrentWeather.Temperature
		windspeed = f.CurrentWeather.Windspeed
		observed = f.CurrentWeather.Time
	}

	kpis := state.Data(session.KeyKpis)
	kpis["temperature"] = kpi("Temperature", "wi/WiThermometer", "°C", temperature, 1)
	kpis["windspeed"] = kpi("Wind Speed", "wi/WiStrongWind", "km/h", windspeed, 2)
	state.Data(session.KeyGlobalOutputs)["observedAt"] = map[string]any{
		"name":  "Observed At",
		"value": observed,
	}
}

func (w *WeatherApp) fetch(ctx context.Context) (*forecast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast service returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWeatherBody))
	if err != nil {
		return nil, fmt.Errorf("read forecast: %w", err)
	}
	var f forecast
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	return &f, nil
}

var _ command.Handler = (*WeatherApp)(nil)
