// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CommandsTotal.WithLabelValues("lightbulb", "myCommand", StatusSuccess).Inc()
	m.BackupRunsTotal.WithLabelValues(StatusSkipped).Inc()
	m.ActiveConnections.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("lightbulb", "myCommand", StatusSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveConnections))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "cave_command_executions_total")
	assert.Contains(t, names, "cave_websocket_active_connections")
}

func TestNewMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestDefault_IsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown(context.Background())
}

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), StdoutEndpoint)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "test")
	span.End()
	shutdown(context.Background())
}
