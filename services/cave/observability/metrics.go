// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the CAVE server.
//
// # Description
//
// Prometheus metrics cover the three moving parts of the server:
//   - Commands (count, status, latency by app and command)
//   - WebSocket connections (active gauge, frames in/out, dropped frames)
//   - Session backups (runs by outcome, entries copied, duration)
//
// Metrics are exposed via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "cave"

// Metrics holds all Prometheus metrics for the server.
//
// # Fields
//
//   - CommandsTotal: Commands executed. Labels: app, command, status.
//   - CommandDurationSeconds: Handler latency. Labels: app, command.
//   - ValidationViolationsTotal: Validator findings on handler output. Labels: app.
//   - ActiveConnections: Open WebSocket connections.
//   - FramesTotal: WebSocket frames. Labels: direction (in, out), event.
//   - DroppedFramesTotal: Frames dropped because a client queue was full.
//   - NotificationsTotal: socket.Notify calls. Labels: theme.
//   - BackupRunsTotal: Backup cycles. Labels: outcome (success, skipped, error).
//   - BackupEntriesTotal: Cache entries copied to the backup store.
//   - BackupDurationSeconds: Duration of completed backup cycles.
//   - SessionRestoresTotal: Cache misses served from backup. Labels: outcome.
type Metrics struct {
	CommandsTotal             *prometheus.CounterVec
	CommandDurationSeconds    *prometheus.HistogramVec
	ValidationViolationsTotal *prometheus.CounterVec
	ActiveConnections         prometheus.Gauge
	FramesTotal               *prometheus.CounterVec
	DroppedFramesTotal        prometheus.Counter
	NotificationsTotal        *prometheus.CounterVec
	BackupRunsTotal           *prometheus.CounterVec
	BackupEntriesTotal        prometheus.Counter
	BackupDurationSeconds     prometheus.Histogram
	SessionRestoresTotal      *prometheus.CounterVec
}

// Outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown_command"
	StatusSkipped = "skipped"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics registered on the default
// Prometheus registry. The first call registers them.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates and registers all metrics on reg.
//
// # Description
//
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate
// registration panics on the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "command",
				Name:      "executions_total",
				Help:      "Total command executions by app, command and status",
			},
			[]string{"app", "command", "status"},
		),

		CommandDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Command handler execution time in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"app", "command"},
		),

		ValidationViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "command",
				Name:      "validation_violations_total",
				Help:      "Validator violations found in handler output",
			},
			[]string{"app"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "websocket",
				Name:      "active_connections",
				Help:      "Number of currently open WebSocket connections",
			},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "websocket",
				Name:      "frames_total",
				Help:      "WebSocket frames by direction and event",
			},
			[]string{"direction", "event"},
		),

		DroppedFramesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "websocket",
				Name:      "dropped_frames_total",
				Help:      "Frames dropped because the client send queue was full",
			},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "websocket",
				Name:      "notifications_total",
				Help:      "Notifications pushed to clients by theme",
			},
			[]string{"theme"},
		),

		BackupRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "runs_total",
				Help:      "Backup cycles by outcome",
			},
			[]string{"outcome"},
		),

		BackupEntriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "entries_total",
				Help:      "Cache entries copied to the backup store",
			},
		),

		BackupDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "duration_seconds",
				Help:      "Duration of completed backup cycles in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),

		SessionRestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "restores_total",
				Help:      "Session loads that missed the cache, by outcome",
			},
			[]string{"outcome"},
		),
	}
}
