// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEvent records one state-changing action.
//
// # Fields
//
//   - EventType: e.g. "session.mutate", "session.init", "backup.run".
//   - Timestamp: When it happened.
//   - UserID: Who did it.
//   - Action: Command or operation name.
//   - Outcome: OutcomeSuccess, OutcomeFailure or OutcomeDenied.
//   - Metadata: Extra context such as changed keys.
type AuditEvent struct {
	EventType string
	Timestamp time.Time
	UserID    string
	Action    string
	Outcome   string
	Metadata  map[string]any
}

// AuditLogger receives audit events. Log must not block for long; it is
// called on the request path.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger drops every event.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error {
	return nil
}

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// Log writes the event at info level under the "audit" group.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Group("audit",
			slog.String("event_type", event.EventType),
			slog.Time("timestamp", event.Timestamp),
			slog.String("user_id", event.UserID),
			slog.String("action", event.Action),
			slog.String("outcome", event.Outcome),
			slog.Any("metadata", event.Metadata),
		))
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
