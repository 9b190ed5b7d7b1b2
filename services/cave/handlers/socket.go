// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"time"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/observability"
)

// groupSocket delivers handler side effects to every connection of a user.
type groupSocket struct {
	hub     *Hub
	group   string
	metrics *observability.Metrics
}

func newGroupSocket(hub *Hub, group string, metrics *observability.Metrics) *groupSocket {
	return &groupSocket{hub: hub, group: group, metrics: metrics}
}

// Notify broadcasts a notify event.
func (s *groupSocket) Notify(message, title, theme string, duration time.Duration) {
	if theme == "" {
		theme = command.ThemeInfo
	}
	if duration <= 0 {
		duration = command.DefaultNotifyDuration
	}
	s.metrics.NotificationsTotal.WithLabelValues(theme).Inc()
	s.hub.Broadcast(s.group, Frame{
		Event: EventNotify,
		Data: NotifyPayload{
			Message:  message,
			Title:    title,
			Theme:    theme,
			Duration: int64(duration / time.Second),
		},
	})
}

// Export broadcasts an export event.
func (s *groupSocket) Export(payload any) {
	s.hub.Broadcast(s.group, Frame{Event: EventExport, Data: payload})
}

var _ command.Socket = (*groupSocket)(nil)
