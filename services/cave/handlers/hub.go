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
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/AleutianAI/cave/services/cave/observability"
)

// broadcastBuffer is the hub's queue of pending group broadcasts.
const broadcastBuffer = 256

type groupMessage struct {
	group string
	event string
	data  []byte
}

// Hub routes frames to every connection of a user.
//
// # Description
//
// Connections are grouped by user id. Registration, removal and broadcast
// are serialised through one goroutine (Run), so a broadcast never races
// with a connection closing its send queue. A client whose queue is full
// misses the frame rather than stalling the group.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Run must be running for
// Register, Unregister and Broadcast to make progress.
type Hub struct {
	groups     map[string]map[*Client]struct{}
	mu         sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan groupMessage
	done       chan struct{}
	stopOnce   sync.Once
	metrics    *observability.Metrics
}

// NewHub creates a hub. Nil metrics uses observability.Default().
func NewHub(metrics *observability.Metrics) *Hub {
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Hub{
		groups:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan groupMessage, broadcastBuffer),
		done:       make(chan struct{}),
		metrics:    metrics,
	}
}

// Run processes hub events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			members, ok := h.groups[client.group]
			if !ok {
				members = make(map[*Client]struct{})
				h.groups[client.group] = members
			}
			members[client] = struct{}{}
			size := len(members)
			h.mu.Unlock()
			h.metrics.ActiveConnections.Inc()
			slog.Debug("WebSocket client joined group", "client_id", client.id, "group", client.group, "group_size", size)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Stop ends Run and closes every client's send queue. Safe to call more
// than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds client to its group. Returns false if the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues frame for every connection in group.
func (h *Hub) Broadcast(group string, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "event", frame.Event, "error", err)
		return
	}
	select {
	case h.broadcast <- groupMessage{group: group, event: frame.Event, data: data}:
	case <-h.done:
	default:
		h.metrics.DroppedFramesTotal.Inc()
		slog.Warn("Hub broadcast queue full, dropping frame", "group", group, "event", frame.Event)
	}
}

// GroupSize returns the number of connections for group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// ClientCount returns the number of connections across all groups.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, members := range h.groups {
		n += len(members)
	}
	return n
}

func (h *Hub) deliver(msg groupMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.groups[msg.group] {
		client.enqueue(msg.event, msg.data)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[client.group]
	if !ok {
		return
	}
	if _, ok := members[client]; !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.groups, client.group)
	}
	client.closeSend()
	h.metrics.ActiveConnections.Dec()
	slog.Debug("WebSocket client left group", "client_id", client.id, "group", client.group)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group, members := range h.groups {
		for client := range members {
			client.closeSend()
			h.metrics.ActiveConnections.Dec()
		}
		delete(h.groups, group)
	}
}
