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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/middleware"
	"github.com/AleutianAI/cave/services/cave/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// =============================================================================
// Client
// =============================================================================

// Client is one WebSocket connection.
//
// # Description
//
// Outgoing frames are queued on send and written by writePump. The hub
// closes send when the client leaves; enqueue after that is a no-op.
type Client struct {
	id      string
	group   string
	user    *extensions.AuthInfo
	conn    *websocket.Conn
	hub     *Hub
	socket  *groupSocket
	limiter *rate.Limiter
	metrics *observability.Metrics

	send   chan []byte
	sendMu sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, hub *Hub, user *extensions.AuthInfo, limiter *rate.Limiter, metrics *observability.Metrics) *Client {
	return &Client{
		id:      uuid.NewString(),
		group:   user.UserID,
		user:    user,
		conn:    conn,
		hub:     hub,
		socket:  newGroupSocket(hub, user.UserID, metrics),
		limiter: limiter,
		metrics: metrics,
		send:    make(chan []byte, sendBuffer),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues frame for this connection only.
func (c *Client) Send(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to encode frame", "client_id", c.id, "event", frame.Event, "error", err)
		return
	}
	c.enqueue(frame.Event, data)
}

func (c *Client) sendError(cmd string, err error) {
	payload := errorPayload(cmd, err)
	if payload.Code == CodeInternal {
		slog.Error("Command failed", "client_id", c.id, "user_id", c.group, "command", cmd, "error", err)
	}
	c.Send(Frame{Event: EventError, Data: payload})
}

func (c *Client) enqueue(event string, data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		c.metrics.FramesTotal.WithLabelValues("out", event).Inc()
		return true
	default:
		c.metrics.DroppedFramesTotal.Inc()
		slog.Warn("Client send queue full, dropping frame", "client_id", c.id, "event", event)
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// =============================================================================
// Handler
// =============================================================================

// WebSocketConfig configures the /ws/ endpoint.
type WebSocketConfig struct {
	Dispatcher *Dispatcher
	Hub        *Hub
	Metrics    *observability.Metrics

	// RateLimit is the sustained frames per second accepted from one
	// connection. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// WebSocketHandler upgrades authenticated requests and serves frames.
type WebSocketHandler struct {
	dispatcher *Dispatcher
	hub        *Hub
	metrics    *observability.Metrics
	limit      rate.Limit
	burst      int
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(cfg WebSocketConfig) *WebSocketHandler {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &WebSocketHandler{
		dispatcher: cfg.Dispatcher,
		hub:        cfg.Hub,
		metrics:    cfg.Metrics,
		limit:      limit,
		burst:      cfg.Burst,
	}
}

// Handle is the gin handler for /ws/.
//
// # Description
//
// Expects middleware.AuthMiddleware to have run. The read loop runs on
// the request goroutine, so the request returns when the client leaves.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	user := middleware.GetAuthInfo(c)
	if user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket", "user_id", user.UserID, "error", err)
		return
	}

	client := newClient(conn, h.hub, user, rate.NewLimiter(h.limit, h.burst), h.metrics)
	if !h.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	slog.Info("WebSocket client connected", "client_id", client.id, "user_id", user.UserID)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	go client.writePump()
	h.readPump(ctx, client)
	slog.Info("WebSocket client disconnected", "client_id", client.id, "user_id", user.UserID)
}

func (h *WebSocketHandler) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		h.handleMessage(ctx, c, message)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *Client, message []byte) {
	var req Request
	if err := json.Unmarshal(message, &req); err != nil {
		h.metrics.FramesTotal.WithLabelValues("in", "malformed").Inc()
		c.Send(Frame{Event: EventError, Data: ErrorPayload{Code: CodeInvalidRequest, Message: "invalid JSON frame"}})
		return
	}
	if err := frameValidate.Struct(req); err != nil {
		h.metrics.FramesTotal.WithLabelValues("in", "malformed").Inc()
		c.Send(Frame{Event: EventError, Data: ErrorPayload{Command: req.Command, Code: CodeInvalidRequest, Message: err.Error()}})
		return
	}
	h.metrics.FramesTotal.WithLabelValues("in", req.Command).Inc()

	if !c.limiter.Allow() {
		c.Send(Frame{Event: EventError, Data: ErrorPayload{Command: req.Command, Code: CodeRateLimited, Message: "too many frames"}})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, c, req); err != nil {
		c.sendError(req.Command, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
