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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/apps"
	"github.com/AleutianAI/cave/services/cave/cache"
	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/middleware"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/session"
)

// =============================================================================
// Test Harness
// =============================================================================

// tokenAuth maps fixed tokens to users.
type tokenAuth map[string]string

func (a tokenAuth) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	user, ok := a[token]
	if !ok {
		return nil, errors.Join(extensions.ErrUnauthorized, errors.New("unknown token"))
	}
	return &extensions.AuthInfo{UserID: user, Roles: []string{extensions.RoleViewer}}, nil
}

type wsServer struct {
	srv   *httptest.Server
	store *session.Store
}

type wsOptions struct {
	app       string
	handler   command.Handler
	rateLimit float64
	burst     int
	authz     extensions.AuthzProvider
}

func newWSServer(t *testing.T, o wsOptions) *wsServer {
	t.Helper()
	if o.app == "" {
		o.app = apps.Lightbulb
		o.handler = command.HandlerFunc(apps.ExecuteLightbulb)
	}

	c, err := cache.NewBadgerCache()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := session.NewStore(c, nil, 0).WithMetrics(metrics)
	hub := NewHub(metrics)
	go hub.Run()

	opts := extensions.DefaultOptions()
	if o.authz != nil {
		opts = opts.WithAuthz(o.authz)
	}
	dispatcher := NewDispatcher(DispatcherConfig{
		Store: store,
		Executor: command.NewExecutor(command.ExecutorConfig{
			App: o.app, Handler: o.handler, Metrics: metrics,
		}),
		Hub:     hub,
		Options: opts,
		Metrics: metrics,
	})
	ws := NewWebSocketHandler(WebSocketConfig{
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    metrics,
		RateLimit:  o.rateLimit,
		Burst:      o.burst,
	})

	auth := tokenAuth{"alice-token": "alice", "alice-token-2": "alice", "bob-token": "bob"}
	router := gin.New()
	router.GET("/ws/", middleware.AuthMiddleware(auth), ws.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return &wsServer{srv: srv, store: store}
}

func (s *wsServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, cmd string, data any) {
	t.Helper()
	frame := map[string]any{"command": cmd}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(t, conn.WriteJSON(frame))
}

func read(t *testing.T, conn *websocket.Conn) rawFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f rawFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readSession(t *testing.T, conn *websocket.Conn, event string) SessionPayload {
	t.Helper()
	f := read(t, conn)
	require.Equal(t, event, f.Event, "payload: %s", f.Data)
	var p SessionPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}

func readError(t *testing.T, conn *websocket.Conn) ErrorPayload {
	t.Helper()
	f := read(t, conn)
	require.Equal(t, EventError, f.Event, "payload: %s", f.Data)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}

func icon(t *testing.T, state session.State) any {
	t.Helper()
	v, err := state.Get(session.KeyAppBar, "data", "myCommandButton", "icon")
	require.NoError(t, err)
	return v
}

// =============================================================================
// Connection
// =============================================================================

func TestWebSocket_RejectsUnknownToken(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// =============================================================================
// get_session_data
// =============================================================================

func TestWebSocket_GetSessionDataInitialisesSession(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	p := readSession(t, conn, EventOverwrite)

	assert.Equal(t, "md/MdLightbulbOutline", icon(t, p.Data))
	assert.Equal(t, int64(1), p.DataVersions[session.KeyAppBar])

	rec, err := s.store.Load(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, apps.Lightbulb, rec.App)
}

func TestWebSocket_GetSessionDataSendsOnlyStaleKeys(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	first := readSession(t, conn, EventOverwrite)

	send(t, conn, CmdGetSessionData, map[string]any{"data_versions": first.DataVersions})
	second := readSession(t, conn, EventOverwrite)

	assert.Empty(t, second.Data)
	assert.Equal(t, first.DataVersions, second.DataVersions)
}

// =============================================================================
// mutate_session
// =============================================================================

func TestWebSocket_ApiCommandBroadcastsToAllUserConnections(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	first := s.dial(t, "alice-token")
	second := s.dial(t, "alice-token-2")
	other := s.dial(t, "bob-token")

	// Each connection is registered once it has been answered.
	for _, conn := range []*websocket.Conn{first, second, other} {
		send(t, conn, CmdGetSessionData, nil)
		readSession(t, conn, EventOverwrite)
	}

	send(t, first, CmdMutateSession, map[string]any{"api_command": "myCommand"})

	for _, conn := range []*websocket.Conn{first, second} {
		p := readSession(t, conn, EventMutation)
		assert.Equal(t, []string{session.KeyAppBar}, keys(p.Data))
		assert.Equal(t, "md/MdLightbulb", icon(t, p.Data))
		assert.Equal(t, map[string]int64{session.KeyAppBar: 2}, p.DataVersions)
	}

	// Bob's session is untouched and he hears nothing.
	send(t, other, CmdGetAssociatedSessionData, map[string]any{
		"data_name": session.KeyAppBar, "data_path": []any{"data", "myCommandButton", "icon"},
	})
	f := read(t, other)
	require.Equal(t, EventAssociated, f.Event)
	assert.Contains(t, string(f.Data), "md/MdLightbulbOutline")
}

func TestWebSocket_DirectMutation(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	readSession(t, conn, EventOverwrite)

	send(t, conn, CmdMutateSession, map[string]any{
		"data_name":  session.KeyAppBar,
		"data_path":  []any{"data", "myCommandButton", "icon"},
		"data_value": "md/MdLightbulb",
	})
	p := readSession(t, conn, EventMutation)
	assert.Equal(t, "md/MdLightbulb", icon(t, p.Data))

	send(t, conn, CmdMutateSession, map[string]any{
		"data_name":     session.KeyAppBar,
		"data_path":     []any{"data", "myCommandButton", "bar"},
		"mutation_type": MutationUnset,
	})
	p = readSession(t, conn, EventMutation)
	_, err := p.Data.Get(session.KeyAppBar, "data", "myCommandButton", "bar")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestWebSocket_RemovedSectionIsSentAsNullAndReaddedIsStale(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	writer := s.dial(t, "alice-token")
	watcher := s.dial(t, "alice-token-2")

	var initial SessionPayload
	for _, conn := range []*websocket.Conn{writer, watcher} {
		send(t, conn, CmdGetSessionData, nil)
		initial = readSession(t, conn, EventOverwrite)
	}
	require.Equal(t, int64(1), initial.DataVersions[session.KeySettings])

	send(t, writer, CmdMutateSession, map[string]any{
		"data_name":     session.KeySettings,
		"mutation_type": MutationUnset,
	})
	for _, conn := range []*websocket.Conn{writer, watcher} {
		p := readSession(t, conn, EventMutation)
		require.Contains(t, p.Data, session.KeySettings)
		assert.Nil(t, p.Data[session.KeySettings])
		assert.Equal(t, map[string]int64{session.KeySettings: 2}, p.DataVersions)
	}

	send(t, writer, CmdMutateSession, map[string]any{
		"data_name":  session.KeySettings,
		"data_value": map[string]any{"data": map[string]any{"sync": true}},
	})
	p := readSession(t, writer, EventMutation)
	assert.Equal(t, map[string]int64{session.KeySettings: 3}, p.DataVersions)

	// A client that only ever saw the first settings is told about the new one.
	send(t, watcher, CmdGetSessionData, map[string]any{"data_versions": initial.DataVersions})
	readSession(t, watcher, EventMutation)
	stale := readSession(t, watcher, EventOverwrite)
	assert.Equal(t, []string{session.KeySettings}, keys(stale.Data))
	sync, err := stale.Data.Get(session.KeySettings, "data", "sync")
	require.NoError(t, err)
	assert.Equal(t, true, sync)
}

func TestWebSocket_NoOpMutationIsNotBroadcast(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	readSession(t, conn, EventOverwrite)

	send(t, conn, CmdMutateSession, map[string]any{
		"data_name":  session.KeyAppBar,
		"data_path":  []any{"data", "myCommandButton", "icon"},
		"data_value": "md/MdLightbulbOutline",
	})
	send(t, conn, CmdGetAssociatedSessionData, map[string]any{"data_name": session.KeyAppBar})

	f := read(t, conn)
	assert.Equal(t, EventAssociated, f.Event, "the no-op mutation produced a frame: %s", f.Data)
}

func TestWebSocket_NotificationsReachTheGroup(t *testing.T) {
	s := newWSServer(t, wsOptions{
		app:     apps.Notifications,
		handler: command.HandlerFunc(apps.ExecuteNotifications),
	})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	readSession(t, conn, EventOverwrite)

	send(t, conn, CmdMutateSession, map[string]any{
		"api_command": "notify",
		"kwargs":      map[string]any{"message": "hi", "theme": "warning", "duration": 3},
	})

	f := read(t, conn)
	require.Equal(t, EventNotify, f.Event)
	var n NotifyPayload
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.Equal(t, NotifyPayload{Message: "hi", Title: "Notification", Theme: "warning", Duration: 3}, n)

	p := readSession(t, conn, EventMutation)
	sent, err := p.Data.Get(session.KeyKpis, "data", "notificationsSent", "value")
	require.NoError(t, err)
	assert.Equal(t, 1.0, sent)
}

// =============================================================================
// get_associated_session_data
// =============================================================================

func TestWebSocket_GetAssociatedSessionData(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetAssociatedSessionData, map[string]any{"data_name": session.KeyAppBar})
	assert.Equal(t, CodeNotFound, readError(t, conn).Code, "no session yet")

	send(t, conn, CmdGetSessionData, nil)
	readSession(t, conn, EventOverwrite)

	send(t, conn, CmdGetAssociatedSessionData, map[string]any{
		"data_name": session.KeyAppBar,
		"data_path": []any{"data", "myCommandButton", "apiCommand"},
	})
	f := read(t, conn)
	require.Equal(t, EventAssociated, f.Event)
	var p AssociatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "myCommand", p.Data)
	assert.Equal(t, []any{"data", "myCommandButton", "apiCommand"}, p.DataPath)
}

// =============================================================================
// Errors
// =============================================================================

func TestWebSocket_ErrorFrames(t *testing.T) {
	s := newWSServer(t, wsOptions{})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	before := readSession(t, conn, EventOverwrite)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	p := readError(t, conn)
	assert.Equal(t, CodeInvalidRequest, p.Code)

	send(t, conn, "teleport", nil)
	p = readError(t, conn)
	assert.Equal(t, CodeInvalidRequest, p.Code)
	assert.Equal(t, "teleport", p.Command)

	send(t, conn, CmdMutateSession, map[string]any{"api_command": "selfDestruct"})
	p = readError(t, conn)
	assert.Equal(t, CodeUnknownCommand, p.Code)

	send(t, conn, CmdMutateSession, map[string]any{"data_name": "widgets", "data_value": 1})
	assert.Equal(t, CodeInvalidRequest, readError(t, conn).Code)

	send(t, conn, CmdMutateSession, map[string]any{
		"data_name": session.KeyAppBar, "data_path": []any{"data", "myCommandButton", "icon", "deeper"}, "data_value": 1,
	})
	assert.Equal(t, CodeInvalidPath, readError(t, conn).Code)

	// The connection survives and the state is unchanged.
	send(t, conn, CmdGetSessionData, map[string]any{"data_versions": before.DataVersions})
	after := readSession(t, conn, EventOverwrite)
	assert.Empty(t, after.Data)
	assert.Equal(t, before.DataVersions, after.DataVersions)
}

func TestWebSocket_Forbidden(t *testing.T) {
	s := newWSServer(t, wsOptions{authz: denyAll{}})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	assert.Equal(t, CodeForbidden, readError(t, conn).Code)
}

func TestWebSocket_RateLimited(t *testing.T) {
	s := newWSServer(t, wsOptions{rateLimit: 0.001, burst: 1})
	conn := s.dial(t, "alice-token")

	send(t, conn, CmdGetSessionData, nil)
	readSession(t, conn, EventOverwrite)

	send(t, conn, CmdGetSessionData, nil)
	assert.Equal(t, CodeRateLimited, readError(t, conn).Code)
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, extensions.AuthzRequest) error {
	return errors.New("policy says no")
}

func keys(s session.State) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
