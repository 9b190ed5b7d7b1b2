// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package command defines the contract between the CAVE transport and the
// application code that builds and mutates session state.
//
// # Description
//
// An application is a Handler. The transport hands it the current state,
// a Socket for user-visible side effects, a command name and keyword
// arguments, and stores whatever state it returns. "init" is the only
// command every handler must understand; it builds a state from nothing.
//
// # Thread Safety
//
// Handlers must be safe for concurrent use across users. A single user's
// commands are serialised by the transport.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/cave/services/cave/session"
)

// CommandInit is the mandatory command that builds a state from scratch.
const CommandInit = "init"

// Notification themes understood by the client.
const (
	ThemeInfo    = "info"
	ThemeSuccess = "success"
	ThemeWarning = "warning"
	ThemeError   = "error"
)

// DefaultNotifyDuration is how long the client shows a toast when the
// handler does not say.
const DefaultNotifyDuration = 5 * time.Second

var (
	// ErrUnknownCommand is returned by a handler for a command it does not
	// implement.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnknownApp is returned by the registry for an unregistered name.
	ErrUnknownApp = errors.New("unknown app")
)

// UnknownCommand returns an error wrapping ErrUnknownCommand that names the
// offending command.
func UnknownCommand(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// =============================================================================
// Socket
// =============================================================================

// Socket is the side channel a handler uses to reach the connected client.
//
// # Description
//
// Notify shows a toast; Export pushes a payload the client offers as a file
// download. Neither blocks on the client and neither reports delivery.
type Socket interface {
	Notify(message, title, theme string, duration time.Duration)
	Export(payload any)
}

// Notification is one Notify call.
type Notification struct {
	Message  string        `json:"message"`
	Title    string        `json:"title"`
	Theme    string        `json:"theme"`
	Duration time.Duration `json:"-"`
}

// NopSocket discards everything.
type NopSocket struct{}

func (NopSocket) Notify(string, string, string, time.Duration) {}

func (NopSocket) Export(any) {}

// Recorder is a Socket that keeps every call. Used by the CLI validate
// command and by tests.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	exports       []any
}

// Notify records a notification.
func (r *Recorder) Notify(message, title, theme string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{
		Message: message, Title: title, Theme: theme, Duration: duration,
	})
}

// Export records an export payload.
func (r *Recorder) Export(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports = append(r.exports, payload)
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Exports returns a copy of the recorded export payloads.
func (r *Recorder) Exports() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.exports...)
}

var (
	_ Socket = NopSocket{}
	_ Socket = (*Recorder)(nil)
)

// =============================================================================
// Handler
// =============================================================================

// Handler builds and mutates session state for one application.
//
// # Description
//
// Execute receives the prior state (empty for "init") and returns the next
// one. Handlers may mutate state in place and return it. The caller owns
// the copy it passes in.
//
// # Inputs
//
//   - ctx: Cancelled when the client disconnects.
//   - state: Prior session state. Never nil.
//   - socket: Side channel to the client.
//   - command: Branch to run.
//   - kwargs: Command arguments. Never nil.
//
// # Outputs
//
//   - session.State: The next state.
//   - error: Wraps ErrUnknownCommand for unrecognised commands.
type Handler interface {
	Execute(ctx context.Context, state session.State, socket Socket, command string, kwargs Kwargs) (session.State, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, state session.State, socket Socket, command string, kwargs Kwargs) (session.State, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, state session.State, socket Socket, command string, kwargs Kwargs) (session.State, error) {
	return f(ctx, state, socket, command, kwargs)
}

// =============================================================================
// Kwargs
// =============================================================================

// Kwargs are the keyword arguments passed alongside a command.
type Kwargs map[string]any

// String returns kwargs[key] if it is a string.
func (k Kwargs) String(key string) (string, bool) {
	s, ok := k[key].(string)
	return s, ok
}

// Float returns kwargs[key] as a float64 if it is numeric.
func (k Kwargs) Float(key string) (float64, bool) {
	switch v := session.Normalize(k[key]).(type) {
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// Strings returns kwargs[key] as a string slice. Non-string elements are
// skipped.
func (k Kwargs) Strings(key string) []string {
	switch v := k[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps application names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for name or an error wrapping ErrUnknownApp.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApp, name)
	}
	return h, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
