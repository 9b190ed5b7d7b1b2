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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/validation"
)

// ErrInvalidRequest marks a frame that could not be decoded or validated.
var ErrInvalidRequest = errors.New("invalid request")

// DispatcherConfig wires a Dispatcher.
//
// # Fields
//
//   - Store: Session records.
//   - Executor: Runs the configured app's commands.
//   - Hub: Group fan-out for mutations and socket side effects.
//   - Options: Auth, authz and audit providers. Nil fields use no-ops.
//   - Metrics: Metric set. Nil uses observability.Default().
//   - Now: Clock. Default: time.Now.
type DispatcherConfig struct {
	Store    *session.Store
	Executor *command.Executor
	Hub      *Hub
	Options  extensions.ServiceOptions
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Dispatcher executes client commands against the session store.
//
// # Description
//
// Writes for one user are serialised with the store's per-user lock, so
// two tabs issuing commands at once both land. Reads of a single subtree
// skip the lock; they see the last saved record.
type Dispatcher struct {
	store    *session.Store
	executor *command.Executor
	hub      *Hub
	opts     extensions.ServiceOptions
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:    cfg.Store,
		executor: cfg.Executor,
		hub:      cfg.Hub,
		opts:     cfg.Options.WithDefaults(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Dispatch runs one request for client. Replies and broadcasts are queued
// on the client and hub; the returned error is for the caller to report
// as an error frame.
func (d *Dispatcher) Dispatch(ctx context.Context, client *Client, req Request) error {
	switch req.Command {
	case CmdGetSessionData:
		var p GetSessionDataRequest
		if err := decodePayload(req.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return d.GetSessionData(ctx, client, p)

	case CmdMutateSession:
		var p MutateSessionRequest
		if err := decodePayload(req.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return d.MutateSession(ctx, client, p)

	case CmdGetAssociatedSessionData:
		var p GetAssociatedSessionDataRequest
		if err := decodePayload(req.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return d.GetAssociatedSessionData(ctx, client, p)

	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, req.Command)
	}
}

// GetSessionData replies with every section the client's versions are
// behind on, creating the session with "init" on first contact.
func (d *Dispatcher) GetSessionData(ctx context.Context, client *Client, p GetSessionDataRequest) error {
	if err := d.authorize(ctx, client, extensions.ActionSessionRead); err != nil {
		return err
	}

	unlock := d.store.Lock(client.group)
	defer unlock()

	rec, err := d.loadOrInit(ctx, client)
	if err != nil {
		return err
	}

	stale := rec.StaleKeys(p.DataVersions)
	client.Send(Frame{
		Event: EventOverwrite,
		Data: SessionPayload{
			Data:         rec.Delta(stale),
			DataVersions: maps.Clone(rec.Versions),
		},
	})
	return nil
}

// MutateSession applies a direct edit and/or an app command, then
// broadcasts the changed sections to the user's group.
func (d *Dispatcher) MutateSession(ctx context.Context, client *Client, p MutateSessionRequest) error {
	if err := d.authorize(ctx, client, extensions.ActionSessionWrite); err != nil {
		return err
	}
	if p.DataName != "" && !session.IsTopLevelKey(p.DataName) {
		return fmt.Errorf("%w: unknown data_name %q", ErrInvalidRequest, p.DataName)
	}

	unlock := d.store.Lock(client.group)
	defer unlock()

	rec, err := d.loadOrInit(ctx, client)
	if err != nil {
		return err
	}

	next := rec.State.Clone()
	if p.DataName != "" {
		if p.MutationType == MutationUnset {
			err = next.Unset(p.DataName, p.DataPath)
		} else {
			err = next.Set(p.DataName, p.DataPath, p.DataValue)
		}
		if err != nil {
			d.audit(ctx, client, "session.mutate", p.ApiCommand, extensions.OutcomeFailure, nil)
			return err
		}
	}

	if p.ApiCommand != "" {
		kwargs := command.Kwargs{}
		maps.Copy(kwargs, p.Kwargs)
		kwargs["api_command_keys"] = p.ApiCommandKeys
		next, _, err = d.executor.Execute(ctx, next, client.socket, p.ApiCommand, kwargs)
		if err != nil {
			d.audit(ctx, client, "session.mutate", p.ApiCommand, extensions.OutcomeFailure, nil)
			return err
		}
	}

	changed := rec.Apply(next, d.now())
	if len(changed) == 0 {
		return nil
	}
	if err := d.store.Save(ctx, rec); err != nil {
		return err
	}

	d.audit(ctx, client, "session.mutate", p.ApiCommand, extensions.OutcomeSuccess,
		map[string]any{"changed": changed, "data_name": p.DataName})
	d.hub.Broadcast(client.group, Frame{
		Event: EventMutation,
		Data: SessionPayload{
			Data:         rec.Delta(changed),
			DataVersions: rec.VersionsFor(changed),
		},
	})
	return nil
}

// GetAssociatedSessionData replies with the subtree at data_name/data_path.
func (d *Dispatcher) GetAssociatedSessionData(ctx context.Context, client *Client, p GetAssociatedSessionDataRequest) error {
	if err := d.authorize(ctx, client, extensions.ActionSessionRead); err != nil {
		return err
	}

	rec, err := d.store.Load(ctx, client.group)
	if err != nil {
		return err
	}
	value, err := rec.State.Get(p.DataName, p.DataPath...)
	if err != nil {
		return err
	}

	path := p.DataPath
	if path == nil {
		path = []any{}
	}
	client.Send(Frame{
		Event: EventAssociated,
		Data:  AssociatedPayload{DataName: p.DataName, DataPath: path, Data: value},
	})
	return nil
}

// loadOrInit returns the user's record, running "init" when there is none
// or when it was built by a different app. Caller holds the user lock.
func (d *Dispatcher) loadOrInit(ctx context.Context, client *Client) (*session.Record, error) {
	rec, err := d.store.Load(ctx, client.group)
	switch {
	case err == nil && rec.App == d.executor.App():
		return rec, nil
	case err == nil:
		slog.Info("Session built by another app, re-initialising",
			"user_id", client.group, "stored_app", rec.App, "app", d.executor.App())
	case errors.Is(err, session.ErrCorruptRecord):
		slog.Warn("Discarding corrupt session record", "user_id", client.group, "error", err)
		rec = nil
	case errors.Is(err, session.ErrNotFound):
		rec = nil
	default:
		return nil, err
	}

	state, _, err := d.executor.Execute(ctx, nil, client.socket, command.CommandInit, nil)
	if err != nil {
		d.audit(ctx, client, "session.init", command.CommandInit, extensions.OutcomeFailure, nil)
		return nil, fmt.Errorf("init session: %w", err)
	}

	now := d.now()
	if rec == nil {
		rec = session.NewRecord(client.group, d.executor.App(), state, now)
	} else {
		rec.App = d.executor.App()
		rec.Apply(state, now)
	}
	if err := d.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	d.audit(ctx, client, "session.init", command.CommandInit, extensions.OutcomeSuccess,
		map[string]any{"session_id": rec.ID, "app": rec.App})
	return rec, nil
}

func (d *Dispatcher) authorize(ctx context.Context, client *Client, action string) error {
	err := d.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{User: client.user, Action: action})
	if err != nil {
		d.audit(ctx, client, "authz", action, extensions.OutcomeDenied, nil)
		if !errors.Is(err, extensions.ErrForbidden) {
			err = errors.Join(extensions.ErrForbidden, err)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, client *Client, eventType, action, outcome string, metadata map[string]any) {
	err := d.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType: eventType,
		Timestamp: d.now(),
		UserID:    client.group,
		Action:    action,
		Outcome:   outcome,
		Metadata:  metadata,
	})
	if err != nil {
		slog.Warn("Audit log write failed", "event_type", eventType, "error", err)
	}
}

// errorPayload maps a dispatch error to the frame the client sees.
func errorPayload(cmd string, err error) ErrorPayload {
	p := ErrorPayload{Command: cmd, Message: err.Error()}
	var invalid *validation.Error
	switch {
	case errors.Is(err, ErrInvalidRequest):
		p.Code = CodeInvalidRequest
	case errors.Is(err, command.ErrUnknownCommand):
		p.Code = CodeUnknownCommand
	case errors.Is(err, session.ErrInvalidPath):
		p.Code = CodeInvalidPath
	case errors.Is(err, session.ErrNotFound):
		p.Code = CodeNotFound
	case errors.Is(err, extensions.ErrForbidden), errors.Is(err, extensions.ErrUnauthorized):
		p.Code = CodeForbidden
	case errors.As(err, &invalid):
		p.Code = CodeInvalidState
	default:
		p.Code = CodeInternal
		p.Message = "internal error"
	}
	return p
}
