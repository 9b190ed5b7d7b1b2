// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/validation"
)

// ErrHandlerPanic is returned when a handler panics.
var ErrHandlerPanic = errors.New("command handler panicked")

// ErrNilState is returned when a handler returns a nil state without error.
var ErrNilState = errors.New("command handler returned nil state")

// ExecutorConfig configures an Executor.
//
// # Fields
//
//   - App: Application name, used in logs, spans and metric labels.
//   - Handler: The application's command handler.
//   - Strict: Reject results with validator violations instead of logging them.
//   - Metrics: Metric set. Nil uses observability.Default().
type ExecutorConfig struct {
	App     string
	Handler Handler
	Strict  bool
	Metrics *observability.Metrics
}

// Executor runs commands against a handler with the bookkeeping every call
// needs.
//
// # Description
//
// Each call:
//  1. Opens a span named "cave.command.<command>"
//  2. Runs the handler on a deep copy of the input state
//  3. Normalises the result to JSON-shaped values
//  4. Validates the result and records metrics
//
// The caller's state is never touched, so a failed command leaves the
// stored session exactly as it was.
//
// # Thread Safety
//
// Safe for concurrent use if the handler is.
type Executor struct {
	app     string
	handler Handler
	strict  bool
	metrics *observability.Metrics
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default()
	}
	return &Executor{
		app:     cfg.App,
		handler: cfg.Handler,
		strict:  cfg.Strict,
		metrics: cfg.Metrics,
	}
}

// App returns the application name.
func (e *Executor) App() string {
	return e.app
}

// Execute runs one command.
//
// # Inputs
//
//   - ctx: Request context.
//   - state: Current state. Nil is treated as empty. Not modified.
//   - socket: Side channel to the client.
//   - command: Command name.
//   - kwargs: Arguments. Nil is treated as empty.
//
// # Outputs
//
//   - session.State: The new state, nil on error.
//   - []validation.Violation: Validator findings on the new state.
//   - error: Handler error (possibly wrapping ErrUnknownCommand), a recovered
//     panic, or *validation.Error in strict mode.
func (e *Executor) Execute(ctx context.Context, state session.State, socket Socket, command string, kwargs Kwargs) (session.State, []validation.Violation, error) {
	ctx, span := observability.Tracer().Start(ctx, "cave.command."+command,
		trace.WithAttributes(
			attribute.String("cave.app", e.app),
			attribute.String("cave.command", command),
		))
	defer span.End()

	input := state.Clone()
	if input == nil {
		input = session.New()
	}
	if kwargs == nil {
		kwargs = Kwargs{}
	}
	if socket == nil {
		socket = NopSocket{}
	}

	start := time.Now()
	next, err := e.run(ctx, input, socket, command, kwargs)
	e.metrics.CommandDurationSeconds.WithLabelValues(e.app, command).Observe(time.Since(start).Seconds())

	if err == nil && next == nil {
		err = ErrNilState
	}
	if err != nil {
		status := observability.StatusError
		if errors.Is(err, ErrUnknownCommand) {
			status = observability.StatusUnknown
		}
		e.metrics.CommandsTotal.WithLabelValues(e.app, command, status).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	next = session.State(session.Normalize(map[string]any(next)).(map[string]any))

	violations := validation.Validate(next)
	if len(violations) > 0 {
		e.metrics.ValidationViolationsTotal.WithLabelValues(e.app).Add(float64(len(violations)))
		span.SetAttributes(attribute.Int("cave.violations", len(violations)))
		slog.Warn("Command produced invalid session state",
			"app", e.app,
			"command", command,
			"violations", len(violations),
			"first", violations[0].String())
		if e.strict {
			err := validation.AsError(violations)
			e.metrics.CommandsTotal.WithLabelValues(e.app, command, observability.StatusError).Inc()
			span.SetStatus(codes.Error, err.Error())
			return nil, violations, err
		}
	}

	e.metrics.CommandsTotal.WithLabelValues(e.app, command, observability.StatusSuccess).Inc()
	return next, violations, nil
}

func (e *Executor) run(ctx context.Context, state session.State, socket Socket, command string, kwargs Kwargs) (next session.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command handler panicked", "app", e.app, "command", command, "panic", r)
			next, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return e.handler.Execute(ctx, state, socket, command, kwargs)
}
