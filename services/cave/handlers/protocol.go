// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the CAVE HTTP and WebSocket endpoints.
//
// # Description
//
// Clients connect to /ws/ and exchange JSON frames. Requests carry a
// command and its data; responses and pushes carry an event and its data:
//
//	-> {"command": "get_session_data", "data": {"data_versions": {...}}}
//	<- {"event": "overwrite", "data": {"data": {...}, "data_versions": {...}}}
//
// Every connection of a user belongs to the same group. Mutations,
// notifications and exports reach the whole group; replies to reads reach
// only the requester.
package handlers

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/cave/services/cave/session"
)

// Commands a client may send.
const (
	CmdGetSessionData           = "get_session_data"
	CmdMutateSession            = "mutate_session"
	CmdGetAssociatedSessionData = "get_associated_session_data"
)

// Events the server sends.
const (
	EventOverwrite  = "overwrite"
	EventMutation   = "mutation"
	EventAssociated = "associated"
	EventNotify     = "notify"
	EventExport     = "export"
	EventError      = "error"
)

// Mutation types.
const (
	MutationMutate = "mutate"
	MutationUnset  = "unset"
)

// Error codes carried in error frames.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnknownCommand = "unknown_command"
	CodeInvalidPath    = "invalid_path"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeInvalidState   = "invalid_state"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("cave_section", validateSection)
}

func validateSection(fl validator.FieldLevel) bool {
	return session.IsTopLevelKey(fl.Field().String())
}

// =============================================================================
// Frames
// =============================================================================

// Request is an incoming frame.
type Request struct {
	Command string          `json:"command" validate:"required,oneof=get_session_data mutate_session get_associated_session_data"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is an outgoing frame.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SessionPayload is the data of overwrite and mutation events.
type SessionPayload struct {
	Data         session.State    `json:"data"`
	DataVersions map[string]int64 `json:"data_versions"`
}

// AssociatedPayload is the data of associated events.
type AssociatedPayload struct {
	DataName string `json:"data_name"`
	DataPath []any  `json:"data_path"`
	Data     any    `json:"data"`
}

// NotifyPayload is the data of notify events.
type NotifyPayload struct {
	Message  string `json:"message"`
	Title    string `json:"title"`
	Theme    string `json:"theme"`
	Duration int64  `json:"duration"` // seconds
}

// ErrorPayload is the data of error events.
type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// Command Payloads
// =============================================================================

// GetSessionDataRequest asks for every section the client is behind on.
type GetSessionDataRequest struct {
	DataVersions map[string]int64 `json:"data_versions"`
}

// MutateSessionRequest changes the session.
//
// # Description
//
// DataName, DataPath and DataValue describe a direct edit applied first.
// ApiCommand, when set, then runs the app's handler on the edited state
// with Kwargs plus "api_command_keys". At least one of the two must be
// present.
type MutateSessionRequest struct {
	DataName       string         `json:"data_name" validate:"required_without=ApiCommand"`
	DataPath       []any          `json:"data_path"`
	DataValue      any            `json:"data_value"`
	MutationType   string         `json:"mutation_type" validate:"omitempty,oneof=mutate unset"`
	ApiCommand     string         `json:"api_command"`
	ApiCommandKeys []string       `json:"api_command_keys"`
	Kwargs         map[string]any `json:"kwargs"`
}

// GetAssociatedSessionDataRequest asks for one subtree.
type GetAssociatedSessionDataRequest struct {
	DataName string `json:"data_name" validate:"required,cave_section"`
	DataPath []any  `json:"data_path"`
}

// decodePayload unmarshals raw into v and validates it. An absent payload
// decodes as the zero value.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) > 0 && strings.TrimSpace(string(raw)) != "null" {
		if err := json.Unmarshal(raw, v); err != nil {
			return err
		}
	}
	return frameValidate.Struct(v)
}
