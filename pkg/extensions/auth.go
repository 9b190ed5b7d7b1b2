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
	"errors"
	"slices"
)

// ErrUnauthorized is returned when a token is missing, invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// LocalUserID is the user every request maps to when authentication is off.
const LocalUserID = "local-user"

// Roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Actions checked by AuthzProvider.
const (
	ActionSessionRead   = "session:read"
	ActionSessionWrite  = "session:write"
	ActionSessionDelete = "session:delete"
	ActionBackupRun     = "backup:run"
)

// AuthInfo identifies the user behind a connection.
//
// # Description
//
// UserID is also the broadcast group: every connection with the same
// UserID shares one session and sees the same mutations.
//
// # Fields
//
//   - UserID: Stable user identifier. Required.
//   - Email: Optional, for display and audit.
//   - Roles: Granted roles, e.g. "admin".
type AuthInfo struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole reports whether the user holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider resolves a token to a user.
//
// # Description
//
// Implementations return ErrUnauthorized (possibly wrapped) for any token
// they reject, so the middleware can answer 401 without inspecting the
// cause.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest asks whether User may perform Action.
type AuthzRequest struct {
	User   *AuthInfo
	Action string
}

// AuthzProvider decides whether an authenticated user may act.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token, including none, as LocalUserID with
// the admin role. Used when no signing secret is configured.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: LocalUserID,
		Roles:  []string{RoleAdmin},
	}, nil
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// RoleAuthzProvider allows session reads and writes to every authenticated
// user and reserves session:delete, backup:run and unknown actions for
// admins.
type RoleAuthzProvider struct{}

// Authorize returns an error wrapping ErrForbidden when denied.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return ErrUnauthorized
	}
	switch req.Action {
	case ActionSessionRead, ActionSessionWrite:
		return nil
	}
	if req.User.HasRole(RoleAdmin) {
		return nil
	}
	return errors.Join(ErrForbidden, errors.New(req.Action+" requires the admin role"))
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
