// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable identity and audit hooks of the
// CAVE server.
//
// # Description
//
// The server ships with permissive defaults (every request is the local
// admin, audit events are dropped). Deployments swap in real providers
// through ServiceOptions without touching the transport.
//
// # Example
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(middleware.NewJWTAuthProvider(secret)).
//	    WithAuthz(&extensions.RoleAuthzProvider{}).
//	    WithAudit(&extensions.SlogAuditLogger{})
package extensions

// ServiceOptions bundles the providers the server consults.
type ServiceOptions struct {
	AuthProvider  AuthProvider
	AuthzProvider AuthzProvider
	AuditLogger   AuditLogger
}

// DefaultOptions returns the permissive no-op providers.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy using provider for authentication.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy using provider for authorisation.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy using logger for audit events.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithDefaults fills nil providers with the no-op ones.
func (opts ServiceOptions) WithDefaults() ServiceOptions {
	d := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = d.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = d.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = d.AuditLogger
	}
	return opts
}
