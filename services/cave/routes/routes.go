// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the CAVE server's HTTP and WebSocket routes.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/cave/pkg/extensions"
	"github.com/AleutianAI/cave/services/cave/handlers"
	"github.com/AleutianAI/cave/services/cave/middleware"
)

// Deps are the components routes dispatch to.
//
// # Fields
//
//   - App: Name of the app being served.
//   - AppNames: Every registered app.
//   - Hub: Connection groups, for health reporting.
//   - WebSocket: The /ws/ handler.
//   - Backup: Immediate backup trigger. Nil leaves POST /v1/backup unregistered.
//   - Sessions: Session removal. Nil leaves DELETE /v1/sessions/:user_id
//     unregistered.
type Deps struct {
	App       string
	AppNames  []string
	Hub       *handlers.Hub
	WebSocket *handlers.WebSocketHandler
	Backup    handlers.BackupRunner
	Sessions  handlers.SessionDeleter
}

// SetupRoutes registers every route on router.
//
// # Description
//
// Public routes: GET /health, GET /metrics, GET /v1/apps. Authenticated
// routes: GET /ws/ (token in the query string or Authorization header)
// POST /v1/backup, which also requires the backup:run action, and
// DELETE /v1/sessions/:user_id, which requires session:delete.
//
// # Inputs
//
//   - router: Engine to register on.
//   - deps: Route targets.
//   - opts: Auth, authz and audit providers. Nil fields use no-ops.
func SetupRoutes(router *gin.Engine, deps Deps, opts extensions.ServiceOptions) {
	opts = opts.WithDefaults()

	router.GET("/health", handlers.HealthCheck(deps.App, deps.Hub))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(opts.AuthProvider)
	router.GET("/ws/", auth, deps.WebSocket.Handle)

	v1 := router.Group("/v1")
	{
		v1.GET("/apps", handlers.ListApps(deps.AppNames, deps.App))
		if deps.Backup != nil {
			v1.POST("/backup",
				auth,
				middleware.RequireAction(opts.AuthzProvider, extensions.ActionBackupRun),
				handlers.HandleBackup(deps.Backup))
		}
		if deps.Sessions != nil {
			v1.DELETE("/sessions/:user_id",
				auth,
				middleware.RequireAction(opts.AuthzProvider, extensions.ActionSessionDelete),
				handlers.HandleDeleteSession(deps.Sessions))
		}
	}
}
