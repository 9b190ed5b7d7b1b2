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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/cave/services/cave/backup"
	"github.com/AleutianAI/cave/services/cave/middleware"
)

// BackupRunner triggers an immediate backup cycle.
type BackupRunner interface {
	RunNow(ctx context.Context) (backup.Result, error)
}

// SessionDeleter removes a user's session everywhere it is stored.
type SessionDeleter interface {
	Delete(ctx context.Context, userID string) error
}

// HealthCheck reports liveness, the served app and the connection count.
func HealthCheck(app string, hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"app":         app,
			"connections": hub.ClientCount(),
		})
	}
}

// ListApps reports the registered example apps and the one being served.
func ListApps(names []string, current string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"apps":    names,
			"current": current,
		})
	}
}

// HandleBackup runs one backup cycle now and returns its result.
func HandleBackup(runner BackupRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := ""
		if info := middleware.GetAuthInfo(c); info != nil {
			userID = info.UserID
		}
		slog.Info("Received a backup request", "user_id", userID)

		result, err := runner.RunNow(c.Request.Context())
		if err != nil {
			slog.Error("Backup request failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Backup request complete", "entries", result.Entries, "duration", result.Duration())
		c.JSON(http.StatusOK, result)
	}
}

// HandleDeleteSession removes the session of the user named in the path.
// The user's next get_session_data starts from "init".
func HandleDeleteSession(sessions SessionDeleter) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := c.Param("user_id")
		requester := ""
		if info := middleware.GetAuthInfo(c); info != nil {
			requester = info.UserID
		}
		slog.Info("Received a session delete request", "user_id", target, "requested_by", requester)

		if err := sessions.Delete(c.Request.Context(), target); err != nil {
			slog.Error("Session delete failed", "user_id", target, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": target})
	}
}
