// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for authenticating and
// authorising CAVE requests.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/cave/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the authenticated user.
const authInfoKey = "cave_auth_info"

// TokenQueryParam carries the token on WebSocket upgrades, where browsers
// cannot set an Authorization header.
const TokenQueryParam = "token"

// SetAuthInfo stores the authenticated user in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated user or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// AuthMiddleware resolves the request token to a user.
//
// # Description
//
// The token is read from the Authorization bearer header, or from the
// "token" query parameter when the header is absent. The provider decides
// whether an empty token is acceptable. Rejected requests are aborted with
// 401 before any upgrade happens.
//
// # Inputs
//
//   - provider: Token validator. NopAuthProvider accepts everything.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware that sets the AuthInfo on success.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			slog.Warn("Authentication provider failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireAction aborts with 403 unless authz allows action for the
// authenticated user. Must run after AuthMiddleware.
func RequireAction(authz extensions.AuthzProvider, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		err := authz.Authorize(c.Request.Context(), extensions.AuthzRequest{User: info, Action: action})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "action": action})
			return
		}
		c.Next()
	}
}

// extractToken prefers the bearer header and falls back to the query
// string.
func extractToken(c *gin.Context) string {
	if token := extractBearerToken(c); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query(TokenQueryParam))
}

// extractBearerToken extracts the token from an "Authorization: Bearer"
// header, or returns "".
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
