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
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cave/services/cave/backup"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct {
	result backup.Result
	err    error
}

func (s *stubRunner) RunNow(context.Context) (backup.Result, error) {
	return s.result, s.err
}

func TestHealthCheck(t *testing.T) {
	hub, _ := newRunningHub(t)
	router := gin.New()
	router.GET("/health", HealthCheck("lightbulb", hub))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "lightbulb", body["app"])
	assert.Equal(t, 0.0, body["connections"])
}

func TestListApps(t *testing.T) {
	router := gin.New()
	router.GET("/v1/apps", ListApps([]string{"kpis", "lightbulb"}, "lightbulb"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/apps", nil))

	assert.JSONEq(t, `{"apps":["kpis","lightbulb"],"current":"lightbulb"}`, w.Body.String())
}

func TestHandleBackup(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		router := gin.New()
		router.POST("/v1/backup", HandleBackup(&stubRunner{result: backup.Result{
			StartTime: start, EndTime: start.Add(time.Second), Entries: 3,
		}}))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/backup", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var got backup.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, 3, got.Entries)
	})

	t.Run("failure", func(t *testing.T) {
		router := gin.New()
		router.POST("/v1/backup", HandleBackup(&stubRunner{err: errors.New("bucket unavailable")}))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/backup", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "bucket unavailable")
	})
}

type stubDeleter struct {
	deleted []string
	err     error
}

func (s *stubDeleter) Delete(_ context.Context, userID string) error {
	s.deleted = append(s.deleted, userID)
	return s.err
}

func TestHandleDeleteSession(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		deleter := &stubDeleter{}
		router := gin.New()
		router.DELETE("/v1/sessions/:user_id", HandleDeleteSession(deleter))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/alice", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"deleted":"alice"}`, w.Body.String())
		assert.Equal(t, []string{"alice"}, deleter.deleted)
	})

	t.Run("failure", func(t *testing.T) {
		router := gin.New()
		router.DELETE("/v1/sessions/:user_id", HandleDeleteSession(&stubDeleter{err: errors.New("bucket unavailable")}))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/alice", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "bucket unavailable")
	})
}
