// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cave/services/cave/cache"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/storage"
)

// Store keeps session records in the live cache and falls back to the
// backup store when the cache misses.
//
// # Description
//
// Records are encoded with Encode before they reach the cache, so the
// bytes in the cache are exactly what the backup task copies. A miss
// triggers one restore per user regardless of how many connections ask at
// once (singleflight).
//
// # Thread Safety
//
// Safe for concurrent use. Load/Save alone do not serialise writers; use
// Lock around a read-modify-write cycle.
type Store struct {
	cache   cache.Cache
	backup  storage.Store
	ttl     time.Duration
	flight  singleflight.Group
	locks   sync.Map
	metrics *observability.Metrics
}

// NewStore creates a session store.
//
// # Inputs
//
//   - c: Live cache. Must not be nil.
//   - b: Backup store. Nil disables restore.
//   - ttl: Cache entry lifetime. 0 keeps entries until deleted.
func NewStore(c cache.Cache, b storage.Store, ttl time.Duration) *Store {
	if b == nil {
		b = storage.NopStore{}
	}
	return &Store{cache: c, backup: b, ttl: ttl, metrics: observability.Default()}
}

// WithMetrics replaces the metric set used for restore counts.
func (s *Store) WithMetrics(m *observability.Metrics) *Store {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Load returns the user's record, restoring it from backup on a cache miss.
//
// # Outputs
//
//   - *Record: A private copy; callers may mutate it.
//   - error: ErrNotFound when the user has no session anywhere.
func (s *Store) Load(ctx context.Context, userID string) (*Record, error) {
	key := CacheKey(userID)
	data, err := s.cache.Get(ctx, key)
	if err == nil {
		return Decode(data)
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}

	restored, err, shared := s.flight.Do(key, func() (interface{}, error) {
		return s.restore(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Session restore shared between callers", "user_id", userID)
	}
	return Decode(restored.([]byte))
}

func (s *Store) restore(ctx context.Context, key string) ([]byte, error) {
	data, err := s.backup.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		s.metrics.SessionRestoresTotal.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.SessionRestoresTotal.WithLabelValues(observability.StatusError).Inc()
		return nil, fmt.Errorf("restore %s: %w", key, err)
	}
	if _, err := Decode(data); err != nil {
		s.metrics.SessionRestoresTotal.WithLabelValues(observability.StatusError).Inc()
		return nil, err
	}
	s.metrics.SessionRestoresTotal.WithLabelValues(observability.StatusSuccess).Inc()
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("Failed to re-cache restored session", "key", key, "error", err)
	}
	slog.Info("Restored session from backup", "key", key)
	return data, nil
}

// Save encodes and caches the record.
func (s *Store) Save(ctx context.Context, r *Record) error {
	data, err := Encode(r)
	if err != nil {
		return fmt.Errorf("save session %s: %w", r.UserID, err)
	}
	if err := s.cache.Set(ctx, CacheKey(r.UserID), data, s.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", r.UserID, err)
	}
	return nil
}

// Delete removes the user's record from the backup store and then the
// cache, so a later Load starts a fresh session instead of restoring.
func (s *Store) Delete(ctx context.Context, userID string) error {
	unlock := s.Lock(userID)
	defer unlock()

	key := CacheKey(userID)
	if err := s.backup.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete session %s: %w", userID, err)
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete session %s: %w", userID, err)
	}
	slog.Info("Deleted session", "user_id", userID)
	return nil
}

// Lock serialises read-modify-write cycles for one user within this
// process and returns the unlock function.
func (s *Store) Lock(userID string) func() {
	m, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
