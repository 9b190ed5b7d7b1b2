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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cave/services/cave/cache"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/storage"
)

// memBackup is an in-memory storage.Store that counts reads.
type memBackup struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    atomic.Int32
	delay   time.Duration
	failGet error
}

func newMemBackup() *memBackup {
	return &memBackup{entries: map[string][]byte{}}
}

func (m *memBackup) Put(_ context.Context, entries []storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Key] = append([]byte(nil), e.Value...)
	}
	return nil
}

func (m *memBackup) Get(_ context.Context, key string) ([]byte, error) {
	m.gets.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.failGet != nil {
		return nil, m.failGet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memBackup) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (m *memBackup) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memBackup) Close() error { return nil }

func newTestStore(t *testing.T, backup storage.Store) (*Store, *cache.BadgerCache, *observability.Metrics) {
	t.Helper()
	c, err := cache.NewBadgerCache()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewStore(c, backup, 0).WithMetrics(metrics), c, metrics
}

func TestStore_SaveLoad(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	rec := NewRecord("alice", "lightbulb", sampleState(), t0)
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.State, got.State)
}

func TestStore_LoadReturnsPrivateCopy(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, NewRecord("alice", "lightbulb", sampleState(), t0)))

	first, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, first.State.Set(KeyKpis, []any{"data", "revenue", "value"}, 0))

	second, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	value, err := second.State.Get(KeyKpis, "data", "revenue", "value")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, value)
}

func TestStore_LoadMissingEverywhere(t *testing.T) {
	backup := newMemBackup()
	store, _, metrics := newTestStore(t, backup)

	_, err := store.Load(context.Background(), "nobody")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionRestoresTotal.WithLabelValues("miss")))
}

func TestStore_RestoresFromBackupOnMiss(t *testing.T) {
	backup := newMemBackup()
	store, c, metrics := newTestStore(t, backup)
	ctx := context.Background()

	rec := NewRecord("alice", "lightbulb", sampleState(), t0)
	data, err := Encode(rec)
	require.NoError(t, err)
	require.NoError(t, backup.Put(ctx, []storage.Entry{{Key: CacheKey("alice"), Value: data}}))

	got, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionRestoresTotal.WithLabelValues(observability.StatusSuccess)))

	cached, err := c.Get(ctx, CacheKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, data, cached)

	_, err = store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backup.gets.Load(), "second load should hit the cache")
}

func TestStore_ConcurrentMissesShareOneRestore(t *testing.T) {
	backup := newMemBackup()
	backup.delay = 50 * time.Millisecond
	store, _, _ := newTestStore(t, backup)
	ctx := context.Background()

	data, err := Encode(NewRecord("alice", "lightbulb", sampleState(), t0))
	require.NoError(t, err)
	require.NoError(t, backup.Put(ctx, []storage.Entry{{Key: CacheKey("alice"), Value: data}}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Load(ctx, "alice")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, backup.gets.Load(), int32(2))
}

func TestStore_RestoreErrorIsReported(t *testing.T) {
	backup := newMemBackup()
	backup.failGet = errors.New("bucket unavailable")
	store, _, metrics := newTestStore(t, backup)

	_, err := store.Load(context.Background(), "alice")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionRestoresTotal.WithLabelValues(observability.StatusError)))
}

func TestStore_CorruptBackupIsRejected(t *testing.T) {
	backup := newMemBackup()
	store, _, _ := newTestStore(t, backup)
	ctx := context.Background()
	require.NoError(t, backup.Put(ctx, []storage.Entry{{Key: CacheKey("alice"), Value: []byte("junk")}}))

	_, err := store.Load(ctx, "alice")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestStore_DeleteRemovesBackupCopy(t *testing.T) {
	backup := newMemBackup()
	store, _, _ := newTestStore(t, backup)
	ctx := context.Background()

	rec := NewRecord("alice", "lightbulb", sampleState(), t0)
	require.NoError(t, store.Save(ctx, rec))
	data, err := Encode(rec)
	require.NoError(t, err)
	require.NoError(t, backup.Put(ctx, []storage.Entry{{Key: CacheKey("alice"), Value: data}}))

	require.NoError(t, store.Delete(ctx, "alice"))

	_, err = store.Load(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound, "a deleted session must not be restored from backup")
	_, err = backup.Get(ctx, CacheKey("alice"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DeleteWithoutBackup(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, NewRecord("alice", "lightbulb", sampleState(), t0)))

	require.NoError(t, store.Delete(ctx, "alice"))
	require.NoError(t, store.Delete(ctx, "nobody"))

	_, err := store.Load(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LockSerialisesPerUser(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	unlock := store.Lock("alice")
	acquired := make(chan struct{})
	go func() {
		u := store.Lock("alice")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	otherUser := store.Lock("bob")
	otherUser()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
