// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup copies live session records from the cache into a
// persistent backup store on a fixed interval.
//
// # Description
//
// Several server processes may share one cache: a cache.SQLiteCache on a
// common file. An in-memory cache is private to its process, so there the
// stamp only spaces out that process's own runs. Each process runs its own
// scheduler; the one whose timer fires first after the interval has
// elapsed does the copy and stamps the time in the cache, and the others
// see the fresh stamp and skip. Two processes can still race between the
// read and the stamp; the worst case is a duplicated copy, which is
// harmless because the backup store upserts by key.
//
// Backups are best effort. A failed or panicking cycle is logged and
// counted, and the next tick tries again.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/cave/services/cave/cache"
	"github.com/AleutianAI/cave/services/cave/observability"
	"github.com/AleutianAI/cave/services/cave/session"
	"github.com/AleutianAI/cave/services/cave/storage"
)

// LastUpdateKey holds the Unix millisecond time of the last backup.
const LastUpdateKey = "cave:backup:last_update"

// batchSize bounds the entries handed to the store in one Put.
const batchSize = 100

// Config holds scheduler settings.
//
// # Fields
//
//   - Interval: Time between cycles and the staleness window. Default: 60s.
//   - Prefix: Cache key prefix to copy. Default: session.KeyPrefix.
//   - Now: Clock. Default: time.Now.
//   - Metrics: Metric set. Nil uses observability.Default().
type Config struct {
	Interval time.Duration
	Prefix   string
	Now      func() time.Time
	Metrics  *observability.Metrics
}

// DefaultConfig returns a one minute interval over session records.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Prefix:   session.KeyPrefix,
		Now:      time.Now,
	}
}

// Result summarises one cycle.
type Result struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Entries   int       `json:"entries"`
	Skipped   bool      `json:"skipped"`
	// LastBackup is the stamp that caused a skip.
	LastBackup time.Time `json:"last_backup,omitempty"`
}

// Duration returns how long the cycle took.
func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Scheduler runs backup cycles in the background.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	cache   cache.Cache
	store   storage.Store
	config  Config
	metrics *observability.Metrics

	done    chan struct{}
	mu      sync.Mutex
	running bool
	cycle   sync.Mutex
}

// NewScheduler creates a scheduler copying from c into store.
func NewScheduler(c cache.Cache, store storage.Store, cfg Config) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.Now == nil {
		cfg.Now = defaults.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default()
	}
	return &Scheduler{
		cache:   c,
		store:   store,
		config:  cfg,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
}

// Start launches the background loop. It returns an error if the loop is
// already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	slog.Info("Session backup scheduler starting",
		"interval", s.config.Interval.String(),
		"prefix", s.config.Prefix,
	)

	go s.runLoop(ctx, done)
	return nil
}

// Stop signals the loop to exit. Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	slog.Info("Session backup scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow performs a cycle immediately, ignoring the staleness window. The
// stamp is still written so other processes skip their next tick.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	return s.runCycle(ctx, true)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session backup scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session backup scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeBackup(ctx)
		}
	}
}

// executeBackup runs one scheduled cycle and absorbs every failure,
// panics included, so the loop keeps going.
func (s *Scheduler) executeBackup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusError).Inc()
			slog.Error("Session backup cycle panicked", "panic", r)
		}
	}()

	result, err := s.runCycle(ctx, false)
	if err != nil {
		slog.Error("Session backup cycle failed", "error", err)
		return
	}
	if result.Skipped {
		slog.Debug("Session backup skipped, recent backup by another process",
			"last_backup", result.LastBackup)
		return
	}
	slog.Info("Session backup cycle completed",
		"entries", result.Entries,
		"duration_ms", result.Duration().Milliseconds(),
	)
}

func (s *Scheduler) runCycle(ctx context.Context, force bool) (Result, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	now := s.config.Now()
	result := Result{StartTime: now}

	if !force {
		last, ok, err := s.lastBackup(ctx)
		if err != nil {
			s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusError).Inc()
			return result, err
		}
		if ok && now.Sub(last) < s.config.Interval {
			result.Skipped = true
			result.LastBackup = last
			result.EndTime = now
			s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusSkipped).Inc()
			return result, nil
		}
	}

	stamp := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	if err := s.cache.Set(ctx, LastUpdateKey, stamp, 0); err != nil {
		s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusError).Inc()
		return result, fmt.Errorf("stamp backup time: %w", err)
	}

	n, err := s.copyEntries(ctx)
	result.Entries = n
	result.EndTime = s.config.Now()
	if err != nil {
		s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusError).Inc()
		return result, err
	}

	s.metrics.BackupRunsTotal.WithLabelValues(observability.StatusSuccess).Inc()
	s.metrics.BackupEntriesTotal.Add(float64(n))
	s.metrics.BackupDurationSeconds.Observe(result.Duration().Seconds())
	return result, nil
}

// lastBackup reads the stamp. ok is false when no backup has run yet.
func (s *Scheduler) lastBackup(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.cache.Get(ctx, LastUpdateKey)
	if errors.Is(err, cache.ErrMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read backup stamp: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		slog.Warn("Ignoring malformed backup stamp", "value", string(raw))
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Scheduler) copyEntries(ctx context.Context) (int, error) {
	keys, err := s.cache.Keys(ctx, s.config.Prefix)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}

	copied := 0
	batch := make([]storage.Entry, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.Put(ctx, batch); err != nil {
			return fmt.Errorf("write backup batch: %w", err)
		}
		copied += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, key := range keys {
		value, err := s.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			// Expired between listing and reading.
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("read %s: %w", key, err)
		}
		batch = append(batch, storage.Entry{Key: key, Value: value})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return copied, err
			}
		}
	}
	if err := flush(); err != nil {
		return copied, err
	}
	return copied, nil
}
