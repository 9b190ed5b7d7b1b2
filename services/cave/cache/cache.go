// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the live key/value cache holding session records.
//
// # Description
//
// Session records and the backup coordination timestamp live here. The
// cache supports per-entry TTL and prefix listing; the backup task needs
// the latter to copy every session record.
//
// Two implementations exist. BadgerCache is in memory and private to one
// process. SQLiteCache lives in a file that every server process on the
// host opens, so they serve the same sessions and share one backup stamp.
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerstore "github.com/AleutianAI/cave/services/cave/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the interface the session store and backup task depend on.
type Cache interface {
	// Get returns the value for key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value. ttl <= 0 means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}

// BadgerCache is a Cache backed by an in-memory BadgerDB.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens an in-memory BadgerDB for caching.
func NewBadgerCache() (*BadgerCache, error) {
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Get returns a copy of the stored value.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return out, nil
}

// Set stores value with an optional TTL.
func (c *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Keys lists live keys with the given prefix.
func (c *BadgerCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	return badgerstore.ListKeys(ctx, c.db, prefix)
}

// Close closes the underlying database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

var _ Cache = (*BadgerCache)(nil)
