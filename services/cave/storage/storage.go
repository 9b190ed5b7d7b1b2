// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistent backup target for session records.
//
// The live session cache is volatile. The backup task copies cache entries
// into a Store at a fixed interval and the session store restores from it
// when the cache misses. Implementations live in subpackages:
//
//	storage/badger  local BadgerDB directory
//	storage/sqlite  SQLite file with migrated schema
//	storage/gcs     Google Cloud Storage bucket
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been backed up.
var ErrNotFound = errors.New("backup entry not found")

// Entry is one key/value pair copied from the cache.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a persistent key/value target for backups.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the backup task writes
// while connection goroutines read on cache misses.
type Store interface {
	// Put upserts every entry. Partial failure returns an error; entries
	// written before the failure stay written.
	Put(ctx context.Context, entries []Entry) error

	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Keys lists stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying resources.
	Close() error
}

// NopStore discards writes and never finds anything. Used when backups are
// disabled.
type NopStore struct{}

func (NopStore) Put(context.Context, []Entry) error { return nil }

func (NopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (NopStore) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (NopStore) Delete(context.Context, string) error { return nil }

func (NopStore) Close() error { return nil }

var _ Store = NopStore{}
