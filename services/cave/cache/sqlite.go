// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/cave/services/cave/storage/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationsTable keeps the cache schema version apart from the backup
// store's, so both may live in one file.
const migrationsTable = "cache_schema_migrations"

// SQLiteCache is a Cache on a SQLite file. Every server process that opens
// the same file sees the same sessions and the same backup stamp.
//
// # Description
//
// Expiry is stored as a Unix nanosecond deadline, 0 meaning never. Reads
// ignore expired rows; Keys also deletes them.
//
// # Limitations
//
// SQLite file locking only coordinates processes on one host (or a
// filesystem with working POSIX locks). Processes on different hosts need
// their own cache each.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCache opens or creates the cache database at path.
//
// # Inputs
//
//   - path: File path. ":memory:" gives a private cache, for tests.
//
// # Outputs
//
//   - *SQLiteCache: Ready for use. Caller must Close it.
//   - error: Open or migration failure.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sqlite.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := sqlite.Migrate(db, migrationFS, migrationsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &SQLiteCache{db: db, now: time.Now}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, c.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = c.now().Add(ttl).UnixNano()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Keys lists live keys with the given prefix, sorted, after dropping
// expired rows.
func (c *SQLiteCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := c.now().UnixNano()
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("purge expired cache entries: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

var _ Cache = (*SQLiteCache)(nil)
