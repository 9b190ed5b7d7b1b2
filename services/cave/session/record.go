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
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces session records inside the shared cache.
const KeyPrefix = "cave:session:"

// CacheKey returns the cache key holding a user's session record.
func CacheKey(userID string) string {
	return KeyPrefix + userID
}

// Record is what the server keeps for one user's session.
//
// # Fields
//
//   - ID: Random session identifier, stable for the record's lifetime.
//   - UserID: Owner; also the broadcast group for the session.
//   - App: Name of the command handler that built the state.
//   - Versions: Per top-level key counter, bumped on every change. A key
//     removed from State keeps its counter, so the counter never repeats.
//   - State: The session state tree.
//   - CreatedAt / UpdatedAt: Wall-clock timestamps.
type Record struct {
	ID        string
	UserID    string
	App       string
	Versions  map[string]int64
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord creates a record for a freshly initialised state. Every
// top-level key present starts at version 1.
func NewRecord(userID, app string, state State, now time.Time) *Record {
	r := &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		App:       app,
		Versions:  make(map[string]int64, len(state)),
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k := range state {
		r.Versions[k] = 1
	}
	return r
}

// Apply replaces the record's state with next and bumps the version of
// every top-level key that changed, including keys next no longer has. It
// returns the changed keys.
func (r *Record) Apply(next State, now time.Time) []string {
	changed := ChangedKeys(r.State, next)
	if r.Versions == nil {
		r.Versions = make(map[string]int64, len(changed))
	}
	for _, k := range changed {
		r.Versions[k]++
	}
	r.State = next
	if len(changed) > 0 {
		r.UpdatedAt = now
	}
	return changed
}

// StaleKeys returns the keys whose version the client does not have. A nil
// or empty map means the client knows nothing and receives every key.
func (r *Record) StaleKeys(clientVersions map[string]int64) []string {
	stale := make([]string, 0, len(r.Versions))
	for _, k := range TopLevelKeys {
		v, ok := r.Versions[k]
		if !ok {
			continue
		}
		if known, has := clientVersions[k]; !has || known != v {
			stale = append(stale, k)
		}
	}
	for k, v := range r.Versions {
		if IsTopLevelKey(k) {
			continue
		}
		if known, has := clientVersions[k]; !has || known != v {
			stale = append(stale, k)
		}
	}
	return stale
}

// Delta returns the state for keys as sent to clients: present keys carry
// their subtree and removed keys map to nil so the client drops them.
func (r *Record) Delta(keys []string) State {
	out := r.State.Subset(keys)
	for _, k := range keys {
		if _, present := out[k]; !present {
			if _, tracked := r.Versions[k]; tracked {
				out[k] = nil
			}
		}
	}
	return out
}

// VersionsFor returns the versions of the given keys.
func (r *Record) VersionsFor(keys []string) map[string]int64 {
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if v, ok := r.Versions[k]; ok {
			out[k] = v
		}
	}
	return out
}
