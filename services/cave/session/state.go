// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the session state tree served to CAVE clients and
// the records the server keeps for each user.
//
// # State Shape
//
// A State is a JSON-shaped nested mapping. Top-level keys are the UI
// sections (settings, appBar, panes, ...); each section is itself a mapping,
// usually with a "data" mapping of descriptor records:
//
//	{
//	  "appBar": {"data": {"myCommandButton": {"type": "button", ...}}},
//	  "panes":  {"data": {"options": {"variant": "options", ...}}},
//	}
//
// Values are restricted to map[string]any, []any, string, float64, bool and
// nil. Normalize converts anything else JSON can express into that set.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// =============================================================================
// Top-level Sections
// =============================================================================

const (
	KeySettings       = "settings"
	KeyAppBar         = "appBar"
	KeyPanes          = "panes"
	KeyPages          = "pages"
	KeyMaps           = "maps"
	KeyMapFeatures    = "mapFeatures"
	KeyGroupedOutputs = "groupedOutputs"
	KeyGlobalOutputs  = "globalOutputs"
	KeyKpis           = "kpis"
	KeyStats          = "stats"
	KeyCategories     = "categories"
)

// TopLevelKeys lists every section a state may carry, in display order.
var TopLevelKeys = []string{
	KeySettings, KeyAppBar, KeyPanes, KeyPages, KeyMaps, KeyMapFeatures,
	KeyGroupedOutputs, KeyGlobalOutputs, KeyKpis, KeyStats, KeyCategories,
}

// IsTopLevelKey reports whether key names a known section.
func IsTopLevelKey(key string) bool {
	for _, k := range TopLevelKeys {
		if k == key {
			return true
		}
	}
	return false
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidPath is returned when a data path cannot be walked.
	ErrInvalidPath = errors.New("invalid data path")

	// ErrNotFound is returned when a path or record does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// State
// =============================================================================

// State is the full nested configuration mapping for one session.
type State map[string]any

// New returns an empty state.
func New() State {
	return State{}
}

// Clone returns a deep copy of the state.
//
// # Description
//
// Handlers mutate the state they receive. Callers that must keep the
// original intact (the executor, version diffing) clone first.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return State(deepCopy(map[string]any(s)).(map[string]any))
}

// Section returns the mapping stored at a top-level key, creating it when
// absent or not a mapping.
func (s State) Section(key string) map[string]any {
	if m, ok := s[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	s[key] = m
	return m
}

// Data returns section[key]["data"], creating both levels when absent.
func (s State) Data(key string) map[string]any {
	section := s.Section(key)
	if m, ok := section["data"].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	section["data"] = m
	return m
}

// Get walks path starting at the top-level key and returns the value found.
//
// # Inputs
//
//   - key: Top-level section name.
//   - path: Map keys (string) or list indexes (int or integral float64).
//
// # Outputs
//
//   - any: The value at the path.
//   - error: ErrNotFound if a step is missing, ErrInvalidPath if a step has
//     the wrong type for its container.
func (s State) Get(key string, path ...any) (any, error) {
	current, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	for i, step := range path {
		next, err := child(current, step)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", key, formatPath(path[:i+1]), err)
		}
		current = next
	}
	return current, nil
}

// Set stores value at path under the top-level key, creating intermediate
// mappings as needed. List indexes must already exist.
func (s State) Set(key string, path []any, value any) error {
	value = Normalize(value)
	if len(path) == 0 {
		s[key] = value
		return nil
	}
	container, ok := s[key]
	if !ok || container == nil {
		container = map[string]any{}
		s[key] = container
	}
	for i, step := range path[:len(path)-1] {
		next, err := child(container, step)
		if errors.Is(err, ErrNotFound) {
			if _, isMap := container.(map[string]any); isMap {
				created := map[string]any{}
				if err := assign(container, step, created); err != nil {
					return fmt.Errorf("%s%s: %w", key, formatPath(path[:i+1]), err)
				}
				container = created
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("%s%s: %w", key, formatPath(path[:i+1]), err)
		}
		container = next
	}
	if err := assign(container, path[len(path)-1], value); err != nil {
		return fmt.Errorf("%s%s: %w", key, formatPath(path), err)
	}
	return nil
}

// Unset removes the value at path. Removing a whole section is allowed with
// an empty path. Missing keys are not an error.
func (s State) Unset(key string, path []any) error {
	if len(path) == 0 {
		delete(s, key)
		return nil
	}
	parent, err := s.Get(key, path[:len(path)-1]...)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	switch c := parent.(type) {
	case map[string]any:
		name, ok := last.(string)
		if !ok {
			return fmt.Errorf("%s%s: %w", key, formatPath(path), ErrInvalidPath)
		}
		delete(c, name)
		return nil
	case []any:
		idx, ok := toIndex(last)
		if !ok || idx < 0 || idx >= len(c) {
			return fmt.Errorf("%s%s: %w", key, formatPath(path), ErrInvalidPath)
		}
		trimmed := append(c[:idx:idx], c[idx+1:]...)
		return s.Set(key, path[:len(path)-1], trimmed)
	default:
		return fmt.Errorf("%s%s: %w", key, formatPath(path), ErrInvalidPath)
	}
}

// ChangedKeys returns the top-level keys whose subtree differs between
// before and after, sorted.
func ChangedKeys(before, after State) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	changed := make([]string, 0)
	for k, v := range after {
		seen[k] = struct{}{}
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Subset returns a shallow state holding only the given keys that exist.
func (s State) Subset(keys []string) State {
	out := make(State, len(keys))
	for _, k := range keys {
		if v, ok := s[k]; ok {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// Normalisation
// =============================================================================

// Normalize converts a value into the JSON-shaped set used by State.
//
// # Description
//
// Integers become float64, typed maps and slices become map[string]any and
// []any. Values JSON cannot represent fall back to a JSON round trip; if
// that fails the value is returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case State:
		return Normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case State:
		return deepCopy(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return t
	}
}

func child(container any, step any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		name, ok := step.(string)
		if !ok {
			return nil, ErrInvalidPath
		}
		v, ok := c[name]
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	case State:
		return child(map[string]any(c), step)
	case []any:
		idx, ok := toIndex(step)
		if !ok {
			return nil, ErrInvalidPath
		}
		if idx < 0 || idx >= len(c) {
			return nil, ErrNotFound
		}
		return c[idx], nil
	default:
		return nil, ErrInvalidPath
	}
}

func assign(container any, step any, value any) error {
	switch c := container.(type) {
	case map[string]any:
		name, ok := step.(string)
		if !ok {
			return ErrInvalidPath
		}
		c[name] = value
		return nil
	case []any:
		idx, ok := toIndex(step)
		if !ok || idx < 0 || idx >= len(c) {
			return ErrInvalidPath
		}
		c[idx] = value
		return nil
	default:
		return ErrInvalidPath
	}
}

func toIndex(step any) (int, bool) {
	switch n := step.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func formatPath(path []any) string {
	out := ""
	for _, step := range path {
		switch s := step.(type) {
		case string:
			out += "." + s
		default:
			if idx, ok := toIndex(s); ok {
				out += "[" + strconv.Itoa(idx) + "]"
			} else {
				out += fmt.Sprintf(".%v", s)
			}
		}
	}
	return out
}
