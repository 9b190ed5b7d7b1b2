// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks a session state against the client UI contract.
//
// # Description
//
// The client renders whatever it is given and fails late and vaguely on
// broken references. Validate walks the state up front and reports every
// problem it finds with a dotted path, so an app author sees all of them
// at once.
//
// Checks:
//   - Only known top-level sections
//   - Sections are mappings; "data", where present, is a mapping
//   - appBar entries carry a known type; pane and page entries resolve
//   - button entries carry an apiCommand
//   - Icons look like "<set>/<Name>"
//   - pages.current and page layout map items resolve
//   - mapFeatures entries carry a type
//   - KPI values are numeric
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/cave/services/cave/session"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var leafValidate *validator.Validate

// iconPattern matches react-icons style names such as "md/MdLightbulb".
var iconPattern = regexp.MustCompile(`^[a-z0-9]+/[A-Za-z0-9]+$`)

// AppBarTypes lists the appBar entry types the client understands.
var AppBarTypes = []string{"pane", "page", "button", "session", "settings", "divider"}

func init() {
	leafValidate = validator.New()
	_ = leafValidate.RegisterValidation("cave_icon", validateIcon)
}

func validateIcon(fl validator.FieldLevel) bool {
	return iconPattern.MatchString(fl.Field().String())
}

// =============================================================================
// Violations
// =============================================================================

// Violation is one problem found in a state.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// String renders "path: message".
func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// Error wraps a non-empty violation list so it can travel as an error.
type Error struct {
	Violations []Violation
}

// Error summarises the violations.
func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("invalid session state (%d violations): %s",
		len(e.Violations), strings.Join(parts, "; "))
}

// AsError returns nil for an empty list and *Error otherwise.
func AsError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return &Error{Violations: violations}
}

// =============================================================================
// Validate
// =============================================================================

type checker struct {
	state      session.State
	violations []Violation
}

func (c *checker) add(path, format string, args ...any) {
	c.violations = append(c.violations, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate returns every violation in state, ordered by path. An empty
// result means the state is valid.
func Validate(state session.State) []Violation {
	c := &checker{state: state}

	for _, key := range sortedKeys(map[string]any(state)) {
		if !session.IsTopLevelKey(key) {
			c.add(key, "unknown top-level key")
			continue
		}
		section, ok := state[key].(map[string]any)
		if !ok {
			c.add(key, "must be a mapping, got %T", state[key])
			continue
		}
		if data, present := section["data"]; present {
			if _, ok := data.(map[string]any); !ok {
				c.add(key+".data", "must be a mapping, got %T", data)
			}
		}
	}

	c.checkAppBar()
	c.checkPages()
	c.checkMapFeatures()
	c.checkKpis()

	sort.SliceStable(c.violations, func(i, j int) bool {
		return c.violations[i].Path < c.violations[j].Path
	})
	return c.violations
}

// data returns section.data when both levels are mappings.
func (c *checker) data(key string) map[string]any {
	section, ok := c.state[key].(map[string]any)
	if !ok {
		return nil
	}
	data, _ := section["data"].(map[string]any)
	return data
}

func (c *checker) checkIcon(path string, entry map[string]any) {
	icon, present := entry["icon"]
	if !present {
		return
	}
	s, ok := icon.(string)
	if !ok || leafValidate.Var(s, "required,cave_icon") != nil {
		c.add(path+".icon", "icon %v must look like <set>/<Name>", icon)
	}
}

func (c *checker) checkAppBar() {
	panes := c.data(session.KeyPanes)
	pages := c.data(session.KeyPages)
	entries := c.data(session.KeyAppBar)

	for _, name := range sortedKeys(entries) {
		path := "appBar.data." + name
		entry, ok := entries[name].(map[string]any)
		if !ok {
			c.add(path, "must be a mapping, got %T", entries[name])
			continue
		}
		typ, _ := entry["type"].(string)
		if err := leafValidate.Var(typ, "required,oneof="+strings.Join(AppBarTypes, " ")); err != nil {
			c.add(path+".type", "type %q must be one of %v", typ, AppBarTypes)
			continue
		}
		c.checkIcon(path, entry)

		switch typ {
		case "pane":
			if _, ok := panes[name]; !ok {
				c.add(path, "pane entry has no matching panes.data.%s", name)
			}
		case "page":
			if _, ok := pages[name]; !ok {
				c.add(path, "page entry has no matching pages.data.%s", name)
			}
		case "button":
			cmd, _ := entry["apiCommand"].(string)
			if cmd == "" {
				c.add(path+".apiCommand", "button entry needs a non-empty apiCommand")
			}
		}
	}
}

func (c *checker) checkPages() {
	pagesSection, _ := c.state[session.KeyPages].(map[string]any)
	pages := c.data(session.KeyPages)
	maps := c.data(session.KeyMaps)

	if current, present := pagesSection["current"]; present {
		name, ok := current.(string)
		if !ok {
			c.add("pages.current", "must be a string, got %T", current)
		} else if _, ok := pages[name]; !ok {
			c.add("pages.current", "page %q does not exist", name)
		}
	}

	for _, name := range sortedKeys(pages) {
		path := "pages.data." + name
		page, ok := pages[name].(map[string]any)
		if !ok {
			c.add(path, "must be a mapping, got %T", pages[name])
			continue
		}
		layout, present := page["pageLayout"]
		if !present {
			continue
		}
		items, ok := layout.([]any)
		if !ok {
			c.add(path+".pageLayout", "must be a list, got %T", layout)
			continue
		}
		for i, raw := range items {
			itemPath := fmt.Sprintf("%s.pageLayout[%d]", path, i)
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if item["type"] != "map" {
				continue
			}
			mapID, _ := item["mapId"].(string)
			if mapID == "" {
				c.add(itemPath+".mapId", "map item needs a mapId")
				continue
			}
			if _, ok := maps[mapID]; !ok {
				c.add(itemPath+".mapId", "map %q does not exist", mapID)
			}
		}
	}
}

func (c *checker) checkMapFeatures() {
	features := c.data(session.KeyMapFeatures)
	for _, name := range sortedKeys(features) {
		path := "mapFeatures.data." + name
		feature, ok := features[name].(map[string]any)
		if !ok {
			c.add(path, "must be a mapping, got %T", features[name])
			continue
		}
		typ, _ := feature["type"].(string)
		if typ == "" {
			c.add(path+".type", "map feature needs a type")
		}
	}
}

func (c *checker) checkKpis() {
	kpis := c.data(session.KeyKpis)
	for _, name := range sortedKeys(kpis) {
		path := "kpis.data." + name
		kpi, ok := kpis[name].(map[string]any)
		if !ok {
			c.add(path, "must be a mapping, got %T", kpis[name])
			continue
		}
		c.checkIcon(path, kpi)
		value, present := kpi["value"]
		if !present || value == nil {
			continue
		}
		switch session.Normalize(value).(type) {
		case float64:
		default:
			c.add(path+".value", "must be numeric, got %T", value)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
