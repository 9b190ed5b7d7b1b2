// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/cave/services/cave/command"
	"github.com/AleutianAI/cave/services/cave/session"
)

// staticDebounce collapses the burst of events an editor save produces.
const staticDebounce = 100 * time.Millisecond

// StaticApp serves a state read from a YAML file.
//
// # Description
//
// "init" returns a copy of the last successfully parsed file. Watch keeps
// the copy current: edits are picked up without a restart, and a file
// that fails to parse leaves the previous state in place.
//
// # Thread Safety
//
// Safe for concurrent use.
type StaticApp struct {
	path string

	mu    sync.RWMutex
	state session.State
}

// NewStaticApp loads path once. The file must exist and parse.
func NewStaticApp(path string) (*StaticApp, error) {
	s := &StaticApp{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file.
func (s *StaticApp) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	state, err := decodeStateYAML(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it changes until ctx is cancelled.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// which replace the file on save (rename over) keep being noticed.
func (s *StaticApp) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *StaticApp) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(s.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(staticDebounce)
			} else {
				timer.Reset(staticDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				slog.Warn("Static state reload failed, keeping previous state", "path", s.path, "error", err)
				continue
			}
			slog.Info("Static state reloaded", "path", s.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Static state watcher error", "path", s.path, "error", err)
		}
	}
}

// Execute implements command.Handler. Only "init" is supported.
func (s *StaticApp) Execute(_ context.Context, _ session.State, _ command.Socket, cmd string, _ command.Kwargs) (session.State, error) {
	if cmd != command.CommandInit {
		return nil, command.UnknownCommand(cmd)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), nil
}

var _ command.Handler = (*StaticApp)(nil)
