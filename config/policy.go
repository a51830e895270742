// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Policy is the operator-editable approval policy.
//
// # Fields
//
//   - DualControl: When true, destructive proposals need two distinct
//     approvers before execution.
//   - DeniedNodes: Node names no proposal step may target. A plan touching
//     a denied node is rejected at validation time.
type Policy struct {
	DualControl bool     `json:"dual_control"`
	DeniedNodes []string `json:"denied_nodes,omitempty"`
}

// DefaultPolicy is used when no policy file exists. Dual control defaults
// on: the safe failure mode for a tool that can stop production VMs.
func DefaultPolicy() Policy {
	return Policy{DualControl: true}
}

// NodeDenied reports whether the policy forbids targeting the node.
func (p Policy) NodeDenied(node string) bool {
	for _, denied := range p.DeniedNodes {
		if denied == node {
			return true
		}
	}
	return false
}

// PolicyStore holds the current policy and keeps it fresh by watching the
// policy file for changes.
//
// # Thread Safety
//
// Current is safe to call from any goroutine; reloads swap the policy under
// a write lock.
type PolicyStore struct {
	path string

	mu      sync.RWMutex
	current Policy

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewPolicyStore loads the policy file at path. A missing file is not an
// error; the default policy applies until the file appears.
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{
		path:    path,
		current: DefaultPolicy(),
		done:    make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		slog.Info("Policy file not found, using defaults", "path", path)
	}

	return s, nil
}

// Current returns the policy in effect right now.
func (s *PolicyStore) Current() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch starts watching the policy file's directory for changes and reloads
// on write or create events. Watching the directory instead of the file
// survives editors that replace the file on save.
func (s *PolicyStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	slog.Info("Watching policy file for changes", "path", s.path)
	return nil
}

func (s *PolicyStore) watchLoop() {
	// Debounce so editors that fire multiple events per save trigger one
	// reload.
	var timer *time.Timer
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				if err := s.reload(); err != nil {
					slog.Error("Policy reload failed, keeping previous policy",
						"path", s.path,
						"error", err,
					)
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Policy watcher error", "error", err)
		case <-s.done:
			return
		}
	}
}

// Stop stops the watcher. Safe to call more than once.
func (s *PolicyStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

// reload parses the policy file and swaps it in. A parse error leaves the
// previous policy in effect.
func (s *PolicyStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var policy Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return fmt.Errorf("failed to parse policy JSON: %w", err)
	}

	s.mu.Lock()
	s.current = policy
	s.mu.Unlock()

	slog.Info("Policy loaded",
		"path", s.path,
		"dual_control", policy.DualControl,
		"denied_nodes", len(policy.DeniedNodes),
	)
	return nil
}
