// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Background Sweeper
// =============================================================================

// DefaultSweepInterval is how often the background sweeper purges expired
// records. Opportunistic purging on store operations already keeps the map
// small under load; the sweeper covers idle periods.
const DefaultSweepInterval = 1 * time.Minute

// Sweeper periodically purges expired redaction records.
//
// # Description
//
// Manages the lifecycle of a background goroutine that calls
// Store.PurgeExpired on a fixed interval. Uses the ticker + done channel
// pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex protects the running state.
type Sweeper struct {
	store    *Store
	interval time.Duration
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper for the given store.
//
// # Inputs
//
//   - store: Store to purge. Must not be nil.
//   - interval: Sweep interval. Zero or negative selects
//     DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset for potential restart
	s.mu.Unlock()

	slog.Info("Redaction sweeper starting", "interval", s.interval.String())

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	slog.Info("Redaction sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow performs a single purge immediately and returns the purge count.
func (s *Sweeper) RunNow() int {
	return s.store.PurgeExpired()
}

// runLoop is the sweeper goroutine.
func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Redaction sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Redaction sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			if purged := s.store.PurgeExpired(); purged > 0 {
				slog.Debug("Sweep purged expired redaction records", "count", purged)
			}
		}
	}
}
