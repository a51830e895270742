// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package locks provides the per-resource mutual-exclusion table used by the
// step executor. Locks are advisory, process-local and non-reentrant: their
// sole purpose is to stop two concurrently executing steps from issuing
// conflicting remote operations against the same (node, vmid) pair.
//
// This table does not survive a restart and does not coordinate across
// multiple service instances. A horizontally scaled deployment needs a
// distributed lease instead; that is a documented scaling boundary, not a
// bug in this table.
package locks

import (
	"fmt"
	"sync"
)

// Table is an in-memory test-and-set lock table.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Acquire is atomic with respect
// to concurrent acquirers: exactly one of two racing callers observes true.
type Table struct {
	mu   sync.Mutex
	held map[string]bool

	// OnChange, when non-nil, is called with the number of held locks
	// after every successful acquire or release. Used for metrics gauges.
	// Must not block.
	OnChange func(held int)
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{held: make(map[string]bool)}
}

// Key composes the canonical lock key for a (node, vmid) target.
func Key(node string, vmid int) string {
	return fmt.Sprintf("%s/%d", node, vmid)
}

// Acquire attempts to take the lock for key without blocking.
//
// # Outputs
//
//   - bool: true if the lock was acquired, false if already held. There is
//     no queueing; contention is the caller's problem to surface.
func (t *Table) Acquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held[key] {
		return false
	}
	t.held[key] = true
	if t.OnChange != nil {
		t.OnChange(len(t.held))
	}
	return true
}

// Release drops the lock for key. Releasing an unheld key is a no-op, so
// every code path can release unconditionally in a defer.
func (t *Table) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.held[key] {
		return
	}
	delete(t.held, key)
	if t.OnChange != nil {
		t.OnChange(len(t.held))
	}
}

// Held returns the number of currently held locks. Diagnostic use.
func (t *Table) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
