// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idempotency records action submissions keyed by a caller-supplied
// token and rejects replays. A token is reserved on first observation and
// never released: retrying a seemingly stuck submission with the same token
// yields a deterministic rejection instead of a second real execution.
//
// Entries are not evicted. Tokens are caller-generated per logical attempt,
// so growth is bounded by real submission volume; a long-running deployment
// that needs eviction can enable a TTL on the Badger-backed ledger.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry is the audit record stored for a reserved token.
type Entry struct {
	Token       string    `json:"token"`
	Action      string    `json:"action"`
	Node        string    `json:"node"`
	VMID        int       `json:"vmid"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Ledger is the idempotency ledger contract.
//
// # Thread Safety
//
// Implementations must provide atomic test-and-set semantics: of two
// concurrent CheckAndReserve calls with the same token, exactly one
// observes first=true.
type Ledger interface {
	// CheckAndReserve reserves the token if it has never been seen.
	//
	// # Outputs
	//
	//   - bool: true if this is the first observation and the caller may
	//     proceed; false if the token is a duplicate and the caller must
	//     reject with a conflict.
	//   - error: Non-nil only on storage failure, never on duplicates.
	CheckAndReserve(token string, entry Entry) (bool, error)

	// Lookup returns the entry recorded for a token, if any.
	Lookup(token string) (Entry, bool, error)
}

// =============================================================================
// In-Memory Ledger
// =============================================================================

// MemoryLedger is a mutex-guarded map ledger. Used in tests and in
// deployments that accept losing replay protection across restarts.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

// CheckAndReserve implements Ledger.
func (l *MemoryLedger) CheckAndReserve(token string, entry Entry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[token]; exists {
		return false, nil
	}
	l.entries[token] = entry
	return true, nil
}

// Lookup implements Ledger.
func (l *MemoryLedger) Lookup(token string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[token]
	return entry, ok, nil
}

// Len returns the number of reserved tokens. Diagnostic use.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// =============================================================================
// Badger-Backed Ledger
// =============================================================================

// ledgerPrefix namespaces ledger keys inside the shared Badger instance.
var ledgerPrefix = []byte("idem/")

// BadgerLedger persists reservations in BadgerDB so replay protection
// survives a process restart.
//
// # Description
//
// Each CheckAndReserve runs a single serializable transaction: read the
// token key, and set it only when absent. Badger reports a write conflict
// when two transactions race on the same key; the loser is treated as a
// duplicate, which is exactly the semantics the caller wants.
type BadgerLedger struct {
	db *badger.DB

	// entryTTL, when non-zero, expires reservations. Disabled by default:
	// within a deployment's submission window a token must stay reserved
	// forever to honor the reject-on-replay contract.
	entryTTL time.Duration
}

// NewBadgerLedger creates a ledger on an already-open Badger instance.
func NewBadgerLedger(db *badger.DB) *BadgerLedger {
	return &BadgerLedger{db: db}
}

// NewBadgerLedgerWithTTL creates a ledger whose reservations expire after
// ttl. Only appropriate when the operator accepts replays outside a known
// submission window.
func NewBadgerLedgerWithTTL(db *badger.DB, ttl time.Duration) *BadgerLedger {
	return &BadgerLedger{db: db, entryTTL: ttl}
}

func ledgerKey(token string) []byte {
	return append(append([]byte{}, ledgerPrefix...), token...)
}

// CheckAndReserve implements Ledger.
func (l *BadgerLedger) CheckAndReserve(token string, entry Entry) (bool, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	duplicate := false
	err = l.db.Update(func(txn *badger.Txn) error {
		key := ledgerKey(token)
		_, getErr := txn.Get(key)
		if getErr == nil {
			duplicate = true
			return nil
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}

		e := badger.NewEntry(key, payload)
		if l.entryTTL > 0 {
			e = e.WithTTL(l.entryTTL)
		}
		return txn.SetEntry(e)
	})

	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction reserved the token first.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger transaction failed: %w", err)
	}
	return !duplicate, nil
}

// Lookup implements Ledger.
func (l *BadgerLedger) Lookup(token string) (Entry, bool, error) {
	var entry Entry
	found := false

	err := l.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(ledgerKey(token))
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		return item.Value(func(val []byte) error {
			if jsonErr := json.Unmarshal(val, &entry); jsonErr != nil {
				return jsonErr
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger lookup failed: %w", err)
	}
	return entry, found, nil
}
