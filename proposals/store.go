// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proposals

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/millsaustin/argus/datatypes"
)

// Store is the proposal persistence contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Get returns a copy the
// caller may mutate freely; only Update makes mutations visible.
type Store interface {
	// Create persists a new proposal. Fails with ErrAlreadyExists on an
	// ID collision.
	Create(p *datatypes.Proposal) error

	// Get returns a copy of the proposal, or ErrNotFound.
	Get(id string) (*datatypes.Proposal, error)

	// Update replaces the stored record after checking invariants against
	// the currently stored version: a terminal record is never rewritten,
	// results never exceed steps, and PENDING_SECOND_APPROVAL never
	// regresses to PENDING.
	Update(p *datatypes.Proposal) error
}

// checkTransition validates an update against the stored version. Shared
// by both store implementations.
func checkTransition(stored, next *datatypes.Proposal) error {
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: proposal %s is already %s", ErrInvariantViolated, stored.ID, stored.Status)
	}
	if len(next.Results) > len(next.Steps) {
		return fmt.Errorf("%w: %d results for %d steps", ErrInvariantViolated, len(next.Results), len(next.Steps))
	}
	if stored.Status == datatypes.StatusPendingSecondApproval &&
		next.Status == datatypes.StatusPending {
		return fmt.Errorf("%w: cannot regress from %s", ErrInvariantViolated, stored.Status)
	}
	return nil
}

// =============================================================================
// In-Memory Store
// =============================================================================

// MemoryStore is a mutex-guarded map store. Proposals are deep-copied on
// the way in and out so callers never alias stored state.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*datatypes.Proposal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*datatypes.Proposal)}
}

// clone deep-copies a proposal through its JSON form. Proposal records are
// small; simplicity wins over a hand-written copier.
func clone(p *datatypes.Proposal) (*datatypes.Proposal, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposal: %w", err)
	}
	var out datatypes.Proposal
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proposal: %w", err)
	}
	return &out, nil
}

// Create implements Store.
func (s *MemoryStore) Create(p *datatypes.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
	}
	copied, err := clone(p)
	if err != nil {
		return err
	}
	s.items[p.ID] = copied
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (*datatypes.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(stored)
}

// Update implements Store.
func (s *MemoryStore) Update(p *datatypes.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if err := checkTransition(stored, p); err != nil {
		return err
	}
	copied, err := clone(p)
	if err != nil {
		return err
	}
	s.items[p.ID] = copied
	return nil
}

// =============================================================================
// Badger-Backed Store
// =============================================================================

// proposalPrefix namespaces proposal keys inside the shared Badger
// instance.
var proposalPrefix = []byte("proposal/")

// BadgerStore persists proposals in BadgerDB so the approval queue
// survives a restart.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store on an already-open Badger instance.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func proposalKey(id string) []byte {
	return append(append([]byte{}, proposalPrefix...), id...)
}

func getProposal(txn *badger.Txn, id string) (*datatypes.Proposal, error) {
	item, err := txn.Get(proposalKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var p datatypes.Proposal
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode proposal %s: %w", id, err)
	}
	return &p, nil
}

func setProposal(txn *badger.Txn, p *datatypes.Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %s: %w", p.ID, err)
	}
	return txn.Set(proposalKey(p.ID), raw)
}

// Create implements Store.
func (s *BadgerStore) Create(p *datatypes.Proposal) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(proposalKey(p.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setProposal(txn, p)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(id string) (*datatypes.Proposal, error) {
	var p *datatypes.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		var getErr error
		p, getErr = getProposal(txn, id)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Update implements Store.
func (s *BadgerStore) Update(p *datatypes.Proposal) error {
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := getProposal(txn, p.ID)
		if err != nil {
			return err
		}
		if err := checkTransition(stored, p); err != nil {
			return err
		}
		return setProposal(txn, p)
	})
}
