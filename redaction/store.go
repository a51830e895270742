// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redaction provides reversible sanitization of text sent to the
// generation backend. Sensitive substrings are replaced with placeholders of
// the form [REDACTED_<CATEGORY>_<n>] and the originals are held in sealed
// memory, keyed by proposal ID, until rehydration or TTL expiry.
package redaction

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// =============================================================================
// Errors
// =============================================================================

// ErrUnresolvedPlaceholder is returned when rehydrated text still contains a
// placeholder-shaped token. Execution must never proceed past this error:
// it means data the pipeline could not safely de-redact was about to be used.
var ErrUnresolvedPlaceholder = errors.New("rehydrated text contains unresolved placeholder")

// =============================================================================
// Constants
// =============================================================================

// DefaultTTL is how long a redaction record survives after its last touch.
// Proposals are expected to be confirmed within a human review window, not
// held for days with live secrets sealed in memory.
const DefaultTTL = 15 * time.Minute

// PreviewRunes bounds the sanitized preview returned to operators.
const PreviewRunes = 240

// =============================================================================
// Store
// =============================================================================

// record holds the reversible mapping state for one proposal in flight.
//
// Originals are stored as memguard enclaves: encrypted at rest in process
// memory, decrypted only for the duration of a rehydration substitution.
type record struct {
	mappings  map[string]*memguard.Enclave
	counters  map[string]int
	expiresAt time.Time
}

// Store is the redaction store: a pattern-based text sanitizer with
// per-proposal placeholder mappings and time-based expiry.
//
// # Description
//
// Sanitize replaces sensitive substrings with freshly minted placeholders
// and remembers the originals. Rehydrate restores them exactly once, then
// invalidates the record. Expired records are purged opportunistically on
// every store operation; a Sweeper may additionally purge on a timer.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A single mutex guards the record
// map; pattern matching itself runs outside any per-store critical section
// hot enough to matter at this cardinality.
type Store struct {
	mu       sync.Mutex
	records  map[string]*record
	patterns []*Pattern
	ttl      time.Duration

	// now is the clock source, injectable for tests.
	now func() time.Time

	// Observer, when non-nil, is called once per minted placeholder with
	// the pattern category. Used for metrics. Must not block.
	Observer func(category string)
}

// NewStore creates a redaction store with the default pattern list.
//
// # Inputs
//
//   - ttl: Record lifetime from last touch. Zero or negative selects
//     DefaultTTL.
//
// # Outputs
//
//   - *Store: Ready-to-use store.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		records:  make(map[string]*record),
		patterns: DefaultPatterns(),
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewStoreWithClock creates a store with an injected clock. Test use.
func NewStoreWithClock(ttl time.Duration, now func() time.Time) *Store {
	s := NewStore(ttl)
	s.now = now
	return s
}

// Sanitize replaces sensitive substrings in text with placeholders.
//
// # Description
//
// Applies the ordered pattern list to the input. Each match that is not
// already placeholder-shaped is replaced with [REDACTED_<CATEGORY>_<n>],
// where n is a per-record, per-category counter starting at 1. Originals
// are sealed into the proposal's record; calling Sanitize again with the
// same proposal ID extends the record's TTL and continues its counters, so
// the prompt and the cluster context of one proposal share a single
// reversible mapping.
//
// # Inputs
//
//   - text: Free text that may contain secrets.
//   - proposalID: Correlation key for later rehydration.
//
// # Outputs
//
//   - string: Sanitized text, safe to send to the generation backend.
//   - int: Number of placeholders minted by this call.
//   - string: Bounded preview of the sanitized text for operator display.
func (s *Store) Sanitize(text, proposalID string) (string, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	rec, ok := s.records[proposalID]
	if !ok {
		rec = &record{
			mappings: make(map[string]*memguard.Enclave),
			counters: make(map[string]int),
		}
		s.records[proposalID] = rec
	}
	rec.expiresAt = s.now().Add(s.ttl)

	count := 0
	sanitized := text
	for _, p := range s.patterns {
		sanitized = p.Regexp().ReplaceAllStringFunc(sanitized, func(match string) string {
			// A placeholder scanned again is recognized and skipped,
			// never re-redacted under a second category.
			if ContainsPlaceholder(match) {
				return match
			}
			rec.counters[p.Category]++
			placeholder := fmt.Sprintf("[REDACTED_%s_%d]", p.Category, rec.counters[p.Category])
			rec.mappings[placeholder] = memguard.NewEnclave([]byte(match))
			count++
			if s.Observer != nil {
				s.Observer(p.Category)
			}
			return placeholder
		})
	}

	if count > 0 {
		slog.Debug("Sanitized text for proposal",
			"proposal_id", proposalID,
			"redactions", count,
		)
	}

	return sanitized, count, preview(sanitized)
}

// Rehydrate restores the original values behind placeholders in text.
//
// # Description
//
// Substitutes every known placeholder for the proposal with its sealed
// original, then invalidates the record: a record is consumed by exactly
// one rehydration. A missing or expired record means "nothing to restore"
// and the input is returned unchanged. In every case, text that still
// contains a placeholder-shaped token after substitution fails with
// ErrUnresolvedPlaceholder, because it indicates the pipeline was about to
// execute data it could not de-redact.
//
// # Inputs
//
//   - text: Text containing zero or more placeholders.
//   - proposalID: The key used at Sanitize time.
//
// # Outputs
//
//   - string: Fully rehydrated text.
//   - error: ErrUnresolvedPlaceholder on integrity failure, or a wrapped
//     enclave error if sealed memory cannot be opened.
func (s *Store) Rehydrate(text, proposalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	rec, ok := s.records[proposalID]
	if !ok {
		if ContainsPlaceholder(text) {
			return "", fmt.Errorf("proposal %s: %w", proposalID, ErrUnresolvedPlaceholder)
		}
		return text, nil
	}

	// Single use: the record is gone whether or not substitution succeeds.
	delete(s.records, proposalID)

	out := text
	for placeholder, enclave := range rec.mappings {
		if !strings.Contains(out, placeholder) {
			continue
		}
		buf, err := enclave.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open sealed value for %s: %w", placeholder, err)
		}
		out = strings.ReplaceAll(out, placeholder, string(buf.Bytes()))
		buf.Destroy()
	}

	if ContainsPlaceholder(out) {
		return "", fmt.Errorf("proposal %s: %w", proposalID, ErrUnresolvedPlaceholder)
	}

	return out, nil
}

// Forget drops the record for a proposal without rehydrating. Called when a
// proposal reaches a terminal state with no execution (deny), so secrets do
// not outlive their purpose waiting for TTL expiry.
func (s *Store) Forget(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, proposalID)
}

// Len returns the number of live records. Diagnostic use.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// PurgeExpired removes every expired record and returns how many were
// dropped. The Sweeper calls this on a timer; store operations also purge
// opportunistically.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeExpiredLocked()
}

// purgeExpiredLocked removes expired records. Caller holds s.mu.
func (s *Store) purgeExpiredLocked() int {
	now := s.now()
	purged := 0
	for id, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, id)
			purged++
		}
	}
	if purged > 0 {
		slog.Debug("Purged expired redaction records", "count", purged)
	}
	return purged
}

// preview returns the first PreviewRunes runes of text.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewRunes {
		return text
	}
	return string(runes[:PreviewRunes])
}
