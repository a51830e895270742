// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_PostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := &Notifier{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		webhookURL: server.URL,
	}
	n.Send(Event{Kind: KindProposalCreated, ProposalID: "p1", Actor: "alice"})

	select {
	case event := <-received:
		if event.Kind != KindProposalCreated {
			t.Errorf("expected kind %s, got %s", KindProposalCreated, event.Kind)
		}
		if event.Timestamp.IsZero() {
			t.Error("timestamp was not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestSend_UnconfiguredIsNoop(t *testing.T) {
	n := NewFromEnv() // ARGUS_WEBHOOK_URL unset in tests
	n.Send(Event{Kind: KindProposalDenied, ProposalID: "p1"})

	var nilNotifier *Notifier
	nilNotifier.Send(Event{Kind: KindProposalDenied}) // Must not panic
}

func TestSend_FailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := &Notifier{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		webhookURL: server.URL,
	}
	n.Send(Event{Kind: KindExecutionDone, ProposalID: "p1"})

	// Delivery happens on a goroutine; give it time to complete and verify
	// nothing panicked or blocked the caller.
	time.Sleep(100 * time.Millisecond)
}
