// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers best-effort webhook notifications for proposal
// lifecycle events. Delivery failures are logged and never surfaced to the
// operation that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Event is the payload posted to the configured webhook.
type Event struct {
	Kind       string    `json:"kind"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event kinds.
const (
	KindProposalCreated  = "proposal.created"
	KindAwaitingApproval = "proposal.awaiting_second_approval"
	KindProposalDenied   = "proposal.denied"
	KindExecutionDone    = "proposal.execution_done"
)

// Notifier posts events to a webhook URL. A nil or unconfigured Notifier is
// safe to use; Send becomes a no-op.
type Notifier struct {
	httpClient *http.Client
	webhookURL string
}

// NewFromEnv configures a Notifier from ARGUS_WEBHOOK_URL. Returns a no-op
// notifier when the variable is unset, so callers never need a nil check.
func NewFromEnv() *Notifier {
	url := os.Getenv("ARGUS_WEBHOOK_URL")
	if url == "" {
		slog.Info("ARGUS_WEBHOOK_URL not set, webhook notifications disabled")
		return &Notifier{}
	}
	slog.Info("Initializing webhook notifier", "url", url)
	return &Notifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		webhookURL: url,
	}
}

// Send posts the event to the webhook on a background goroutine. It returns
// immediately; failures are logged at warn level and otherwise ignored.
func (n *Notifier) Send(event Event) {
	if n == nil || n.webhookURL == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.post(ctx, event); err != nil {
			slog.Warn("Webhook delivery failed",
				"kind", event.Kind,
				"proposal_id", event.ProposalID,
				"error", err,
			)
		}
	}()
}

func (n *Notifier) post(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
