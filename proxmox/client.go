// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxmox provides the remote action API client. The client is
// deliberately thin: one fallible call per action, no retry and no timeout
// of its own. The executor supplies both.
package proxmox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ActionClient is the remote infrastructure API consumed by the executor.
//
// Implementations must honor ctx cancellation: the executor bounds each
// attempt with a deadline and abandons the call when it fires. Abandonment
// does not guarantee the remote side effect was prevented.
type ActionClient interface {
	// Call issues one power action against a VM and returns the remote
	// task identifier on success.
	Call(ctx context.Context, action, node string, vmid int) (string, error)
}

// APIError carries the remote API's failure status and payload.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox API returned %d: %s", e.StatusCode, e.Body)
}

// Client is the HTTP implementation of ActionClient against the Proxmox VE
// REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokenID    string
	secret     string
}

// NewClient creates a Proxmox API client.
//
// # Inputs
//
//   - baseURL: API root, e.g. https://pve.example.com:8006. Trailing slash
//     is trimmed.
//   - tokenID: API token ID in user@realm!name form.
//   - secret: API token secret.
func NewClient(baseURL, tokenID, secret string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Proxmox client", "base_url", baseURL, "token_id", tokenID)
	return &Client{
		// No client-level timeout: per-attempt deadlines come from the
		// executor's context. A long transport timeout guards against a
		// caller that forgets one.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    baseURL,
		tokenID:    tokenID,
		secret:     secret,
	}
}

// statusResponse is the envelope Proxmox wraps task submissions in.
type statusResponse struct {
	Data string `json:"data"`
}

// Call implements ActionClient.
//
// POSTs to /api2/json/nodes/{node}/qemu/{vmid}/status/{action} with an API
// token header. Any non-2xx status is surfaced as *APIError.
func (c *Client) Call(ctx context.Context, action, node string, vmid int) (string, error) {
	url := fmt.Sprintf("%s/api2/json/nodes/%s/qemu/%d/status/%s", c.baseURL, node, vmid, action)
	slog.Debug("Issuing Proxmox action", "action", action, "node", node, "vmid", vmid)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("failed to build proxmox request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.secret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxmox call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read proxmox response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Some deployments front the API with proxies that strip the
		// envelope. The task ID is informational; don't fail the action.
		slog.Warn("Could not parse proxmox response envelope", "error", err)
		return strings.TrimSpace(string(body)), nil
	}
	return parsed.Data, nil
}
