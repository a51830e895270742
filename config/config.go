// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads service configuration from environment variables and
// a hot-reloadable JSON policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the service needs at startup. All fields come
// from environment variables; the approval policy lives in a separate file
// so it can change without a restart.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string

	// ProxmoxURL is the base URL of the Proxmox API, e.g.
	// "https://pve.example.com:8006".
	ProxmoxURL string

	// ProxmoxTokenID and ProxmoxTokenSecret authenticate API token calls.
	ProxmoxTokenID     string
	ProxmoxTokenSecret string

	// DataDir holds the Badger database (proposals and idempotency ledger).
	DataDir string

	// AuditLogPath is the JSONL audit chain file.
	AuditLogPath string

	// PolicyPath is the JSON policy file watched for changes.
	PolicyPath string

	// RedactionTTL bounds how long redaction mappings survive without a
	// touch.
	RedactionTTL time.Duration

	// PlanTimeout bounds a single LLM plan generation call.
	PlanTimeout time.Duration

	// OTelEndpoint is the OpenTelemetry collector address. Empty disables
	// trace export.
	OTelEndpoint string
}

// FromEnv builds a Config from environment variables, applying defaults for
// everything except the Proxmox credentials.
//
// # Environment Variables
//
//   - ARGUS_LISTEN_ADDR: HTTP bind address (default: ":8080")
//   - PROXMOX_API_URL: Proxmox API base URL (required)
//   - PROXMOX_TOKEN_ID: API token ID, e.g. "argus@pve!automation" (required)
//   - PROXMOX_TOKEN_SECRET: API token secret (required, or via
//     /run/secrets/proxmox_token_secret)
//   - ARGUS_DATA_DIR: Badger data directory (default: "./data")
//   - ARGUS_AUDIT_LOG: Audit chain path (default: "./data/audit.log")
//   - ARGUS_POLICY_FILE: Policy JSON path (default: "./policy.json")
//   - ARGUS_REDACTION_TTL_MINUTES: Redaction mapping TTL (default: 15)
//   - ARGUS_PLAN_TIMEOUT_SECONDS: LLM plan generation timeout (default: 120)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTel collector (empty disables tracing)
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:         getEnvString("ARGUS_LISTEN_ADDR", ":8080"),
		ProxmoxURL:         os.Getenv("PROXMOX_API_URL"),
		ProxmoxTokenID:     os.Getenv("PROXMOX_TOKEN_ID"),
		ProxmoxTokenSecret: os.Getenv("PROXMOX_TOKEN_SECRET"),
		DataDir:            getEnvString("ARGUS_DATA_DIR", "./data"),
		AuditLogPath:       getEnvString("ARGUS_AUDIT_LOG", "./data/audit.log"),
		PolicyPath:         getEnvString("ARGUS_POLICY_FILE", "./policy.json"),
		RedactionTTL:       time.Duration(getEnvInt("ARGUS_REDACTION_TTL_MINUTES", 15)) * time.Minute,
		PlanTimeout:        time.Duration(getEnvInt("ARGUS_PLAN_TIMEOUT_SECONDS", 120)) * time.Second,
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.ProxmoxTokenSecret == "" {
		secretPath := "/run/secrets/proxmox_token_secret"
		if raw, err := os.ReadFile(secretPath); err == nil {
			cfg.ProxmoxTokenSecret = trimNewline(string(raw))
		}
	}

	if cfg.ProxmoxURL == "" {
		return nil, fmt.Errorf("PROXMOX_API_URL environment variable not set")
	}
	if cfg.ProxmoxTokenID == "" {
		return nil, fmt.Errorf("PROXMOX_TOKEN_ID environment variable not set")
	}
	if cfg.ProxmoxTokenSecret == "" {
		return nil, fmt.Errorf("PROXMOX_TOKEN_SECRET environment variable not set and secret not found")
	}

	return cfg, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
