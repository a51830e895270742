// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command argus starts the guarded VM action service: an HTTP API that
// turns natural-language operator requests into validated, approval-gated
// Proxmox action plans.
//
// # Environment Variables
//
//   - ARGUS_LISTEN_ADDR: HTTP bind address (default: ":8080")
//   - PROXMOX_API_URL: Proxmox API base URL (required)
//   - PROXMOX_TOKEN_ID / PROXMOX_TOKEN_SECRET: API token credentials
//   - LLM_BACKEND_TYPE: plan generation backend - openai, ollama (default: ollama)
//   - ARGUS_DATA_DIR: Badger data directory (default: "./data")
//   - ARGUS_POLICY_FILE: hot-reloaded policy JSON (default: "./policy.json")
//   - ARGUS_WEBHOOK_URL: optional webhook for lifecycle notifications
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	go build -o argus ./cmd/argus
//	./argus
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/millsaustin/argus/audit"
	"github.com/millsaustin/argus/config"
	"github.com/millsaustin/argus/executor"
	"github.com/millsaustin/argus/idempotency"
	"github.com/millsaustin/argus/llm"
	"github.com/millsaustin/argus/locks"
	"github.com/millsaustin/argus/notify"
	"github.com/millsaustin/argus/observability"
	"github.com/millsaustin/argus/pipeline"
	"github.com/millsaustin/argus/proposals"
	"github.com/millsaustin/argus/proxmox"
	"github.com/millsaustin/argus/redaction"
	"github.com/millsaustin/argus/routes"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	cleanup, err := observability.InitTracer(cfg.OTelEndpoint, "argus")
	if err != nil {
		log.Fatalf("Failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	db, err := badger.Open(badger.DefaultOptions(filepath.Join(cfg.DataDir, "badger")).WithLogger(nil))
	if err != nil {
		log.Fatalf("Failed to open Badger database: %v", err)
	}
	defer db.Close()

	auditLog, err := audit.NewLogger(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	defer auditLog.Close()
	sink := audit.NewAsyncSink(auditLog)
	defer sink.Close()

	policyStore, err := config.NewPolicyStore(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	if err := policyStore.Watch(); err != nil {
		slog.Warn("Policy hot reload unavailable", "error", err)
	}
	defer policyStore.Stop()

	llmClient, err := llm.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize LLM backend: %v", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	redactor := redaction.NewStore(cfg.RedactionTTL)
	redactor.Observer = metrics.ObserveRedaction
	sweeper := redaction.NewSweeper(redactor, redaction.DefaultSweepInterval)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	if err := sweeper.Start(sweepCtx); err != nil {
		log.Fatalf("Failed to start redaction sweeper: %v", err)
	}
	defer stopSweeper()

	lockTable := locks.NewTable()
	lockTable.OnChange = metrics.SetLocksHeld

	client := proxmox.NewClient(cfg.ProxmoxURL, cfg.ProxmoxTokenID, cfg.ProxmoxTokenSecret)
	exec := executor.New(client, lockTable, executor.DefaultStepTimeout)
	exec.Observer = metrics.ObserveStep

	pipe := pipeline.New(pipeline.Options{
		LLMClient:   llmClient,
		Redactor:    redactor,
		Store:       proposals.NewBadgerStore(db),
		Executor:    exec,
		Ledger:      idempotency.NewBadgerLedger(db),
		Policy:      policyStore,
		Sink:        sink,
		Notifier:    notify.NewFromEnv(),
		Metrics:     metrics,
		PlanTimeout: cfg.PlanTimeout,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("argus"))
	routes.SetupRoutes(router, pipe)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}
