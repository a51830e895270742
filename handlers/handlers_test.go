// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millsaustin/argus/config"
	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/executor"
	"github.com/millsaustin/argus/idempotency"
	"github.com/millsaustin/argus/llm"
	"github.com/millsaustin/argus/locks"
	"github.com/millsaustin/argus/middleware"
	"github.com/millsaustin/argus/pipeline"
	"github.com/millsaustin/argus/proposals"
	"github.com/millsaustin/argus/redaction"
)

type scriptedLLM struct {
	response string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return s.response, nil
}

type okCluster struct{}

func (okCluster) Call(ctx context.Context, action, node string, vmid int) (string, error) {
	return "UPID:ok", nil
}

const planJSON = `{"summary": "Reboot the build VM", "steps": [{"action": "reboot", "node": "pve1", "vmid": 310}]}`

func setupServer(t *testing.T, dualControl bool) (*gin.Engine, *scriptedLLM) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	model := &scriptedLLM{response: planJSON}
	pipe := pipeline.New(pipeline.Options{
		LLMClient:   model,
		Redactor:    redaction.NewStore(15 * time.Minute),
		Store:       proposals.NewMemoryStore(),
		Executor:    executor.New(okCluster{}, locks.NewTable(), 5*time.Second),
		Ledger:      idempotency.NewMemoryLedger(),
		Policy:      pipeline.StaticPolicy(config.Policy{DualControl: dualControl}),
		PlanTimeout: 5 * time.Second,
	})

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware())
	v1.POST("/proposals", CreateProposal(pipe))
	v1.GET("/proposals/:id", GetProposal(pipe))
	v1.POST("/proposals/:id/confirm", ConfirmProposal(pipe))
	v1.POST("/actions", SubmitAction(pipe))
	router.GET("/health", HealthCheck)
	return router, model
}

func doJSON(router *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createProposal(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(router, "POST", "/v1/proposals", "alice", datatypes.ProposalRequest{Prompt: "reboot build vm"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp datatypes.ProposalResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Proposal.ID
}

// =============================================================================
// Proposal Endpoint Tests
// =============================================================================

func TestCreateProposal_Success(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "POST", "/v1/proposals", "alice", datatypes.ProposalRequest{Prompt: "reboot build vm"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp datatypes.ProposalResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, datatypes.StatusPending, resp.Proposal.Status)
	assert.True(t, resp.Proposal.Destructive)
	assert.Equal(t, "alice", resp.Proposal.CreatedBy)
}

func TestCreateProposal_NoIdentity(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "POST", "/v1/proposals", "", datatypes.ProposalRequest{Prompt: "reboot"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateProposal_EmptyPrompt(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "POST", "/v1/proposals", "alice", datatypes.ProposalRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestCreateProposal_SchemaFailure(t *testing.T) {
	router, model := setupServer(t, true)
	model.response = "I cannot produce a plan for that."

	w := doJSON(router, "POST", "/v1/proposals", "alice", datatypes.ProposalRequest{Prompt: "do something odd"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "SCHEMA_VALIDATION_FAILED")
}

func TestGetProposal_NotFound(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "GET", "/v1/proposals/unknown-id", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "PROPOSAL_NOT_FOUND")
}

func TestGetProposal_RoundTrip(t *testing.T) {
	router, _ := setupServer(t, true)
	id := createProposal(t, router)

	w := doJSON(router, "GET", "/v1/proposals/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ProposalResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Proposal.ID)
}

// =============================================================================
// Confirm Endpoint Tests
// =============================================================================

func TestConfirmProposal_DualControlChain(t *testing.T) {
	router, _ := setupServer(t, true)
	id := createProposal(t, router)

	w := doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, w.Code)

	var first datatypes.ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, datatypes.StatusPendingSecondApproval, first.Status)

	w = doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ALREADY_APPROVED")

	w = doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "bob",
		datatypes.ConfirmRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, w.Code)

	var final datatypes.ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &final))
	assert.Equal(t, datatypes.StatusCompleted, final.Status)
	assert.Len(t, final.Results, 1)
}

func TestCreateProposal_DuplicateIDConflict(t *testing.T) {
	router, _ := setupServer(t, true)
	req := datatypes.ProposalRequest{
		Prompt:     "reboot build vm",
		ProposalID: "7d3c2a9e-6f4b-4e1d-8a52-90cbe1f6a310",
	}

	w := doJSON(router, "POST", "/v1/proposals", "alice", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(router, "POST", "/v1/proposals", "alice", req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "PROPOSAL_EXISTS")
}

func TestConfirmProposal_Deny(t *testing.T) {
	router, _ := setupServer(t, true)
	id := createProposal(t, router)

	w := doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "deny"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, datatypes.StatusDenied, resp.Status)
}

func TestConfirmProposal_TerminalConflict(t *testing.T) {
	router, _ := setupServer(t, false)
	id := createProposal(t, router)

	w := doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "approve"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "bob",
		datatypes.ConfirmRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ALREADY_EXECUTED")
}

func TestConfirmProposal_DeniedConflict(t *testing.T) {
	router, _ := setupServer(t, true)
	id := createProposal(t, router)

	w := doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "deny"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "bob",
		datatypes.ConfirmRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ALREADY_DENIED")
}

func TestConfirmProposal_BadDecision(t *testing.T) {
	router, _ := setupServer(t, true)
	id := createProposal(t, router)

	w := doJSON(router, "POST", "/v1/proposals/"+id+"/confirm", "alice",
		datatypes.ConfirmRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Direct Action Endpoint Tests
// =============================================================================

func TestSubmitAction_Success(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "POST", "/v1/actions", "alice", datatypes.ActionRequest{
		IdempotencyToken: "tok-a1b2c3d4",
		Action:           "start",
		Node:             "pve1",
		VMID:             310,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ActionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, datatypes.StepStatusSuccess, resp.Result.Status)
}

func TestSubmitAction_DuplicateToken(t *testing.T) {
	router, _ := setupServer(t, true)
	req := datatypes.ActionRequest{
		IdempotencyToken: "tok-e5f6a7b8",
		Action:           "stop",
		Node:             "pve1",
		VMID:             310,
	}

	w := doJSON(router, "POST", "/v1/actions", "alice", req)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/actions", "alice", req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DUPLICATE_REQUEST")
}

func TestSubmitAction_ShortTokenRejected(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "POST", "/v1/actions", "alice", datatypes.ActionRequest{
		IdempotencyToken: "short",
		Action:           "start",
		Node:             "pve1",
		VMID:             310,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupServer(t, true)

	w := doJSON(router, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
