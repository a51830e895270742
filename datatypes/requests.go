// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the Argus execution service.
//
// This file contains request and response types for the proposal and action
// endpoints. For the proposal domain model itself, see proposal.go.
package datatypes

import (
	"time"
)

// MaxPromptBytes is the maximum size of a free-text proposal prompt.
// Prompts are forwarded (sanitized) to the generation backend; unbounded
// input is both a cost and a memory exhaustion problem.
const MaxPromptBytes = 16 * 1024

// MaxContextBytes is the maximum size of the cluster context blob attached
// to a proposal request.
const MaxContextBytes = 64 * 1024

// =============================================================================
// Propose
// =============================================================================

// ProposalRequest is the body of POST /v1/proposals.
//
// # Fields
//
//   - Prompt: Required. Free-text operator request. Sanitized before it is
//     sent anywhere outside the process.
//   - ClusterContext: Optional. JSON-ish snapshot of cluster state used to
//     ground the generation. Sanitized the same way as the prompt.
//   - ProposalID: Optional. Client-supplied UUID; generated server-side when
//     absent. Lets a caller pre-correlate redaction state with the proposal.
type ProposalRequest struct {
	Prompt         string `json:"prompt" validate:"required,max=16384"`
	ClusterContext string `json:"cluster_context,omitempty" validate:"max=65536"`
	ProposalID     string `json:"proposal_id,omitempty" validate:"omitempty,uuid4"`
}

// Validate validates the ProposalRequest fields.
func (r *ProposalRequest) Validate() error {
	return planValidate.Struct(r)
}

// ProposalResponse is returned from POST /v1/proposals and GET
// /v1/proposals/:id.
type ProposalResponse struct {
	Proposal       *Proposal `json:"proposal"`
	RedactionCount int       `json:"redaction_count,omitempty"`
	SanitizedHint  string    `json:"sanitized_preview,omitempty"`
}

// =============================================================================
// Confirm
// =============================================================================

const (
	// DecisionApprove confirms the proposal for execution.
	DecisionApprove = "approve"

	// DecisionDeny rejects the proposal. Terminal.
	DecisionDeny = "deny"
)

// ConfirmRequest is the body of POST /v1/proposals/:id/confirm.
type ConfirmRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve deny"`
}

// Validate validates the ConfirmRequest fields.
func (r *ConfirmRequest) Validate() error {
	return planValidate.Struct(r)
}

// ConfirmResponse reports the resulting proposal state after a confirm or
// deny. Results are always included, even on failure, so an operator can see
// exactly how far execution got.
type ConfirmResponse struct {
	ID      string         `json:"id"`
	Status  ProposalStatus `json:"status"`
	Results []StepResult   `json:"results,omitempty"`
	Message string         `json:"message,omitempty"`
}

// =============================================================================
// Direct Actions
// =============================================================================

// ActionRequest is the body of POST /v1/actions: a single, pre-approved
// action executed outside the proposal flow, guarded by an idempotency
// token.
//
// # Fields
//
//   - IdempotencyToken: Required. Caller-generated opaque token, one per
//     logical submission. A replayed token is rejected without re-executing.
//   - Action, Node, VMID: The step target. Direct actions carry live
//     values only; a placeholder-shaped node is rejected here.
type ActionRequest struct {
	IdempotencyToken string `json:"idempotency_token" validate:"required,min=8,max=128"`
	Action           string `json:"action" validate:"required,oneof=start stop reboot"`
	Node             string `json:"node" validate:"required,hostname_rfc1123|ip"`
	VMID             int    `json:"vmid" validate:"required,gte=100,lte=999999999"`
}

// Validate validates the ActionRequest fields.
func (r *ActionRequest) Validate() error {
	return planValidate.Struct(r)
}

// Step converts the request into an executable step.
func (r *ActionRequest) Step() Step {
	return Step{Action: r.Action, Node: r.Node, VMID: r.VMID}
}

// ActionResponse is returned from POST /v1/actions.
type ActionResponse struct {
	Result    StepResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}
