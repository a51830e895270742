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
// This file contains the proposal domain model: steps, step results, proposal
// records and their status lifecycle, plus the schema that generated plans
// must satisfy before they are ever stored as executable.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/millsaustin/argus/redaction"
)

// =============================================================================
// Action Sets
// =============================================================================

const (
	// ActionStart powers on a stopped VM.
	ActionStart = "start"

	// ActionStop powers off a running VM.
	ActionStop = "stop"

	// ActionReboot power-cycles a running VM.
	ActionReboot = "reboot"
)

// ExecutableActions is the allow-list of actions the executor will run.
// Anything outside this set fails step validation before any remote call.
var ExecutableActions = map[string]bool{
	ActionStart:  true,
	ActionStop:   true,
	ActionReboot: true,
}

// DestructiveActions is the subset of actions that interrupt a running
// workload. Proposals containing any of these are flagged destructive at
// creation time and may require dual-control approval.
var DestructiveActions = map[string]bool{
	ActionStop:   true,
	ActionReboot: true,
}

// IsDestructive reports whether any step in the plan uses a destructive
// action. Computed once when the proposal is created; the flag is immutable
// afterward.
func IsDestructive(steps []Step) bool {
	for _, s := range steps {
		if DestructiveActions[s.Action] {
			return true
		}
	}
	return false
}

// =============================================================================
// Proposal Status
// =============================================================================

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	// StatusPending means the proposal awaits its first approval or denial.
	StatusPending ProposalStatus = "PENDING"

	// StatusPendingSecondApproval means one approver has confirmed a
	// destructive proposal and dual-control requires a second, distinct
	// approver before execution.
	StatusPendingSecondApproval ProposalStatus = "PENDING_SECOND_APPROVAL"

	// StatusCompleted means every step executed successfully. Terminal.
	StatusCompleted ProposalStatus = "COMPLETED"

	// StatusFailed means execution stopped on a failing step. Terminal.
	StatusFailed ProposalStatus = "FAILED"

	// StatusDenied means an operator rejected the proposal. Terminal.
	StatusDenied ProposalStatus = "DENIED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ProposalStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDenied
}

// =============================================================================
// Steps and Results
// =============================================================================

// Step is one atomic remote action within a proposal: an action name plus
// the (node, vmid) target it applies to.
//
// # Fields
//
//   - Action: One of the ExecutableActions set.
//   - Node: Proxmox node hostname or address the VM lives on. In a stored
//     proposal this may instead be a redaction placeholder standing in for
//     an address the operator's prompt carried; the pipeline resolves it to
//     the live value immediately before execution.
//   - VMID: Numeric VM identifier. Proxmox assigns these from 100 upward.
//   - TimeoutSeconds: Optional per-step override for the remote call timeout.
//     Zero means "use the executor's default".
type Step struct {
	Action         string `json:"action" validate:"required,oneof=start stop reboot"`
	Node           string `json:"node" validate:"required,redaction_placeholder|hostname_rfc1123|ip"`
	VMID           int    `json:"vmid" validate:"required,gte=100,lte=999999999"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0,lte=3600"`
}

// StepResult records the outcome of one executed step. Results are created
// only by the executor and are immutable once appended to a proposal.
type StepResult struct {
	Index  int    `json:"index"`
	Action string `json:"action"`
	Node   string `json:"node"`
	VMID   int    `json:"vmid"`
	Status string `json:"status"` // "success" or "fail"
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	// StepStatusSuccess marks a step whose remote call returned cleanly.
	StepStatusSuccess = "success"

	// StepStatusFail marks a step that exhausted its retry budget.
	StepStatusFail = "fail"
)

// =============================================================================
// Proposal
// =============================================================================

// Proposal is a validated, ordered plan of actions awaiting approval and
// execution.
//
// # Invariants
//
//   - len(Results) never exceeds len(Steps).
//   - Once Status is terminal it never changes again.
//   - A proposal transitions at most once into PENDING_SECOND_APPROVAL.
//   - Destructive is computed at creation and never recomputed.
//   - Approvals holds distinct approver identities; membership matters,
//     insertion order does not.
//
// The stored Summary and Steps may contain redaction placeholders rather
// than live values; the pipeline rehydrates them immediately before
// execution.
type Proposal struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary"`
	Steps       []Step         `json:"steps"`
	Status      ProposalStatus `json:"status"`
	Destructive bool           `json:"destructive"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	Approvals   []string       `json:"approvals,omitempty"`
	Results     []StepResult   `json:"results,omitempty"`
}

// HasApprover reports whether the identity already approved this proposal.
func (p *Proposal) HasApprover(identity string) bool {
	for _, a := range p.Approvals {
		if a == identity {
			return true
		}
	}
	return false
}

// =============================================================================
// Generated Plan Schema
// =============================================================================

// MaxPlanSteps bounds how many steps a single generated plan may carry.
// A natural-language request that expands into more than this is almost
// certainly a generation error, not operator intent.
const MaxPlanSteps = 8

// MaxSummaryBytes bounds the plan summary size.
const MaxSummaryBytes = 2 * 1024

// GeneratedPlan is the structured shape the text-generation backend must
// produce. The raw model output is untrusted; it becomes a Proposal only
// after this schema validates cleanly.
type GeneratedPlan struct {
	Summary string `json:"summary" validate:"required,max=2048"`
	Steps   []Step `json:"steps" validate:"required,min=1,max=8,dive"`
}

// planValidate is the shared validator for plan and request datatypes.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	// A sanitized prompt hands the model placeholder tokens in place of
	// redacted addresses, so a generated step may legitimately target one.
	err := planValidate.RegisterValidation("redaction_placeholder", func(fl validator.FieldLevel) bool {
		return redaction.IsPlaceholder(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
}

// Validate checks the generated plan against the fixed schema.
//
// # Outputs
//
//   - error: Non-nil if any field fails validation. The caller must treat
//     this as SchemaValidationFailed and never store the plan as executable.
func (g *GeneratedPlan) Validate() error {
	return planValidate.Struct(g)
}

// Validate checks a single step against the schema. Used by the executor
// as a final guard before any remote call.
func (s *Step) Validate() error {
	return planValidate.Struct(s)
}
