// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proposals holds proposal records and drives them through the
// approval state machine. The store enforces the record invariants; the
// state machine decides what a confirm or deny attempt is allowed to do.
package proposals

import (
	"errors"
	"fmt"

	"github.com/millsaustin/argus/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound means no proposal exists with the requested ID.
var ErrNotFound = errors.New("proposal not found")

// ErrAlreadyExists means a proposal with that ID was already created.
var ErrAlreadyExists = errors.New("proposal already exists")

// ErrAlreadyApproved marks a repeat approval attempt by an approver already
// recorded on the proposal. State is unchanged.
var ErrAlreadyApproved = errors.New("approver already recorded on proposal")

// ErrAlreadyDenied marks a confirm or deny attempt on a proposal an
// operator already denied. State is unchanged.
var ErrAlreadyDenied = errors.New("proposal was already denied")

// ErrAlreadyExecuted marks a confirm or deny attempt on a proposal that
// already executed (completed or failed). State is unchanged.
var ErrAlreadyExecuted = errors.New("proposal already executed")

// ErrInvariantViolated marks an update that would break a record invariant,
// such as more results than steps or a terminal-state rewrite.
var ErrInvariantViolated = errors.New("proposal invariant violated")

// =============================================================================
// State Machine
// =============================================================================

// Outcome is what the state machine decided a confirm attempt should do.
type Outcome int

const (
	// OutcomeDenied: the proposal was marked DENIED. Terminal; no
	// execution.
	OutcomeDenied Outcome = iota

	// OutcomeAwaitSecondApproval: dual control recorded the first
	// approver and is waiting for a second, distinct one. Informational,
	// not an error.
	OutcomeAwaitSecondApproval

	// OutcomeExecute: the approval chain is satisfied; the caller must
	// now execute the steps and record the result.
	OutcomeExecute
)

// ApplyDecision mutates the proposal according to the approval state
// machine and reports what the caller should do next.
//
// # Description
//
// Transitions:
//
//	PENDING ──deny──────────────────────────────▶ DENIED (terminal)
//	PENDING ──approve, destructive + dual control,
//	          no prior approver────────────────▶ PENDING_SECOND_APPROVAL
//	PENDING | PENDING_SECOND_APPROVAL
//	        ──approve, distinct approver,
//	          chain satisfied──────────────────▶ execute
//
// A repeat approval by a recorded approver fails with ErrAlreadyApproved.
// Any attempt against a denied proposal fails with ErrAlreadyDenied; against
// any other terminal proposal, with ErrAlreadyExecuted. None of these errors
// mutate the proposal.
//
// # Inputs
//
//   - p: The proposal. Mutated in place on success.
//   - approver: Distinct human identity making the decision.
//   - decision: datatypes.DecisionApprove or datatypes.DecisionDeny.
//   - dualControl: Whether the dual-control policy is active.
//
// # Outputs
//
//   - Outcome: What the caller should do next.
//   - error: A conflict sentinel, or nil.
func ApplyDecision(p *datatypes.Proposal, approver, decision string, dualControl bool) (Outcome, error) {
	if p.Status == datatypes.StatusDenied {
		return 0, ErrAlreadyDenied
	}
	if p.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: status is %s", ErrAlreadyExecuted, p.Status)
	}

	if decision == datatypes.DecisionDeny {
		p.Status = datatypes.StatusDenied
		return OutcomeDenied, nil
	}

	if p.HasApprover(approver) {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyApproved, approver)
	}
	p.Approvals = append(p.Approvals, approver)

	// First approval of a destructive proposal under dual control only
	// records the approver. The transition into PENDING_SECOND_APPROVAL
	// can happen at most once: it requires PENDING plus an empty chain.
	if dualControl && p.Destructive &&
		p.Status == datatypes.StatusPending && len(p.Approvals) == 1 {
		p.Status = datatypes.StatusPendingSecondApproval
		return OutcomeAwaitSecondApproval, nil
	}

	return OutcomeExecute, nil
}
