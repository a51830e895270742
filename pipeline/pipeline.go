// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the propose/confirm lifecycle: sanitizing
// operator input, generating a plan, validating it against the fixed schema,
// gating execution behind approvals, and running approved steps against the
// cluster.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/millsaustin/argus/audit"
	"github.com/millsaustin/argus/config"
	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/executor"
	"github.com/millsaustin/argus/idempotency"
	"github.com/millsaustin/argus/llm"
	"github.com/millsaustin/argus/notify"
	"github.com/millsaustin/argus/observability"
	"github.com/millsaustin/argus/proposals"
	"github.com/millsaustin/argus/redaction"
)

// =============================================================================
// Errors
// =============================================================================

// ErrPlanGeneration means the generation backend failed or timed out before
// producing any output. Nothing was stored.
var ErrPlanGeneration = errors.New("plan generation failed")

// ErrSchemaValidation means the backend produced output that does not parse
// or validate as a plan. The raw output is never stored as executable.
var ErrSchemaValidation = errors.New("generated plan failed schema validation")

// ErrPolicyDenied means the validated plan targets a node the current policy
// forbids.
var ErrPolicyDenied = errors.New("plan targets a policy-denied node")

// ErrDuplicateRequest means the idempotency token was already used. The
// original submission's outcome stands; nothing was re-executed.
var ErrDuplicateRequest = errors.New("duplicate idempotency token")

// PolicyProvider yields the approval policy in effect at call time.
// *config.PolicyStore satisfies it.
type PolicyProvider interface {
	Current() config.Policy
}

// staticPolicy adapts a fixed Policy into a PolicyProvider. Test use.
type staticPolicy config.Policy

func (p staticPolicy) Current() config.Policy { return config.Policy(p) }

// StaticPolicy wraps a fixed policy for callers that do not hot-reload.
func StaticPolicy(p config.Policy) PolicyProvider { return staticPolicy(p) }

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline wires the redaction store, generation backend, proposal store,
// executor, and idempotency ledger into the three public operations:
// Propose, Confirm, and SubmitAction.
//
// # Concurrency
//
// Confirm serializes per proposal ID, so two racing confirmations of the
// same proposal cannot both trigger execution. Distinct proposals proceed
// in parallel; the executor's resource locks keep them off the same VM.
type Pipeline struct {
	llmClient llm.Client
	redactor  *redaction.Store
	store     proposals.Store
	exec      *executor.Executor
	ledger    idempotency.Ledger
	policy    PolicyProvider
	sink      audit.Sink
	notifier  *notify.Notifier
	metrics   *observability.Metrics

	planTimeout time.Duration

	// confirmMu holds one *sync.Mutex per proposal ID.
	confirmMu sync.Map
}

// Options carries the pipeline's collaborators. Sink and Metrics may be nil;
// Notifier may be nil or unconfigured.
type Options struct {
	LLMClient   llm.Client
	Redactor    *redaction.Store
	Store       proposals.Store
	Executor    *executor.Executor
	Ledger      idempotency.Ledger
	Policy      PolicyProvider
	Sink        audit.Sink
	Notifier    *notify.Notifier
	Metrics     *observability.Metrics
	PlanTimeout time.Duration
}

// New assembles a Pipeline from its collaborators.
func New(opts Options) *Pipeline {
	sink := opts.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}
	planTimeout := opts.PlanTimeout
	if planTimeout <= 0 {
		planTimeout = 120 * time.Second
	}
	return &Pipeline{
		llmClient:   opts.LLMClient,
		redactor:    opts.Redactor,
		store:       opts.Store,
		exec:        opts.Executor,
		ledger:      opts.Ledger,
		policy:      opts.Policy,
		sink:        sink,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		planTimeout: planTimeout,
	}
}

// =============================================================================
// Propose
// =============================================================================

// Propose sanitizes the operator's request, asks the generation backend for
// a plan, validates it, and stores it as a pending proposal.
//
// # Description
//
// The prompt and cluster context are sanitized under the proposal's ID
// before anything leaves the process, so both share one reversible
// placeholder mapping. The backend call runs under the configured plan
// timeout. Output that fails to parse or validate is rejected with
// ErrSchemaValidation and never stored.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts the generation call.
//   - req: Validated ProposalRequest.
//   - createdBy: Authenticated identity of the requester.
//
// # Outputs
//
//   - *datatypes.ProposalResponse: The stored proposal plus redaction info.
//   - error: ErrPlanGeneration, ErrSchemaValidation, ErrPolicyDenied,
//     proposals.ErrAlreadyExists when the requested ID is taken, or a
//     storage error.
func (p *Pipeline) Propose(ctx context.Context, req *datatypes.ProposalRequest, createdBy string) (*datatypes.ProposalResponse, error) {
	proposalID := req.ProposalID
	if proposalID == "" {
		proposalID = uuid.NewString()
	}

	sanitizedPrompt, promptCount, preview := p.redactor.Sanitize(req.Prompt, proposalID)
	redactionCount := promptCount

	userPrompt := sanitizedPrompt
	if req.ClusterContext != "" {
		sanitizedCtx, ctxCount, _ := p.redactor.Sanitize(req.ClusterContext, proposalID)
		redactionCount += ctxCount
		userPrompt = sanitizedPrompt + "\n\nCluster context:\n" + sanitizedCtx
	}

	genCtx, cancel := context.WithTimeout(ctx, p.planTimeout)
	defer cancel()

	raw, err := p.llmClient.Generate(genCtx, userPrompt, llm.DefaultParams())
	if err != nil {
		p.redactor.Forget(proposalID)
		slog.Error("Plan generation failed", "proposal_id", proposalID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPlanGeneration, err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.redactor.Forget(proposalID)
		p.countPlanRejected()
		slog.Warn("Generated plan rejected",
			"proposal_id", proposalID,
			"error", err,
		)
		return nil, err
	}

	policy := p.policy.Current()
	for _, step := range plan.Steps {
		if policy.NodeDenied(step.Node) {
			p.redactor.Forget(proposalID)
			return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, step.Node)
		}
	}

	proposal := &datatypes.Proposal{
		ID:          proposalID,
		Summary:     plan.Summary,
		Steps:       plan.Steps,
		Status:      datatypes.StatusPending,
		Destructive: datatypes.IsDestructive(plan.Steps),
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.Create(proposal); err != nil {
		// On an ID collision the existing proposal owns the redaction
		// record; forgetting here would strip the winner of its mapping.
		if !errors.Is(err, proposals.ErrAlreadyExists) {
			p.redactor.Forget(proposalID)
		}
		return nil, fmt.Errorf("failed to store proposal: %w", err)
	}

	p.countProposal("created")
	p.sink.Emit(audit.Record{
		Event:      audit.EventProposalCreated,
		ProposalID: proposalID,
		Actor:      createdBy,
		Detail:     fmt.Sprintf("steps=%d destructive=%t redactions=%d", len(plan.Steps), proposal.Destructive, redactionCount),
	})
	p.notifier.Send(notify.Event{
		Kind:       notify.KindProposalCreated,
		ProposalID: proposalID,
		Actor:      createdBy,
		Summary:    plan.Summary,
		Status:     string(proposal.Status),
	})

	return &datatypes.ProposalResponse{
		Proposal:       proposal,
		RedactionCount: redactionCount,
		SanitizedHint:  preview,
	}, nil
}

// parsePlan extracts and validates a GeneratedPlan from raw model output.
// Models wrap JSON in markdown fences often enough that stripping them is
// part of the contract.
func parsePlan(raw string) (*datatypes.GeneratedPlan, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrSchemaValidation)
	}

	var plan datatypes.GeneratedPlan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return &plan, nil
}

// =============================================================================
// Confirm
// =============================================================================

// Confirm applies an approve or deny decision and, when the approval chain
// is satisfied, executes the plan.
//
// # Description
//
// Decisions for one proposal are serialized, so results are recorded exactly
// once no matter how many operators race. Denial is terminal. Approval of a
// destructive proposal under dual control parks it in
// PENDING_SECOND_APPROVAL until a different approver confirms. Execution
// rehydrates the stored plan (single use), runs the steps fail-fast, and
// records whatever results exist even when execution stops early.
//
// # Inputs
//
//   - ctx: Request context, passed through to the executor.
//   - proposalID: The proposal to decide on.
//   - decision: datatypes.DecisionApprove or DecisionDeny.
//   - approver: Authenticated identity of the decider.
//
// # Outputs
//
//   - *datatypes.ConfirmResponse: Resulting status plus any step results.
//   - error: proposals.ErrNotFound, proposals.ErrAlreadyApproved,
//     proposals.ErrAlreadyDenied, proposals.ErrAlreadyExecuted,
//     redaction.ErrUnresolvedPlaceholder, ErrPolicyDenied, or a storage
//     error.
func (p *Pipeline) Confirm(ctx context.Context, proposalID, decision, approver string) (*datatypes.ConfirmResponse, error) {
	muAny, _ := p.confirmMu.LoadOrStore(proposalID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	proposal, err := p.store.Get(proposalID)
	if err != nil {
		return nil, err
	}

	// Terminal proposals take no further decisions, so their serialization
	// entry can go. Late racers simply mint a fresh mutex and read the
	// terminal status from the store.
	defer func() {
		if proposal.Status.IsTerminal() {
			p.confirmMu.Delete(proposalID)
		}
	}()

	dualControl := p.policy.Current().DualControl
	outcome, err := proposals.ApplyDecision(proposal, approver, decision, dualControl)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case proposals.OutcomeDenied:
		if err := p.store.Update(proposal); err != nil {
			return nil, fmt.Errorf("failed to store denial: %w", err)
		}
		p.redactor.Forget(proposalID)
		p.countProposal("denied")
		p.sink.Emit(audit.Record{
			Event:      audit.EventProposalDenied,
			ProposalID: proposalID,
			Actor:      approver,
		})
		p.notifier.Send(notify.Event{
			Kind:       notify.KindProposalDenied,
			ProposalID: proposalID,
			Actor:      approver,
			Status:     string(proposal.Status),
		})
		return &datatypes.ConfirmResponse{ID: proposalID, Status: proposal.Status}, nil

	case proposals.OutcomeAwaitSecondApproval:
		if err := p.store.Update(proposal); err != nil {
			return nil, fmt.Errorf("failed to store approval: %w", err)
		}
		p.sink.Emit(audit.Record{
			Event:      audit.EventAwaitingApproval,
			ProposalID: proposalID,
			Actor:      approver,
		})
		p.notifier.Send(notify.Event{
			Kind:       notify.KindAwaitingApproval,
			ProposalID: proposalID,
			Actor:      approver,
			Status:     string(proposal.Status),
		})
		return &datatypes.ConfirmResponse{
			ID:      proposalID,
			Status:  proposal.Status,
			Message: "destructive plan requires a second approver",
		}, nil

	case proposals.OutcomeExecute:
		return p.execute(ctx, proposal, approver)

	default:
		return nil, fmt.Errorf("unknown decision outcome %d", outcome)
	}
}

// execute rehydrates and runs an approved proposal, then records the
// terminal status and results.
func (p *Pipeline) execute(ctx context.Context, proposal *datatypes.Proposal, approver string) (*datatypes.ConfirmResponse, error) {
	p.sink.Emit(audit.Record{
		Event:      audit.EventProposalApproved,
		ProposalID: proposal.ID,
		Actor:      approver,
	})

	steps, err := p.rehydrateSteps(proposal)
	if err == nil {
		// The propose-time policy gate saw placeholders, not live values;
		// a denied node restored by rehydration is caught here.
		policy := p.policy.Current()
		for _, step := range steps {
			if policy.NodeDenied(step.Node) {
				err = fmt.Errorf("%w: %s", ErrPolicyDenied, step.Node)
				break
			}
		}
	}
	if err != nil {
		proposal.Status = datatypes.StatusFailed
		if storeErr := p.store.Update(proposal); storeErr != nil {
			slog.Error("Failed to store execution block",
				"proposal_id", proposal.ID,
				"error", storeErr,
			)
		}
		p.countProposal("failed")
		p.sink.Emit(audit.Record{
			Event:      audit.EventExecutionFinished,
			ProposalID: proposal.ID,
			Detail:     "execution blocked: " + err.Error(),
		})
		return nil, err
	}

	// Persist the approval before any remote call so a crash mid-execution
	// does not lose the approval chain.
	if err := p.store.Update(proposal); err != nil {
		return nil, fmt.Errorf("failed to store approval: %w", err)
	}

	p.sink.Emit(audit.Record{
		Event:      audit.EventExecutionStarted,
		ProposalID: proposal.ID,
		Actor:      approver,
	})

	results, execErr := p.exec.Run(ctx, steps)
	for _, result := range results {
		p.sink.Emit(audit.Record{
			Event:      audit.EventStepResult,
			ProposalID: proposal.ID,
			Action:     result.Action,
			Node:       result.Node,
			VMID:       result.VMID,
			Detail:     result.Status,
		})
	}

	proposal.Results = results
	if execErr != nil {
		proposal.Status = datatypes.StatusFailed
	} else {
		proposal.Status = datatypes.StatusCompleted
	}
	if err := p.store.Update(proposal); err != nil {
		return nil, fmt.Errorf("failed to store execution results: %w", err)
	}

	outcome := "completed"
	message := ""
	if execErr != nil {
		outcome = "failed"
		message = execErr.Error()
	}
	p.countProposal(outcome)
	p.sink.Emit(audit.Record{
		Event:      audit.EventExecutionFinished,
		ProposalID: proposal.ID,
		Detail:     fmt.Sprintf("status=%s steps_run=%d", proposal.Status, len(results)),
	})
	p.notifier.Send(notify.Event{
		Kind:       notify.KindExecutionDone,
		ProposalID: proposal.ID,
		Actor:      approver,
		Status:     string(proposal.Status),
	})

	return &datatypes.ConfirmResponse{
		ID:      proposal.ID,
		Status:  proposal.Status,
		Results: results,
		Message: message,
	}, nil
}

// rehydrateSteps restores any redaction placeholders in the stored plan.
// The whole plan goes through one Rehydrate call, so the mapping's single
// use covers summary and steps together.
func (p *Pipeline) rehydrateSteps(proposal *datatypes.Proposal) ([]datatypes.Step, error) {
	encoded, err := json.Marshal(proposal.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}

	restored, err := p.redactor.Rehydrate(string(encoded), proposal.ID)
	if err != nil {
		return nil, err
	}

	var steps []datatypes.Step
	if err := json.Unmarshal([]byte(restored), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode rehydrated steps: %w", err)
	}
	return steps, nil
}

// =============================================================================
// Direct Actions
// =============================================================================

// SubmitAction executes a single pre-approved action guarded by an
// idempotency token.
//
// # Description
//
// The token is reserved atomically before execution. A replayed token is
// rejected with ErrDuplicateRequest and nothing runs; tokens are reserved
// even when the action later fails, so a retry needs a fresh token.
//
// # Inputs
//
//   - ctx: Request context, passed through to the executor.
//   - req: Validated ActionRequest.
//   - submittedBy: Authenticated identity of the submitter.
//
// # Outputs
//
//   - *datatypes.ActionResponse: The step result, success or fail.
//   - error: ErrDuplicateRequest, executor errors, or a ledger error.
func (p *Pipeline) SubmitAction(ctx context.Context, req *datatypes.ActionRequest, submittedBy string) (*datatypes.ActionResponse, error) {
	entry := idempotency.Entry{
		Token:       req.IdempotencyToken,
		Action:      req.Action,
		Node:        req.Node,
		VMID:        req.VMID,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now().UTC(),
	}
	fresh, err := p.ledger.CheckAndReserve(req.IdempotencyToken, entry)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !fresh {
		p.countDuplicate()
		p.sink.Emit(audit.Record{
			Event:  audit.EventDuplicateRejected,
			Actor:  submittedBy,
			Action: req.Action,
			Node:   req.Node,
			VMID:   req.VMID,
		})
		return nil, ErrDuplicateRequest
	}

	results, execErr := p.exec.Run(ctx, []datatypes.Step{req.Step()})
	if len(results) == 0 {
		return nil, fmt.Errorf("executor returned no result: %w", execErr)
	}
	result := results[0]

	p.sink.Emit(audit.Record{
		Event:  audit.EventDirectAction,
		Actor:  submittedBy,
		Action: result.Action,
		Node:   result.Node,
		VMID:   result.VMID,
		Detail: result.Status,
	})

	return &datatypes.ActionResponse{
		Result:    result,
		Timestamp: time.Now().UTC(),
	}, execErr
}

// GetProposal returns the stored proposal by ID.
func (p *Pipeline) GetProposal(id string) (*datatypes.Proposal, error) {
	return p.store.Get(id)
}

// =============================================================================
// Metrics helpers
// =============================================================================

func (p *Pipeline) countProposal(outcome string) {
	if p.metrics != nil {
		p.metrics.ProposalsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countPlanRejected() {
	if p.metrics != nil {
		p.metrics.PlanRejectedTotal.Inc()
	}
}

func (p *Pipeline) countDuplicate() {
	if p.metrics != nil {
		p.metrics.DuplicatesTotal.Inc()
	}
}
