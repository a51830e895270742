// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millsaustin/argus/config"
	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/executor"
	"github.com/millsaustin/argus/idempotency"
	"github.com/millsaustin/argus/llm"
	"github.com/millsaustin/argus/locks"
	"github.com/millsaustin/argus/proposals"
	"github.com/millsaustin/argus/redaction"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeLLM returns a scripted response or error.
type fakeLLM struct {
	response   string
	err        error
	lastPrompt string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// fakeCluster records calls and optionally fails specific targets.
type fakeCluster struct {
	mu       sync.Mutex
	calls    []string
	failKeys map[string]bool
}

func (f *fakeCluster) Call(ctx context.Context, action, node string, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%d", action, node, vmid)
	f.calls = append(f.calls, key)
	if f.failKeys[key] {
		return "", errors.New("simulated API failure")
	}
	return "UPID:ok", nil
}

func (f *fakeCluster) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCluster) callKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

const validPlan = `{"summary": "Restart the web tier", "steps": [
	{"action": "stop", "node": "pve1", "vmid": 101},
	{"action": "start", "node": "pve1", "vmid": 101}
]}`

const nonDestructivePlan = `{"summary": "Start the standby VM", "steps": [
	{"action": "start", "node": "pve2", "vmid": 200}
]}`

type testDeps struct {
	pipe     *Pipeline
	llm      *fakeLLM
	cluster  *fakeCluster
	store    proposals.Store
	redactor *redaction.Store
}

func newTestPipeline(t *testing.T, dualControl bool) *testDeps {
	t.Helper()
	fllm := &fakeLLM{response: validPlan}
	cluster := &fakeCluster{failKeys: map[string]bool{}}
	store := proposals.NewMemoryStore()
	redactor := redaction.NewStore(15 * time.Minute)
	exec := executor.New(cluster, locks.NewTable(), 5*time.Second)

	pipe := New(Options{
		LLMClient:   fllm,
		Redactor:    redactor,
		Store:       store,
		Executor:    exec,
		Ledger:      idempotency.NewMemoryLedger(),
		Policy:      StaticPolicy(config.Policy{DualControl: dualControl}),
		PlanTimeout: 5 * time.Second,
	})
	return &testDeps{pipe: pipe, llm: fllm, cluster: cluster, store: store, redactor: redactor}
}

func propose(t *testing.T, deps *testDeps) *datatypes.Proposal {
	t.Helper()
	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt: "restart the web tier on pve1",
	}, "alice")
	require.NoError(t, err)
	return resp.Proposal
}

// =============================================================================
// Propose Tests
// =============================================================================

func TestPropose_StoresValidatedPlan(t *testing.T) {
	deps := newTestPipeline(t, true)

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt: "restart the web tier",
	}, "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Proposal.ID)
	assert.Equal(t, datatypes.StatusPending, resp.Proposal.Status)
	assert.True(t, resp.Proposal.Destructive, "stop step must flag the proposal destructive")
	assert.Equal(t, "alice", resp.Proposal.CreatedBy)

	stored, err := deps.store.Get(resp.Proposal.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 2)
}

func TestPropose_SanitizesPromptBeforeGeneration(t *testing.T) {
	deps := newTestPipeline(t, true)

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt:         "restart web01, admin key sk-abcdef1234567890abcdef",
		ClusterContext: "admin contact ops@example.com",
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, resp.RedactionCount)
	assert.NotContains(t, deps.llm.lastPrompt, "sk-abcdef1234567890abcdef",
		"raw secret must never reach the generation backend")
	assert.NotContains(t, deps.llm.lastPrompt, "ops@example.com")
	assert.Contains(t, deps.llm.lastPrompt, "[REDACTED_API_KEY_1]")
}

func TestPropose_GenerationFailure(t *testing.T) {
	deps := newTestPipeline(t, true)
	deps.llm.err = errors.New("backend unreachable")

	_, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{Prompt: "hello"}, "alice")
	assert.True(t, errors.Is(err, ErrPlanGeneration))
}

func TestPropose_SchemaRejection(t *testing.T) {
	for name, output := range map[string]string{
		"not json":        "sure, I'll restart the VM for you!",
		"empty steps":     `{"summary": "nothing to do", "steps": []}`,
		"unknown action":  `{"summary": "x", "steps": [{"action": "destroy", "node": "pve1", "vmid": 101}]}`,
		"low vmid":        `{"summary": "x", "steps": [{"action": "start", "node": "pve1", "vmid": 7}]}`,
		"too many steps":  tooManySteps(),
		"missing summary": `{"steps": [{"action": "start", "node": "pve1", "vmid": 101}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			deps := newTestPipeline(t, true)
			deps.llm.response = output

			_, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{Prompt: "do things"}, "alice")
			assert.True(t, errors.Is(err, ErrSchemaValidation), "got: %v", err)
		})
	}
}

func tooManySteps() string {
	out := `{"summary": "x", "steps": [`
	for i := 0; i < 9; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"action": "start", "node": "pve1", "vmid": %d}`, 100+i)
	}
	return out + `]}`
}

func TestPropose_MarkdownFencedPlanAccepted(t *testing.T) {
	deps := newTestPipeline(t, true)
	deps.llm.response = "```json\n" + nonDestructivePlan + "\n```"

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{Prompt: "start standby"}, "alice")
	require.NoError(t, err)
	assert.Len(t, resp.Proposal.Steps, 1)
}

func TestPropose_PolicyDeniedNode(t *testing.T) {
	deps := newTestPipeline(t, true)
	deps.pipe.policy = StaticPolicy(config.Policy{DualControl: true, DeniedNodes: []string{"pve1"}})

	_, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{Prompt: "restart"}, "alice")
	assert.True(t, errors.Is(err, ErrPolicyDenied))
}

func TestPropose_DuplicateIDKeepsWinnersRedactions(t *testing.T) {
	deps := newTestPipeline(t, false)
	deps.llm.response = redactedStopPlan
	const id = "0b7f6a9e-4f0f-4ac4-9d2e-2f37a9d2c101"

	_, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt:     "stop vmid 101 on the node at 10.0.0.5",
		ProposalID: id,
	}, "alice")
	require.NoError(t, err)

	_, err = deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt:     "stop vmid 101 on the node at 10.0.0.5",
		ProposalID: id,
	}, "alice")
	assert.True(t, errors.Is(err, proposals.ErrAlreadyExists))

	// The collision must not strip the first proposal of its mapping.
	resp, err := deps.pipe.Confirm(context.Background(), id, datatypes.DecisionApprove, "bob")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, resp.Status)
	assert.Equal(t, []string{"stop/10.0.0.5/101"}, deps.cluster.callKeys())
}

// =============================================================================
// Confirm Tests
// =============================================================================

func TestConfirm_Deny(t *testing.T) {
	deps := newTestPipeline(t, true)
	proposal := propose(t, deps)

	resp, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionDeny, "bob")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusDenied, resp.Status)
	assert.Equal(t, 0, deps.cluster.callCount(), "denied proposal must never execute")
}

func TestConfirm_DualControlFlow(t *testing.T) {
	deps := newTestPipeline(t, true)
	proposal := propose(t, deps)

	resp, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPendingSecondApproval, resp.Status)
	assert.Equal(t, 0, deps.cluster.callCount())

	_, err = deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	assert.True(t, errors.Is(err, proposals.ErrAlreadyApproved))

	resp, err = deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "bob")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, resp.Status)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 2, deps.cluster.callCount())
}

func TestConfirm_NonDestructiveSingleApproval(t *testing.T) {
	deps := newTestPipeline(t, true)
	deps.llm.response = nonDestructivePlan
	proposal := propose(t, deps)

	resp, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, resp.Status)
}

func TestConfirm_DualControlOff(t *testing.T) {
	deps := newTestPipeline(t, false)
	proposal := propose(t, deps)

	resp, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, resp.Status)
}

func TestConfirm_ExecutionFailureRecordsPartialResults(t *testing.T) {
	deps := newTestPipeline(t, false)
	// First step (stop) fails on every attempt, start never runs.
	deps.cluster.failKeys["stop/pve1/101"] = true
	proposal := propose(t, deps)

	resp, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, resp.Status)
	require.Len(t, resp.Results, 1, "only the failing step produces a result")
	assert.Equal(t, datatypes.StepStatusFail, resp.Results[0].Status)
	assert.NotEmpty(t, resp.Message)

	stored, err := deps.store.Get(proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, stored.Status)
	assert.Len(t, stored.Results, 1)
}

func TestConfirm_TerminalProposalRejected(t *testing.T) {
	deps := newTestPipeline(t, false)
	proposal := propose(t, deps)

	_, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)

	_, err = deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "bob")
	assert.True(t, errors.Is(err, proposals.ErrAlreadyExecuted))
	assert.Equal(t, 2, deps.cluster.callCount(), "re-confirmation must not re-execute")
}

func TestConfirm_DeniedProposalRejected(t *testing.T) {
	deps := newTestPipeline(t, true)
	proposal := propose(t, deps)

	_, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionDeny, "alice")
	require.NoError(t, err)

	_, err = deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, "bob")
	assert.True(t, errors.Is(err, proposals.ErrAlreadyDenied))
	assert.Equal(t, 0, deps.cluster.callCount())
}

// redactedStopPlan targets the placeholder the sanitizer issues for the
// first IPv4 address in the operator's prompt.
const redactedStopPlan = `{"summary": "Stop the VM at the requested address", "steps": [
	{"action": "stop", "node": "[REDACTED_IPV4_1]", "vmid": 101}
]}`

func TestConfirm_RehydratesRedactedNodeTarget(t *testing.T) {
	deps := newTestPipeline(t, false)
	deps.llm.response = redactedStopPlan

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt: "stop vmid 101 on the node at 10.0.0.5",
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED_IPV4_1]", resp.Proposal.Steps[0].Node,
		"stored proposal must carry the placeholder, not the live address")

	confirm, err := deps.pipe.Confirm(context.Background(), resp.Proposal.ID, datatypes.DecisionApprove, "bob")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, confirm.Status)
	assert.Equal(t, []string{"stop/10.0.0.5/101"}, deps.cluster.callKeys(),
		"execution must see the rehydrated address")
}

func TestConfirm_UnresolvedPlaceholderFailsProposal(t *testing.T) {
	deps := newTestPipeline(t, false)
	// The model invents a placeholder the mapping never issued.
	deps.llm.response = `{"summary": "Stop the VM", "steps": [
		{"action": "stop", "node": "[REDACTED_IPV4_2]", "vmid": 101}
	]}`

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt: "stop vmid 101 on the node at 10.0.0.5",
	}, "alice")
	require.NoError(t, err)

	_, err = deps.pipe.Confirm(context.Background(), resp.Proposal.ID, datatypes.DecisionApprove, "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, redaction.ErrUnresolvedPlaceholder))
	assert.Equal(t, 0, deps.cluster.callCount(), "nothing may execute with a dangling placeholder")

	stored, err := deps.store.Get(resp.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, stored.Status)
}

func TestConfirm_RehydratedDeniedNodeBlocked(t *testing.T) {
	deps := newTestPipeline(t, false)
	deps.llm.response = redactedStopPlan
	deps.pipe.policy = StaticPolicy(config.Policy{DeniedNodes: []string{"10.0.0.5"}})

	resp, err := deps.pipe.Propose(context.Background(), &datatypes.ProposalRequest{
		Prompt: "stop vmid 101 on the node at 10.0.0.5",
	}, "alice")
	require.NoError(t, err, "the placeholder hides the denied node at creation time")

	_, err = deps.pipe.Confirm(context.Background(), resp.Proposal.ID, datatypes.DecisionApprove, "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyDenied))
	assert.Equal(t, 0, deps.cluster.callCount())

	stored, err := deps.store.Get(resp.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, stored.Status)
}

func TestConfirm_UnknownProposal(t *testing.T) {
	deps := newTestPipeline(t, true)

	_, err := deps.pipe.Confirm(context.Background(), "missing", datatypes.DecisionApprove, "alice")
	assert.True(t, errors.Is(err, proposals.ErrNotFound))
}

func TestConfirm_ConcurrentApprovalsExecuteOnce(t *testing.T) {
	deps := newTestPipeline(t, false)
	proposal := propose(t, deps)

	const racers = 16
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			approver := fmt.Sprintf("op-%d", n)
			if _, err := deps.pipe.Confirm(context.Background(), proposal.ID, datatypes.DecisionApprove, approver); err == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one confirmation may trigger execution")
	assert.Equal(t, 2, deps.cluster.callCount(), "plan steps must run exactly once")
}

func TestConfirm_TerminalProposalReleasesSerializationEntry(t *testing.T) {
	deps := newTestPipeline(t, false)

	countEntries := func() int {
		n := 0
		deps.pipe.confirmMu.Range(func(_, _ any) bool {
			n++
			return true
		})
		return n
	}

	executed := propose(t, deps)
	_, err := deps.pipe.Confirm(context.Background(), executed.ID, datatypes.DecisionApprove, "alice")
	require.NoError(t, err)

	denied := propose(t, deps)
	_, err = deps.pipe.Confirm(context.Background(), denied.ID, datatypes.DecisionDeny, "bob")
	require.NoError(t, err)

	assert.Equal(t, 0, countEntries(), "terminal proposals must not pin serialization state")

	// A pending proposal keeps its entry until it reaches a terminal state.
	pending := propose(t, deps)
	deps.pipe.policy = StaticPolicy(config.Policy{DualControl: true})
	_, err = deps.pipe.Confirm(context.Background(), pending.ID, datatypes.DecisionApprove, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries())
}

// =============================================================================
// Direct Action Tests
// =============================================================================

func TestSubmitAction_Executes(t *testing.T) {
	deps := newTestPipeline(t, true)

	resp, err := deps.pipe.SubmitAction(context.Background(), &datatypes.ActionRequest{
		IdempotencyToken: "tok-11111111",
		Action:           "start",
		Node:             "pve1",
		VMID:             150,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepStatusSuccess, resp.Result.Status)
	assert.Equal(t, 1, deps.cluster.callCount())
}

func TestSubmitAction_DuplicateTokenRejected(t *testing.T) {
	deps := newTestPipeline(t, true)
	req := &datatypes.ActionRequest{
		IdempotencyToken: "tok-22222222",
		Action:           "reboot",
		Node:             "pve1",
		VMID:             150,
	}

	_, err := deps.pipe.SubmitAction(context.Background(), req, "alice")
	require.NoError(t, err)

	_, err = deps.pipe.SubmitAction(context.Background(), req, "alice")
	assert.True(t, errors.Is(err, ErrDuplicateRequest))
	assert.Equal(t, 1, deps.cluster.callCount(), "duplicate must not re-execute")
}

func TestSubmitAction_FailureStillReservesToken(t *testing.T) {
	deps := newTestPipeline(t, true)
	deps.cluster.failKeys["stop/pve1/150"] = true
	req := &datatypes.ActionRequest{
		IdempotencyToken: "tok-33333333",
		Action:           "stop",
		Node:             "pve1",
		VMID:             150,
	}

	resp, err := deps.pipe.SubmitAction(context.Background(), req, "alice")
	require.Error(t, err)
	assert.Equal(t, datatypes.StepStatusFail, resp.Result.Status)

	_, err = deps.pipe.SubmitAction(context.Background(), req, "alice")
	assert.True(t, errors.Is(err, ErrDuplicateRequest),
		"a failed submission keeps its token; retries need a fresh one")
}
