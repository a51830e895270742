// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs approved proposal steps against the remote action
// API. Each step executes under a per-resource lock, a per-attempt timeout
// and a bounded retry. Execution is fail-fast with no rollback: power state
// changes have no generic inverse, so partial completion is surfaced
// explicitly rather than papered over.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/millsaustin/argus/datatypes"
	"github.com/millsaustin/argus/locks"
	"github.com/millsaustin/argus/proxmox"
	"github.com/millsaustin/argus/redaction"
)

// =============================================================================
// Errors
// =============================================================================

// ErrInvalidStep marks a malformed step: action outside the allow-list,
// empty or still-placeholder node, or an out-of-range vmid. Never retried.
var ErrInvalidStep = errors.New("invalid step")

// ErrResourceLocked marks lock contention on the step's (node, vmid)
// target. Never retried; the caller may resubmit later.
var ErrResourceLocked = errors.New("resource is locked")

// ErrRemoteCallFailed wraps the remote API error after the retry budget is
// exhausted. Timeouts are folded in here: a timed-out attempt counts as a
// failure for retry purposes, not as a distinct error class.
var ErrRemoteCallFailed = errors.New("remote call failed")

// StepError embeds the failing step's index and the underlying reason.
type StepError struct {
	Index  int
	Reason error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Index, e.Reason)
}

func (e *StepError) Unwrap() error {
	return e.Reason
}

// =============================================================================
// Executor
// =============================================================================

// DefaultStepTimeout bounds one remote attempt when the step carries no
// override.
const DefaultStepTimeout = 30 * time.Second

// maxAttempts is the fixed retry budget per step: one attempt plus exactly
// one retry.
const maxAttempts = 2

// Executor runs ordered step lists.
//
// # Description
//
// For each step, in order: validate against the allow-list, acquire the
// resource lock (non-blocking; contention fails the run), execute the
// remote call with a per-attempt deadline and one retry, release the lock
// unconditionally, and append a StepResult. The first failing step stops
// the run; steps after it are never attempted. Partial results are always
// returned alongside the error.
//
// # Thread Safety
//
// Safe for concurrent use. Serialization happens per resource through the
// lock table, never globally.
type Executor struct {
	client         proxmox.ActionClient
	locks          *locks.Table
	defaultTimeout time.Duration

	// Observer, when non-nil, is called after every executed step with
	// the action, the result status and the wall time of the attempt(s).
	// Used for metrics. Must not block.
	Observer func(action, status string, elapsed time.Duration)
}

// New creates an executor.
//
// # Inputs
//
//   - client: Remote action API. Must not be nil.
//   - table: Shared lock table. Must not be nil; sharing one table across
//     the proposal and direct-action paths is what makes cross-path
//     conflicts visible.
//   - defaultTimeout: Per-attempt deadline for steps without an override.
//     Zero or negative selects DefaultStepTimeout.
func New(client proxmox.ActionClient, table *locks.Table, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	return &Executor{
		client:         client,
		locks:          table,
		defaultTimeout: defaultTimeout,
	}
}

// Run executes steps strictly in order, failing fast on the first error.
//
// # Outputs
//
//   - []datatypes.StepResult: One result per attempted step, including a
//     fail result for the step that stopped the run. Never longer than
//     steps.
//   - error: Nil when every step succeeded; otherwise a *StepError whose
//     Reason wraps ErrInvalidStep, ErrResourceLocked or
//     ErrRemoteCallFailed.
func (e *Executor) Run(ctx context.Context, steps []datatypes.Step) ([]datatypes.StepResult, error) {
	results := make([]datatypes.StepResult, 0, len(steps))

	for i, step := range steps {
		output, err := e.runStep(ctx, step)

		result := datatypes.StepResult{
			Index:  i,
			Action: step.Action,
			Node:   step.Node,
			VMID:   step.VMID,
		}
		if err != nil {
			result.Status = datatypes.StepStatusFail
			result.Error = err.Error()
			results = append(results, result)
			slog.Error("Step execution failed, aborting run",
				"index", i,
				"action", step.Action,
				"node", step.Node,
				"vmid", step.VMID,
				"error", err,
			)
			return results, &StepError{Index: i, Reason: err}
		}

		result.Status = datatypes.StepStatusSuccess
		result.Output = output
		results = append(results, result)
		slog.Info("Step executed",
			"index", i,
			"action", step.Action,
			"node", step.Node,
			"vmid", step.VMID,
		)
	}

	return results, nil
}

// runStep validates, locks and executes a single step.
func (e *Executor) runStep(ctx context.Context, step datatypes.Step) (string, error) {
	started := time.Now()
	status := datatypes.StepStatusFail
	defer func() {
		if e.Observer != nil {
			e.Observer(step.Action, status, time.Since(started))
		}
	}()

	if !datatypes.ExecutableActions[step.Action] {
		return "", fmt.Errorf("%w: action %q is not executable", ErrInvalidStep, step.Action)
	}
	// The plan schema admits placeholder-shaped node targets so redacted
	// addresses can be stored; they must be resolved to live values before
	// any remote call.
	if redaction.ContainsPlaceholder(step.Node) {
		return "", fmt.Errorf("%w: node %q is an unresolved placeholder", ErrInvalidStep, step.Node)
	}
	if err := step.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}

	key := locks.Key(step.Node, step.VMID)
	if !e.locks.Acquire(key) {
		return "", fmt.Errorf("%w: %s", ErrResourceLocked, key)
	}
	// Release must run on every exit path, panic included, so a failed
	// attempt can never leak a held lock.
	defer e.locks.Release(key)

	timeout := e.defaultTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.callOnce(ctx, step, timeout)
		if err == nil {
			status = datatypes.StepStatusSuccess
			return output, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			slog.Warn("Step attempt failed, retrying once",
				"action", step.Action,
				"node", step.Node,
				"vmid", step.VMID,
				"attempt", attempt,
				"error", err,
			)
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrRemoteCallFailed, maxAttempts, lastErr)
}

// callOnce issues one remote attempt under its own deadline.
func (e *Executor) callOnce(ctx context.Context, step datatypes.Step, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.client.Call(attemptCtx, step.Action, step.Node, step.VMID)
}
