// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package enginetest provides a scriptable in-memory adapter used by the
// test suite. It honors context cancellation and records every call so
// tests can assert on attempt counts and ordering.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// ExecuteFunc is invoked for each ExecuteWorkflow attempt. attempt starts
// at 1 and counts every call, including retries.
type ExecuteFunc func(ctx context.Context, attempt int, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error)

// Adapter is a scriptable fake engine adapter.
type Adapter struct {
	Engine engine.Type

	// Latency delays every ExecuteWorkflow call before OnExecute runs.
	// The delay is interrupted by context cancellation.
	Latency time.Duration

	// CancelDelay simulates how long the remote engine takes to observe
	// cancellation once the context is done.
	CancelDelay time.Duration

	// OnExecute overrides the default COMPLETED result. Optional.
	OnExecute ExecuteFunc

	// OnValidate overrides the default "valid" validation result. Optional.
	OnValidate func(wf *engine.WorkflowDefinition) (*engine.ValidationResult, error)

	// Connected controls TestConnection. Defaults to true via NewAdapter.
	Connected atomic.Bool

	attempts atomic.Int64

	mu      sync.Mutex
	results map[string]*engine.Result
	logs    map[string][]engine.LogEntry
}

// NewAdapter creates a connected fake adapter for the given engine type.
func NewAdapter(t engine.Type) *Adapter {
	a := &Adapter{
		Engine:  t,
		results: make(map[string]*engine.Result),
		logs:    make(map[string][]engine.LogEntry),
	}
	a.Connected.Store(true)
	return a
}

// Attempts returns the total number of ExecuteWorkflow calls observed.
func (a *Adapter) Attempts() int {
	return int(a.attempts.Load())
}

// EngineType implements engine.Adapter.
func (a *Adapter) EngineType() engine.Type { return a.Engine }

// ValidateWorkflow implements engine.Adapter.
func (a *Adapter) ValidateWorkflow(wf *engine.WorkflowDefinition) (*engine.ValidationResult, error) {
	if a.OnValidate != nil {
		return a.OnValidate(wf)
	}
	return &engine.ValidationResult{Valid: true}, nil
}

// ExecuteWorkflow implements engine.Adapter. Cancellation is honored during
// the latency window; a cancelled call unwinds after CancelDelay and
// returns a CANCELLED result.
func (a *Adapter) ExecuteWorkflow(ctx context.Context, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error) {
	attempt := int(a.attempts.Add(1))
	started := time.Now()

	if a.Latency > 0 {
		timer := time.NewTimer(a.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return a.cancelled(wf.ID, started), nil
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return a.cancelled(wf.ID, started), nil
	}

	var res *engine.Result
	var err error
	if a.OnExecute != nil {
		res, err = a.OnExecute(ctx, attempt, wf, params)
	} else {
		res = &engine.Result{
			ExecutionID: wf.ID,
			State:       engine.StateCompleted,
			Output:      map[string]any{"ok": true},
		}
	}
	if err != nil {
		return nil, err
	}

	if res.ExecutionID == "" {
		res.ExecutionID = wf.ID
	}
	if res.StartedAt.IsZero() {
		res.StartedAt = started
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	res.Metrics.Duration = res.FinishedAt.Sub(res.StartedAt)

	a.mu.Lock()
	a.results[res.ExecutionID] = res
	a.mu.Unlock()
	return res, nil
}

func (a *Adapter) cancelled(id string, started time.Time) *engine.Result {
	if a.CancelDelay > 0 {
		time.Sleep(a.CancelDelay)
	}
	res := &engine.Result{
		ExecutionID: id,
		State:       engine.StateCancelled,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
	a.mu.Lock()
	a.results[id] = res
	a.mu.Unlock()
	return res
}

// GetExecutionStatus implements engine.Adapter.
func (a *Adapter) GetExecutionStatus(ctx context.Context, executionID string) (*engine.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.results[executionID]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "execution not found: %s", executionID)
	}
	return res, nil
}

// AddLog appends a log entry for an execution, keeping timestamp order.
func (a *Adapter) AddLog(executionID string, entry engine.LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs[executionID] = append(a.logs[executionID], entry)
}

// GetExecutionLogs implements engine.Adapter.
func (a *Adapter) GetExecutionLogs(ctx context.Context, executionID string) ([]engine.LogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.logs[executionID]
	out := make([]engine.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// CancelExecution implements engine.Adapter. Idempotent.
func (a *Adapter) CancelExecution(ctx context.Context, executionID string) (*engine.CancelResult, error) {
	return &engine.CancelResult{Success: true, Message: "cancellation requested"}, nil
}

// TestConnection implements engine.Adapter.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.Connected.Load()
}

// GetCapabilities implements engine.Adapter.
func (a *Adapter) GetCapabilities() *engine.Capabilities {
	return &engine.Capabilities{
		Version:                 "test",
		SupportedFeatures:       []string{"execute", "cancel", "logs"},
		MaxConcurrentExecutions: 64,
	}
}

// FailTimes returns an ExecuteFunc that fails the first n attempts with the
// given kind, then succeeds with {"ok": true}.
func FailTimes(n int, kind errors.Kind) ExecuteFunc {
	return func(ctx context.Context, attempt int, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error) {
		if attempt <= n {
			return nil, errors.Newf(kind, "scripted failure %d/%d", attempt, n)
		}
		return &engine.Result{
			ExecutionID: wf.ID,
			State:       engine.StateCompleted,
			Output:      map[string]any{"ok": true},
		}, nil
	}
}

// AlwaysFail returns an ExecuteFunc that fails every attempt with the given
// kind.
func AlwaysFail(kind errors.Kind) ExecuteFunc {
	return func(ctx context.Context, attempt int, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error) {
		return nil, errors.Newf(kind, "scripted failure on attempt %d", attempt)
	}
}

// BlockUntilCancelled returns an ExecuteFunc that never completes on its
// own; it unwinds with a CANCELLED result shortly after ctx is done.
func BlockUntilCancelled(unwindDelay time.Duration) ExecuteFunc {
	return func(ctx context.Context, attempt int, wf *engine.WorkflowDefinition, params engine.Parameters) (*engine.Result, error) {
		<-ctx.Done()
		if unwindDelay > 0 {
			time.Sleep(unwindDelay)
		}
		return &engine.Result{
			ExecutionID: wf.ID,
			State:       engine.StateCancelled,
		}, nil
	}
}

var _ engine.Adapter = (*Adapter)(nil)
