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

// Package engine defines the adapter contract between the orchestration core
// and remote workflow engines.
//
// The core depends only on this contract; no knowledge of individual engines
// leaks into the core. Adapters are expected to be internally thread-safe:
// the core may call GetExecutionStatus and GetExecutionLogs concurrently
// with an in-flight ExecuteWorkflow for the same execution ID.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/maestrod/maestro/pkg/errors"
)

// Type identifies a family of remote workflow engines. The enumeration is
// closed: each value corresponds to at most one registered adapter in a
// given process.
type Type string

// Known engine types served by the built-in reference adapters.
const (
	TypeN8N      Type = "n8n"
	TypeAirflow  Type = "airflow"
	TypeTemporal Type = "temporal"
)

// State is the lifecycle state of an execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is one of the three terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// maxNameLength bounds workflow definition names.
const maxNameLength = 255

// WorkflowDefinition is an immutable workflow record. The Definition payload
// is opaque to the core; only the owning engine's adapter understands its
// schema.
type WorkflowDefinition struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Engine      Type              `json:"engine" yaml:"engine"`
	Definition  any               `json:"definition" yaml:"definition"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate performs the core-level structural checks that apply to every
// definition regardless of engine. Adapter validation is separate and
// engine-specific.
func (wf *WorkflowDefinition) Validate() error {
	if wf == nil {
		return errors.New(errors.KindValidationFailed, "workflow definition is required")
	}
	if wf.Name == "" {
		return errors.New(errors.KindValidationFailed, "workflow name is required")
	}
	if len(wf.Name) > maxNameLength {
		return errors.Newf(errors.KindValidationFailed, "workflow name exceeds %d characters", maxNameLength)
	}
	if wf.Engine == "" {
		return errors.New(errors.KindValidationFailed, "engine type is required")
	}
	return nil
}

// Parameters is the untyped caller-supplied parameter map. Semantics are
// defined by the target adapter; the core passes it verbatim.
type Parameters map[string]any

// ValidationIssue is a single structured validation error or warning.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult is the outcome of adapter-side workflow validation.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Metrics captures resource usage reported for an execution.
type Metrics struct {
	Duration     time.Duration    `json:"duration"`
	MemoryBytes  int64            `json:"memory_bytes,omitempty"`
	CPUPercent   float64          `json:"cpu_percent,omitempty"`
	NetworkCalls int64            `json:"network_calls,omitempty"`
	Custom       map[string]int64 `json:"custom,omitempty"`
}

// Result is the adapter's view of an execution outcome. ExecuteWorkflow must
// never return a Result in a non-terminal state.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	State       State                  `json:"state"`
	Output      map[string]any         `json:"output,omitempty"`
	Error       *errors.ExecutionError `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	FinishedAt  time.Time              `json:"finished_at,omitempty"`
	Metrics     Metrics                `json:"metrics"`
}

// LogEntry is a single log line from a remote execution. Adapters must
// return logs sorted by timestamp ascending.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
}

// CancelResult reports the outcome of a cancellation request. Success does
// not imply the remote engine has stopped; ExecuteWorkflow must still
// observe the cancellation and unwind.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Capabilities describes what an adapter's engine supports. Callers may
// cache the returned value.
type Capabilities struct {
	Version                 string            `json:"version"`
	SupportedFeatures       []string          `json:"supported_features,omitempty"`
	MaxConcurrentExecutions int               `json:"max_concurrent_executions"`
	SupportedNodeTypes      []string          `json:"supported_node_types,omitempty"`
	CustomProperties        map[string]string `json:"custom_properties,omitempty"`
}

// Adapter mediates between the core and one family of remote workflow
// engines.
//
// Contract guarantees the core relies on:
//   - ExecuteWorkflow blocks until the execution is terminal and never
//     returns a non-terminal state. It polls the remote engine at a cadence
//     of its choosing and honors cancellation via ctx.
//   - CancelExecution is idempotent and best-effort.
//   - ValidateWorkflow never touches remote state.
type Adapter interface {
	// EngineType returns the identifying enum value. Constant.
	EngineType() Type

	// ValidateWorkflow validates a definition without touching remote
	// state. A non-nil error means validation itself could not run, not
	// that the workflow is invalid.
	ValidateWorkflow(wf *WorkflowDefinition) (*ValidationResult, error)

	// ExecuteWorkflow starts the execution and blocks until terminal.
	ExecuteWorkflow(ctx context.Context, wf *WorkflowDefinition, params Parameters) (*Result, error)

	// GetExecutionStatus returns a snapshot of the execution. Safe to call
	// concurrently with ExecuteWorkflow for the same ID.
	GetExecutionStatus(ctx context.Context, executionID string) (*Result, error)

	// GetExecutionLogs returns the execution's logs, sorted by timestamp
	// ascending. The listing is finite and non-restartable.
	GetExecutionLogs(ctx context.Context, executionID string) ([]LogEntry, error)

	// CancelExecution requests cancellation of a remote execution.
	CancelExecution(ctx context.Context, executionID string) (*CancelResult, error)

	// TestConnection is a cheap health probe of the remote engine.
	TestConnection(ctx context.Context) bool

	// GetCapabilities describes the engine behind this adapter.
	GetCapabilities() *Capabilities
}

// Converter is the optional conversion capability. Adapters that cannot
// convert from the given source engine fail with
// errors.KindUnsupportedConversion.
type Converter interface {
	ConvertWorkflow(ctx context.Context, wf *WorkflowDefinition, source Type) (*WorkflowDefinition, error)
}

// Convert converts wf to the target adapter's engine, if the adapter
// declares the capability.
func Convert(ctx context.Context, target Adapter, wf *WorkflowDefinition, source Type) (*WorkflowDefinition, error) {
	conv, ok := target.(Converter)
	if !ok {
		return nil, errors.Newf(errors.KindUnsupportedConversion,
			"adapter %s does not support workflow conversion", target.EngineType())
	}
	return conv.ConvertWorkflow(ctx, wf, source)
}

// String implements fmt.Stringer for log output.
func (t Type) String() string { return string(t) }

var _ fmt.Stringer = Type("")
