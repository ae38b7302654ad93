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

package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/maestrod/maestro/pkg/errors"
)

// stubAdapter is the minimal Adapter used by registry tests.
type stubAdapter struct {
	engine Type
}

func (s *stubAdapter) EngineType() Type { return s.engine }

func (s *stubAdapter) ValidateWorkflow(wf *WorkflowDefinition) (*ValidationResult, error) {
	return &ValidationResult{Valid: true}, nil
}

func (s *stubAdapter) ExecuteWorkflow(ctx context.Context, wf *WorkflowDefinition, params Parameters) (*Result, error) {
	return &Result{ExecutionID: wf.ID, State: StateCompleted}, nil
}

func (s *stubAdapter) GetExecutionStatus(ctx context.Context, executionID string) (*Result, error) {
	return nil, errors.Newf(errors.KindNotFound, "execution not found: %s", executionID)
}

func (s *stubAdapter) GetExecutionLogs(ctx context.Context, executionID string) ([]LogEntry, error) {
	return nil, nil
}

func (s *stubAdapter) CancelExecution(ctx context.Context, executionID string) (*CancelResult, error) {
	return &CancelResult{Success: true}, nil
}

func (s *stubAdapter) TestConnection(ctx context.Context) bool { return true }

func (s *stubAdapter) GetCapabilities() *Capabilities { return &Capabilities{Version: "stub"} }

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateRunning} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	valid := &WorkflowDefinition{Name: "deploy", Engine: TypeN8N, Definition: map[string]any{}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}

	tests := []struct {
		name string
		wf   *WorkflowDefinition
	}{
		{"nil", nil},
		{"empty name", &WorkflowDefinition{Engine: TypeN8N}},
		{"long name", &WorkflowDefinition{Name: strings.Repeat("x", 256), Engine: TypeN8N}},
		{"no engine", &WorkflowDefinition{Name: "deploy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wf.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.HasKind(err, errors.KindValidationFailed) {
				t.Errorf("expected VALIDATION_FAILED, got %v", err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get(TypeN8N); !errors.HasKind(err, errors.KindNoAdapterRegistered) {
		t.Errorf("expected NO_ADAPTER_REGISTERED, got %v", err)
	}

	a := &stubAdapter{engine: TypeN8N}
	if err := r.Register(a); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&stubAdapter{engine: TypeN8N}); err == nil {
		t.Error("duplicate registration must fail")
	}

	got, err := r.Get(TypeN8N)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != Adapter(a) {
		t.Error("got a different adapter back")
	}

	r.Register(&stubAdapter{engine: TypeAirflow})
	types := r.Types()
	if len(types) != 2 || types[0] != TypeAirflow || types[1] != TypeN8N {
		t.Errorf("unexpected types: %v", types)
	}

	r.Unregister(TypeN8N)
	if r.Len() != 1 {
		t.Errorf("expected 1 adapter after unregister, got %d", r.Len())
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Error("nil adapter must be rejected")
	}
	if err := r.Register(&stubAdapter{engine: ""}); err == nil {
		t.Error("empty engine type must be rejected")
	}
}

func TestConvert_Unsupported(t *testing.T) {
	a := &stubAdapter{engine: TypeTemporal}
	wf := &WorkflowDefinition{Name: "wf", Engine: TypeN8N}
	_, err := Convert(t.Context(), a, wf, TypeN8N)
	if !errors.HasKind(err, errors.KindUnsupportedConversion) {
		t.Errorf("expected UNSUPPORTED_CONVERSION, got %v", err)
	}
}
