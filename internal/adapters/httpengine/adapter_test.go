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

package httpengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// fakeEngine is an httptest-backed remote engine.
type fakeEngine struct {
	mux *http.ServeMux
	srv *httptest.Server

	polls     atomic.Int32
	cancelled atomic.Int32
	authSeen  atomic.Value

	// statuses is returned in order on successive polls; the last repeats.
	statuses []executionEnvelope
}

func newFakeEngine(t *testing.T, statuses ...executionEnvelope) *fakeEngine {
	t.Helper()
	f := &fakeEngine{mux: http.NewServeMux(), statuses: statuses}

	f.mux.HandleFunc("POST /executions", func(w http.ResponseWriter, r *http.Request) {
		f.authSeen.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(executionEnvelope{ID: "remote-1", Status: "pending"})
	})
	f.mux.HandleFunc("GET /executions/remote-1", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.polls.Add(1)) - 1
		if n >= len(f.statuses) {
			n = len(f.statuses) - 1
		}
		json.NewEncoder(w).Encode(f.statuses[n])
	})
	f.mux.HandleFunc("POST /executions/remote-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := New(Config{
		Engine:       engine.TypeN8N,
		BaseURL:      baseURL,
		Token:        "secret-token",
		PollInterval: time.Millisecond,
		PollBurst:    1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func wf() *engine.WorkflowDefinition {
	return &engine.WorkflowDefinition{
		ID:         "wf-1",
		Name:       "report",
		Engine:     engine.TypeN8N,
		Definition: map[string]any{"nodes": []any{}},
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://x"}, nil); err == nil {
		t.Error("expected error without an engine type")
	}
	if _, err := New(Config{Engine: engine.TypeN8N}, nil); err == nil {
		t.Error("expected error without a base URL")
	}
}

func TestAdapter_ValidateWorkflow(t *testing.T) {
	a := newAdapter(t, "http://unused")

	res, err := a.ValidateWorkflow(wf())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || len(res.Errors) != 0 {
		t.Errorf("valid workflow rejected: %+v", res)
	}

	res, _ = a.ValidateWorkflow(nil)
	if res.Valid {
		t.Error("nil workflow accepted")
	}

	mismatched := wf()
	mismatched.Engine = engine.TypeAirflow
	res, _ = a.ValidateWorkflow(mismatched)
	if res.Valid {
		t.Fatal("engine mismatch accepted")
	}
	found := false
	for _, issue := range res.Errors {
		if issue.Code == "engine_mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected engine_mismatch issue: %+v", res.Errors)
	}

	bare := wf()
	bare.Definition = nil
	res, _ = a.ValidateWorkflow(bare)
	if !res.Valid {
		t.Errorf("empty definition must be a warning, not an error: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected an empty-definition warning")
	}
}

func TestAdapter_ExecuteToCompletion(t *testing.T) {
	f := newFakeEngine(t,
		executionEnvelope{ID: "remote-1", Status: "running"},
		executionEnvelope{ID: "remote-1", Status: "running"},
		executionEnvelope{ID: "remote-1", Status: "completed", Output: map[string]any{"rows": float64(42)}},
	)
	a := newAdapter(t, f.srv.URL)

	res, err := a.ExecuteWorkflow(context.Background(), wf(), engine.Parameters{"env": "prod"})
	if err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if res.State != engine.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.State)
	}
	if res.ExecutionID != "remote-1" {
		t.Errorf("remote execution id lost: %s", res.ExecutionID)
	}
	if res.Output["rows"] != float64(42) {
		t.Errorf("output lost: %v", res.Output)
	}
	if f.polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", f.polls.Load())
	}
	if f.authSeen.Load() != "Bearer secret-token" {
		t.Errorf("bearer token not sent: %v", f.authSeen.Load())
	}
	if res.Metrics.Duration <= 0 {
		t.Error("duration must be measured")
	}
}

func TestAdapter_ExecuteRemoteFailure(t *testing.T) {
	f := newFakeEngine(t,
		executionEnvelope{ID: "remote-1", Status: "failed", Error: "node 3 crashed"},
	)
	a := newAdapter(t, f.srv.URL)

	res, err := a.ExecuteWorkflow(context.Background(), wf(), nil)
	if err != nil {
		t.Fatalf("remote failure must surface as a FAILED result, got err %v", err)
	}
	if res.State != engine.StateFailed {
		t.Fatalf("expected FAILED, got %s", res.State)
	}
	if res.Error == nil || res.Error.Kind != errors.KindRemoteEngineError {
		t.Fatalf("expected REMOTE_ENGINE_ERROR, got %+v", res.Error)
	}
	if res.Error.EngineError != "node 3 crashed" {
		t.Errorf("raw engine error lost: %q", res.Error.EngineError)
	}
}

func TestAdapter_ExecuteCancellation(t *testing.T) {
	f := newFakeEngine(t, executionEnvelope{ID: "remote-1", Status: "running"})
	a := newAdapter(t, f.srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := a.ExecuteWorkflow(ctx, wf(), nil)
	if err != nil {
		t.Fatalf("cancellation must yield a CANCELLED result, got err %v", err)
	}
	if res.State != engine.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.State)
	}

	// The remote was told to stop, best effort.
	deadline := time.Now().Add(2 * time.Second)
	for f.cancelled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.cancelled.Load() == 0 {
		t.Error("remote cancel endpoint never called")
	}
}

func TestAdapter_GetExecutionStatus(t *testing.T) {
	f := newFakeEngine(t, executionEnvelope{ID: "remote-1", Status: "running"})
	a := newAdapter(t, f.srv.URL)

	res, err := a.GetExecutionStatus(context.Background(), "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != engine.StateRunning {
		t.Errorf("expected RUNNING, got %s", res.State)
	}

	_, err = a.GetExecutionStatus(context.Background(), "ghost")
	if !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestAdapter_GetExecutionLogs_Sorted(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newFakeEngine(t)
	f.mux.HandleFunc("GET /executions/remote-1/logs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]engine.LogEntry{
			{Timestamp: base.Add(2 * time.Second), Message: "third"},
			{Timestamp: base, Message: "first"},
			{Timestamp: base.Add(time.Second), Message: "second"},
		})
	})
	a := newAdapter(t, f.srv.URL)

	logs, err := a.GetExecutionLogs(context.Background(), "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "third"}
	for i, msg := range want {
		if logs[i].Message != msg {
			t.Errorf("logs not sorted: position %d is %q, want %q", i, logs[i].Message, msg)
		}
	}
}

func TestAdapter_CancelExecution(t *testing.T) {
	f := newFakeEngine(t)
	a := newAdapter(t, f.srv.URL)

	res, err := a.CancelExecution(context.Background(), "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("expected success: %+v", res)
	}

	// Unknown execution: no error, success=false.
	res, err = a.CancelExecution(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("404 cancel must not error: %v", err)
	}
	if res.Success {
		t.Errorf("unknown execution cancel must not succeed: %+v", res)
	}
}

func TestAdapter_TestConnection(t *testing.T) {
	f := newFakeEngine(t)
	healthy := atomic.Bool{}
	healthy.Store(true)
	f.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	a := newAdapter(t, f.srv.URL)

	if !a.TestConnection(context.Background()) {
		t.Error("healthy engine reported unreachable")
	}
	healthy.Store(false)
	if a.TestConnection(context.Background()) {
		t.Error("unhealthy engine reported reachable")
	}
}

func TestAdapter_GetCapabilities(t *testing.T) {
	f := newFakeEngine(t)
	f.mux.HandleFunc("GET /capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engine.Capabilities{
			Version:                 "2.3",
			MaxConcurrentExecutions: 50,
			SupportedFeatures:       []string{"execute", "webhooks"},
		})
	})
	a := newAdapter(t, f.srv.URL)

	caps := a.GetCapabilities()
	if caps.Version != "2.3" || caps.MaxConcurrentExecutions != 50 {
		t.Errorf("remote capabilities not used: %+v", caps)
	}

	// Without the endpoint, local defaults apply.
	bare := newFakeEngine(t)
	a2 := newAdapter(t, bare.srv.URL)
	caps = a2.GetCapabilities()
	if caps.Version == "" || caps.MaxConcurrentExecutions == 0 {
		t.Errorf("fallback capabilities empty: %+v", caps)
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want engine.State
	}{
		{"completed", engine.StateCompleted},
		{"success", engine.StateCompleted},
		{"succeeded", engine.StateCompleted},
		{"finished", engine.StateCompleted},
		{"failed", engine.StateFailed},
		{"error", engine.StateFailed},
		{"crashed", engine.StateFailed},
		{"cancelled", engine.StateCancelled},
		{"canceled", engine.StateCancelled},
		{"stopped", engine.StateCancelled},
		{"running", engine.StateRunning},
		{"executing", engine.StateRunning},
		{"waiting", engine.StateRunning},
		{"queued", engine.StatePending},
		{"", engine.StatePending},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.in); got != tt.want {
			t.Errorf("mapStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
