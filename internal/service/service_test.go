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

package service

import (
	"testing"
	"time"

	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/execution"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/engine/enginetest"
	"github.com/maestrod/maestro/pkg/errors"
)

func testServiceConfig() *config.Config {
	cfg := config.Default()
	cfg.Scaling.MinWorkers = 1
	cfg.Scaling.MaxWorkers = 2
	cfg.Scaling.WorkerCapacity = 1
	cfg.FaultTolerance.MaxRetries = 1
	cfg.FaultTolerance.RetryDelay = time.Millisecond
	cfg.FaultTolerance.MaxRetryDelay = 5 * time.Millisecond
	cfg.FaultTolerance.GraceInterval = 100 * time.Millisecond
	cfg.Queue.ProcessingInterval = 10 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, adapters ...engine.Adapter) *Service {
	t.Helper()
	registry := engine.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	svc, err := New(cfg, registry, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func submitReq(id string) *execution.Request {
	return &execution.Request{
		ID:       id,
		Workflow: &engine.WorkflowDefinition{ID: id, Name: "wf", Engine: engine.TypeN8N},
		Engine:   engine.TypeN8N,
		Priority: execution.PriorityNormal,
		Timeout:  5 * time.Second,
	}
}

// awaitTerminal polls Status until the execution reaches a terminal state.
func awaitTerminal(t *testing.T, svc *Service, id string) *execution.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Status(id)
		if err == nil && snap.State.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal state", id)
	return nil
}

func TestService_SubmitToCompletion(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	svc := newTestService(t, testServiceConfig(), adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	id, err := svc.Submit(submitReq("exec-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != "exec-1" {
		t.Errorf("expected exec-1, got %s", id)
	}

	snap := awaitTerminal(t, svc, id)
	if snap.State != engine.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%+v)", snap.State, snap.Error)
	}

	// The terminal result moved to the store and remains readable.
	stored, err := svc.Result(id)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if stored.Output["ok"] != true {
		t.Errorf("stored output lost: %v", stored.Output)
	}

	metrics := svc.Metrics()
	if metrics.SuccessfulExecutions != 1 {
		t.Errorf("expected 1 success in metrics, got %d", metrics.SuccessfulExecutions)
	}
}

func TestService_GeneratesID(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	svc := newTestService(t, testServiceConfig(), adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	req := submitReq("")
	req.Workflow.ID = "wf-1"
	id, err := svc.Submit(req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
	awaitTerminal(t, svc, id)
}

func TestService_DuplicateLiveID(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	adapter.OnExecute = enginetest.BlockUntilCancelled(0)
	svc := newTestService(t, testServiceConfig(), adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	if _, err := svc.Submit(submitReq("dup")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Submit(submitReq("dup"))
	if !errors.HasKind(err, errors.KindValidationFailed) {
		t.Errorf("expected VALIDATION_FAILED for duplicate id, got %v", err)
	}

	svc.Cancel("dup")
}

func TestService_QueueFull(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Queue.MaxSize = 1
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	// Not started: nothing drains the queue.
	svc := newTestService(t, cfg, adapter)

	if _, err := svc.Submit(submitReq("first")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Submit(submitReq("second"))
	if !errors.HasKind(err, errors.KindQueueFull) {
		t.Errorf("expected QUEUE_FULL, got %v", err)
	}

	// A rejected submit must not leave a live entry behind.
	if _, err := svc.Status("second"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("rejected submit leaked state: %v", err)
	}
}

func TestService_NoAdapterRegistered(t *testing.T) {
	svc := newTestService(t, testServiceConfig())
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	id, err := svc.Submit(submitReq("orphan"))
	if err != nil {
		t.Fatal(err)
	}
	snap := awaitTerminal(t, svc, id)
	if snap.State != engine.StateFailed {
		t.Fatalf("expected FAILED, got %s", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != errors.KindNoAdapterRegistered {
		t.Errorf("expected NO_ADAPTER_REGISTERED, got %+v", snap.Error)
	}
}

func TestService_CancelQueued(t *testing.T) {
	cfg := testServiceConfig()
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	adapter.OnExecute = enginetest.BlockUntilCancelled(0)
	svc := newTestService(t, cfg, adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	// One worker with one slot: the blocker occupies it, the second request
	// stays queued.
	if _, err := svc.Submit(submitReq("blocker")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := svc.Status("blocker"); err == nil && snap.State == engine.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := svc.Submit(submitReq("queued")); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Cancel("queued")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success: %+v", res)
	}

	snap, err := svc.Status("queued")
	if err != nil {
		t.Fatalf("Status after cancel failed: %v", err)
	}
	if snap.State != engine.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", snap.State)
	}

	svc.Cancel("blocker")
}

func TestService_CancelRunning(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	adapter.OnExecute = enginetest.BlockUntilCancelled(0)
	svc := newTestService(t, testServiceConfig(), adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	id, err := svc.Submit(submitReq("running"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := svc.Status(id); err == nil && snap.State == engine.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := svc.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success: %+v", res)
	}

	snap := awaitTerminal(t, svc, id)
	if snap.State != engine.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", snap.State)
	}
}

func TestService_CancelUnknown(t *testing.T) {
	svc := newTestService(t, testServiceConfig())
	if _, err := svc.Cancel("ghost"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestService_CancelTerminal(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	svc := newTestService(t, testServiceConfig(), adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	id, err := svc.Submit(submitReq("done"))
	if err != nil {
		t.Fatal(err)
	}
	awaitTerminal(t, svc, id)

	res, err := svc.Cancel(id)
	if !errors.HasKind(err, errors.KindAlreadyTerminal) {
		t.Errorf("expected ALREADY_TERMINAL, got %v", err)
	}
	if res == nil || res.Success {
		t.Errorf("cancel of a terminal execution must not succeed: %+v", res)
	}
}

func TestService_NotifyCompletion(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	// Not started: the submission stays queued and the webhook wins.
	svc := newTestService(t, testServiceConfig(), adapter)

	id, err := svc.Submit(submitReq("hooked"))
	if err != nil {
		t.Fatal(err)
	}

	ok := svc.NotifyCompletion(id, &engine.Result{
		ExecutionID: id,
		State:       engine.StateCompleted,
		Output:      map[string]any{"via": "webhook"},
	})
	if !ok {
		t.Fatal("NotifyCompletion refused a live execution")
	}

	snap, err := svc.Status(id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.State != engine.StateCompleted || snap.Output["via"] != "webhook" {
		t.Errorf("webhook result lost: %+v", snap)
	}

	if svc.NotifyCompletion("ghost", &engine.Result{State: engine.StateCompleted}) {
		t.Error("NotifyCompletion must refuse unknown ids")
	}
}

func TestService_StopFailsQueuedWork(t *testing.T) {
	cfg := testServiceConfig()
	cfg.DrainTimeout = 100 * time.Millisecond
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	adapter.OnExecute = enginetest.BlockUntilCancelled(0)
	svc := newTestService(t, cfg, adapter)
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	// Saturate the single worker so the second entry is still queued when
	// Stop lands.
	if _, err := svc.Submit(submitReq("blocker")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := svc.Status("blocker"); err == nil && snap.State == engine.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := svc.Submit(submitReq("stranded")); err != nil {
		t.Fatal(err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	snap, err := svc.Status("stranded")
	if err != nil {
		t.Fatalf("Status after stop failed: %v", err)
	}
	if snap.State != engine.StateFailed || snap.Error == nil || snap.Error.Kind != errors.KindShutdown {
		t.Errorf("queued work must fail with SHUTDOWN on stop, got %+v", snap)
	}
}

func TestService_ListExecutionsFilters(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	// Not started: submissions stay live until completed via webhook.
	svc := newTestService(t, testServiceConfig(), adapter)

	older := submitReq("pending-1")
	older.CreatedAt = time.Now().Add(-time.Minute)
	if _, err := svc.Submit(older); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(submitReq("done-1")); err != nil {
		t.Fatal(err)
	}
	if !svc.NotifyCompletion("done-1", &engine.Result{ExecutionID: "done-1", State: engine.StateCompleted}) {
		t.Fatal("NotifyCompletion refused")
	}

	// Unfiltered: the live entry and the retained result, newest first.
	all, err := svc.ListExecutions(ListFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(all))
	}
	if all[0].ID != "done-1" || all[1].ID != "pending-1" {
		t.Errorf("wrong order: %s, %s", all[0].ID, all[1].ID)
	}

	completed, err := svc.ListExecutions(ListFilter{State: engine.StateCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != "done-1" {
		t.Errorf("state filter wrong: %+v", completed)
	}

	if miss, _ := svc.ListExecutions(ListFilter{Engine: engine.TypeAirflow}); len(miss) != 0 {
		t.Errorf("engine filter leaked: %+v", miss)
	}

	if limited, _ := svc.ListExecutions(ListFilter{Limit: 1}); len(limited) != 1 {
		t.Errorf("limit ignored: %+v", limited)
	}

	// The pending execution shows up as per-engine demand.
	if got := svc.Metrics().EngineDemand[string(engine.TypeN8N)]; got != 1 {
		t.Errorf("expected demand 1 for n8n, got %d", got)
	}
}

func TestService_SubscribeLogs(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	svc := newTestService(t, testServiceConfig(), adapter)

	if _, err := svc.Submit(submitReq("tailed")); err != nil {
		t.Fatal(err)
	}

	ch, unsub, err := svc.SubscribeLogs("tailed")
	if err != nil {
		t.Fatalf("SubscribeLogs failed: %v", err)
	}
	defer unsub()

	// Completion closes the stream.
	if !svc.NotifyCompletion("tailed", &engine.Result{ExecutionID: "tailed", State: engine.StateCompleted}) {
		t.Fatal("NotifyCompletion refused")
	}
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected the channel to close on the terminal state")
		}
	case <-time.After(2 * time.Second):
		t.Error("log channel never closed")
	}

	if _, _, err := svc.SubscribeLogs("ghost"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestService_WorkersStatus(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Scaling.MinWorkers = 2
	svc := newTestService(t, cfg, enginetest.NewAdapter(engine.TypeN8N))
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	infos := svc.WorkersStatus()
	if len(infos) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Capacity != 1 {
			t.Errorf("unexpected capacity: %+v", info)
		}
	}
}

func TestService_SnapshotState(t *testing.T) {
	adapter := enginetest.NewAdapter(engine.TypeN8N)
	svc := newTestService(t, testServiceConfig(), adapter)

	if _, err := svc.Submit(submitReq("queued")); err != nil {
		t.Fatal(err)
	}

	state := svc.SnapshotState()
	if state.Queue.Size != 1 {
		t.Errorf("expected 1 queued entry, got %d", state.Queue.Size)
	}
	if len(state.Executions) != 1 || state.Executions[0].ID != "queued" {
		t.Errorf("live executions missing from snapshot: %+v", state.Executions)
	}
	if state.TakenAt.IsZero() {
		t.Error("snapshot must be timestamped")
	}
}
