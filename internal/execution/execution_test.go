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

package execution

import (
	"testing"
	"time"

	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

func newTestRecord() *Record {
	return NewRecord(&Request{
		ID:        "exec-1",
		Engine:    engine.TypeN8N,
		Priority:  PriorityHigh,
		CreatedAt: time.Now(),
	})
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"HIGH", PriorityHigh},
		{"Critical", PriorityCritical},
		{"", PriorityNormal},
		{"bogus", PriorityNormal},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecord_Lifecycle(t *testing.T) {
	rec := newTestRecord()
	if rec.State() != engine.StatePending {
		t.Fatalf("new record must be PENDING, got %s", rec.State())
	}

	if !rec.MarkRunning("worker-1") {
		t.Fatal("MarkRunning failed on pending record")
	}
	if rec.State() != engine.StateRunning {
		t.Errorf("expected RUNNING, got %s", rec.State())
	}
	if rec.WorkerID() != "worker-1" {
		t.Errorf("expected worker-1, got %s", rec.WorkerID())
	}

	res := &engine.Result{
		State:  engine.StateCompleted,
		Output: map[string]any{"answer": 42},
	}
	if !rec.Complete(res) {
		t.Fatal("Complete failed on running record")
	}
	if rec.State() != engine.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", rec.State())
	}
	if !rec.Terminal() {
		t.Error("completed record must be terminal")
	}
}

func TestRecord_TerminalIsMonotonic(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")
	if !rec.Complete(&engine.Result{State: engine.StateCompleted}) {
		t.Fatal("first terminal transition must succeed")
	}

	if rec.Fail(errors.New(errors.KindNetwork, "late failure")) {
		t.Error("Fail after COMPLETED must be a no-op")
	}
	if rec.Cancel() {
		t.Error("Cancel after COMPLETED must be a no-op")
	}
	if rec.MarkRunning("worker-2") {
		t.Error("MarkRunning after COMPLETED must be a no-op")
	}
	if rec.MarkRequeued() {
		t.Error("MarkRequeued after COMPLETED must be a no-op")
	}
	if rec.State() != engine.StateCompleted {
		t.Errorf("state changed after terminal: %s", rec.State())
	}
}

func TestRecord_Requeue(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")

	if !rec.MarkRequeued() {
		t.Fatal("MarkRequeued failed on running record")
	}
	if rec.State() != engine.StatePending {
		t.Errorf("expected PENDING after requeue, got %s", rec.State())
	}
	if rec.WorkerID() != "" {
		t.Errorf("worker ownership must clear on requeue, got %s", rec.WorkerID())
	}
	if rec.RetryCount() != 1 {
		t.Errorf("requeue must consume a retry, got %d", rec.RetryCount())
	}
}

func TestRecord_FailCarriesError(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")

	execErr := errors.New(errors.KindExecutionTimeout, "took too long")
	rec.Fail(execErr)

	snap := rec.Snapshot()
	if snap.State != engine.StateFailed {
		t.Fatalf("expected FAILED, got %s", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != errors.KindExecutionTimeout {
		t.Errorf("snapshot error missing or wrong kind: %+v", snap.Error)
	}
	if snap.FinishedAt == nil {
		t.Error("snapshot must carry a finish time")
	}
}

func TestSnapshot_DeepCopy(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")
	rec.AppendLogs([]engine.LogEntry{{Message: "step 1"}})
	rec.Complete(&engine.Result{
		State:  engine.StateCompleted,
		Output: map[string]any{"key": "original"},
	})

	snap := rec.Snapshot()
	snap.Output["key"] = "mutated"
	snap.Logs[0].Message = "mutated"

	fresh := rec.Snapshot()
	if fresh.Output["key"] != "original" {
		t.Error("snapshot output must be a copy")
	}
	if fresh.Logs[0].Message != "step 1" {
		t.Error("snapshot logs must be a copy")
	}
}

func TestRecord_RetryCountSurvivesRequeue(t *testing.T) {
	req := &Request{ID: "exec-2", RetryCount: 2}
	rec := NewRecord(req)
	if rec.RetryCount() != 2 {
		t.Fatalf("record must start with the request's retry count, got %d", rec.RetryCount())
	}
	rec.IncrementRetry()
	if rec.RetryCount() != 3 {
		t.Errorf("expected 3, got %d", rec.RetryCount())
	}
}

func TestRecord_SubscribeLogsStreams(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")
	rec.AppendLogs([]engine.LogEntry{{Message: "step 1"}})

	ch, unsub := rec.SubscribeLogs()
	defer unsub()

	// Entries collected before subscribing are replayed first.
	if got := <-ch; got.Message != "step 1" {
		t.Fatalf("expected replay of step 1, got %q", got.Message)
	}

	rec.AppendLogs([]engine.LogEntry{{Message: "step 2"}, {Message: "step 3"}})
	if got := <-ch; got.Message != "step 2" {
		t.Errorf("expected step 2, got %q", got.Message)
	}
	if got := <-ch; got.Message != "step 3" {
		t.Errorf("expected step 3, got %q", got.Message)
	}

	// The terminal transition ends the stream.
	rec.Complete(&engine.Result{State: engine.StateCompleted})
	if _, open := <-ch; open {
		t.Error("channel must close when the execution completes")
	}
}

func TestRecord_SubscribeLogsAfterTerminal(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")
	rec.AppendLogs([]engine.LogEntry{{Message: "only"}})
	rec.Fail(errors.New(errors.KindNetwork, "boom"))

	ch, unsub := rec.SubscribeLogs()
	defer unsub()

	if got := <-ch; got.Message != "only" {
		t.Errorf("expected retained entry, got %q", got.Message)
	}
	if _, open := <-ch; open {
		t.Error("subscription on a terminal record must be closed")
	}
}

func TestRecord_UnsubscribeStopsDelivery(t *testing.T) {
	rec := newTestRecord()
	rec.MarkRunning("worker-1")

	ch, unsub := rec.SubscribeLogs()
	unsub()
	// A second unsubscribe is harmless.
	unsub()

	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Appending after unsubscribe must not panic on the closed channel.
	rec.AppendLogs([]engine.LogEntry{{Message: "late"}})
	rec.Cancel()
}
