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

// Package execution holds the execution request and record types shared by
// the queue, workers, and the execution service.
package execution

import (
	"strings"
	"sync"
	"time"

	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// Priority orders executions in the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Request is a submitted execution request. Immutable after submission
// except for RetryCount, which the service increments on re-enqueue.
type Request struct {
	ID         string                     `json:"id"`
	WorkflowID string                     `json:"workflow_id"`
	Workflow   *engine.WorkflowDefinition `json:"workflow"`
	Engine     engine.Type                `json:"engine"`
	Params     engine.Parameters          `json:"params,omitempty"`
	Priority   Priority                   `json:"priority"`
	CreatedAt  time.Time                  `json:"created_at"`
	Timeout    time.Duration              `json:"timeout"`
	MaxRetries int                        `json:"max_retries"`
	CallerID   string                     `json:"caller_id,omitempty"`

	// RetryCount is the number of retries consumed so far, including
	// worker-loss re-enqueues.
	RetryCount int `json:"retry_count"`
}

// Record tracks a single execution through its lifetime. All mutation goes
// through methods; external readers get immutable Snapshots.
type Record struct {
	mu sync.RWMutex

	id         string
	workflowID string
	engineType engine.Type
	state      engine.State
	startedAt  time.Time
	finishedAt time.Time
	output     map[string]any
	err        *errors.ExecutionError
	logs       []engine.LogEntry
	metrics    engine.Metrics
	retryCount int
	workerID   string
	createdAt  time.Time
	priority   Priority

	logSubs map[int]chan engine.LogEntry
	subSeq  int
}

// logSubscriberBuffer bounds each log subscription channel. Slow consumers
// lose entries rather than blocking the worker.
const logSubscriberBuffer = 64

// Snapshot is an immutable deep copy of Record state for external access.
type Snapshot struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Engine     engine.Type            `json:"engine"`
	State      engine.State           `json:"state"`
	Priority   Priority               `json:"priority"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Output     map[string]any         `json:"output,omitempty"`
	Error      *errors.ExecutionError `json:"error,omitempty"`
	Logs       []engine.LogEntry      `json:"logs,omitempty"`
	Metrics    engine.Metrics         `json:"metrics"`
	RetryCount int                    `json:"retry_count"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewRecord creates a PENDING record for a request.
func NewRecord(req *Request) *Record {
	return &Record{
		id:         req.ID,
		workflowID: req.WorkflowID,
		engineType: req.Engine,
		state:      engine.StatePending,
		createdAt:  req.CreatedAt,
		priority:   req.Priority,
		retryCount: req.RetryCount,
	}
}

// ID returns the execution id.
func (r *Record) ID() string {
	return r.id
}

// State returns the current state.
func (r *Record) State() engine.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Terminal reports whether the record is in a terminal state.
func (r *Record) Terminal() bool {
	return r.State().Terminal()
}

// MarkRunning transitions PENDING -> RUNNING (or re-enters RUNNING on
// retry), recording the owning worker and resetting the start time.
// Returns false if the record is already terminal.
func (r *Record) MarkRunning(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = engine.StateRunning
	r.workerID = workerID
	r.startedAt = time.Now()
	r.finishedAt = time.Time{}
	return true
}

// MarkRequeued returns a running record to PENDING after a worker loss,
// consuming one retry. Returns false if the record is already terminal.
func (r *Record) MarkRequeued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = engine.StatePending
	r.workerID = ""
	r.retryCount++
	return true
}

// IncrementRetry bumps the retry counter while the execution stays owned by
// its worker.
func (r *Record) IncrementRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount++
}

// Complete transitions to COMPLETED with the adapter result. Terminal
// states are monotonic: a second terminal transition is ignored and false
// is returned.
func (r *Record) Complete(res *engine.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = engine.StateCompleted
	r.finishedAt = time.Now()
	if res != nil {
		r.output = res.Output
		r.mergeMetrics(res.Metrics)
	}
	r.metrics.Duration = r.finishedAt.Sub(r.startedAt)
	r.closeLogSubsLocked()
	return true
}

// Fail transitions to FAILED with a structured error.
func (r *Record) Fail(err *errors.ExecutionError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = engine.StateFailed
	r.finishedAt = time.Now()
	r.err = err
	if !r.startedAt.IsZero() {
		r.metrics.Duration = r.finishedAt.Sub(r.startedAt)
	}
	r.closeLogSubsLocked()
	return true
}

// Cancel transitions to CANCELLED.
func (r *Record) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = engine.StateCancelled
	r.finishedAt = time.Now()
	if !r.startedAt.IsZero() {
		r.metrics.Duration = r.finishedAt.Sub(r.startedAt)
	}
	r.closeLogSubsLocked()
	return true
}

// AppendLogs adds adapter log entries, preserving order, and fans them out
// to live log subscribers.
func (r *Record) AppendLogs(entries []engine.LogEntry) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entries...)
	for _, sub := range r.logSubs {
		for _, entry := range entries {
			select {
			case sub <- entry:
			default:
			}
		}
	}
}

// SubscribeLogs returns a channel receiving this execution's log entries,
// starting with those already collected. The channel closes when the
// execution reaches a terminal state; the returned func unsubscribes early.
func (r *Record) SubscribeLogs() (<-chan engine.LogEntry, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan engine.LogEntry, logSubscriberBuffer)
	for _, entry := range r.logs {
		select {
		case ch <- entry:
		default:
		}
	}
	if r.state.Terminal() {
		close(ch)
		return ch, func() {}
	}

	if r.logSubs == nil {
		r.logSubs = make(map[int]chan engine.LogEntry)
	}
	r.subSeq++
	id := r.subSeq
	r.logSubs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.logSubs[id]; ok {
			delete(r.logSubs, id)
			close(sub)
		}
	}
}

// closeLogSubsLocked ends every log subscription on a terminal transition.
func (r *Record) closeLogSubsLocked() {
	for id, sub := range r.logSubs {
		delete(r.logSubs, id)
		close(sub)
	}
}

// RetryCount returns the retries consumed so far.
func (r *Record) RetryCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retryCount
}

// WorkerID returns the owning worker, empty while queued.
func (r *Record) WorkerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workerID
}

func (r *Record) mergeMetrics(m engine.Metrics) {
	if m.MemoryBytes > 0 {
		r.metrics.MemoryBytes = m.MemoryBytes
	}
	if m.CPUPercent > 0 {
		r.metrics.CPUPercent = m.CPUPercent
	}
	if m.NetworkCalls > 0 {
		r.metrics.NetworkCalls = m.NetworkCalls
	}
	if len(m.Custom) > 0 {
		if r.metrics.Custom == nil {
			r.metrics.Custom = make(map[string]int64, len(m.Custom))
		}
		for k, v := range m.Custom {
			r.metrics.Custom[k] = v
		}
	}
}

// Snapshot returns an immutable deep copy of the record.
func (r *Record) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		ID:         r.id,
		WorkflowID: r.workflowID,
		Engine:     r.engineType,
		State:      r.state,
		Priority:   r.priority,
		Error:      r.err,
		Metrics:    r.metrics,
		RetryCount: r.retryCount,
		WorkerID:   r.workerID,
		CreatedAt:  r.createdAt,
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		snap.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		snap.FinishedAt = &t
	}
	if r.output != nil {
		snap.Output = make(map[string]any, len(r.output))
		for k, v := range r.output {
			snap.Output[k] = v
		}
	}
	if len(r.logs) > 0 {
		snap.Logs = make([]engine.LogEntry, len(r.logs))
		copy(snap.Logs, r.logs)
	}
	return snap
}
