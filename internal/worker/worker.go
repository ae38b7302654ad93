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

// Package worker runs executions against engine adapters. A worker owns a
// small fixed capacity of execution slots, drives the adapter through the
// retry driver and circuit breaker, enforces the request timeout with a
// cancellation grace interval, and reports a heartbeat the health checker
// watches.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/execution"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/resilience"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// Status is a worker lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusDraining Status = "draining"
	StatusDead     Status = "dead"
)

// Config configures a single worker.
type Config struct {
	// Capacity is the number of concurrent execution slots.
	Capacity int

	// Engines lists the engine types this worker serves. Empty means all.
	Engines []engine.Type

	// GraceInterval is how long to wait for the adapter to unwind after a
	// cancel or timeout before the slot is forcibly released.
	GraceInterval time.Duration

	// HeartbeatInterval is the periodic heartbeat tick.
	HeartbeatInterval time.Duration

	// Retry configures the per-attempt backoff applied to adapter calls.
	Retry resilience.RetryConfig
}

// DefaultConfig returns production worker defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          1,
		GraceInterval:     5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		Retry:             resilience.DefaultRetryConfig(),
	}
}

// Task is one dispatched execution with everything the worker needs to run
// it. OnFinished runs after the record reaches a terminal state and the slot
// is released.
type Task struct {
	Request *execution.Request
	Record  *execution.Record
	Adapter engine.Adapter
	Breaker *resilience.Breaker

	OnFinished func(*Task)
}

// inflight tracks one running execution on the worker.
type inflight struct {
	cancel     context.CancelFunc
	userCancel bool
}

// Info is an immutable snapshot of worker state for status reporting.
type Info struct {
	ID               string        `json:"id"`
	Status           Status        `json:"status"`
	Load             int           `json:"load"`
	Capacity         int           `json:"capacity"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	TotalExecutions  int64         `json:"total_executions"`
	TotalFailures    int64         `json:"total_failures"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	Engines          []engine.Type `json:"engines,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
}

// FailureRate returns failures over executions, zero when idle so far.
func (i Info) FailureRate() float64 {
	if i.TotalExecutions == 0 {
		return 0
	}
	return float64(i.TotalFailures) / float64(i.TotalExecutions)
}

// Worker owns execution slots and drives adapter calls to a terminal state.
type Worker struct {
	id      string
	cfg     Config
	engines map[engine.Type]struct{}
	sem     *semaphore.Weighted

	mu            sync.Mutex
	status        Status
	running       bool
	load          int
	lastHeartbeat time.Time
	active        map[string]*inflight
	startedAt     time.Time
	totalExecs    int64
	totalFailures int64
	avgExecTime   time.Duration

	bus    *events.Bus
	logger *slog.Logger

	hbStop chan struct{}
	hbDone chan struct{}
}

// New creates a worker. Start must be called before dispatching to it.
func New(id string, cfg Config, bus *events.Bus, logger *slog.Logger) *Worker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.GraceInterval <= 0 {
		cfg.GraceInterval = DefaultConfig().GraceInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:     id,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Capacity)),
		status: StatusIdle,
		active: make(map[string]*inflight),
		bus:    bus,
		logger: ilog.WithWorker(logger.With(slog.String("component", "worker")), id),
	}
	if len(cfg.Engines) > 0 {
		w.engines = make(map[engine.Type]struct{}, len(cfg.Engines))
		for _, e := range cfg.Engines {
			w.engines[e] = struct{}{}
		}
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Start begins the heartbeat loop and announces the worker on the bus.
func (w *Worker) Start() {
	w.mu.Lock()
	w.running = true
	w.startedAt = time.Now()
	w.lastHeartbeat = w.startedAt
	w.hbStop = make(chan struct{})
	w.hbDone = make(chan struct{})
	stop, done := w.hbStop, w.hbDone
	w.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.touch()
			case <-stop:
				return
			}
		}
	}()

	if w.bus != nil {
		w.bus.Publish(events.Event{
			Kind:    events.WorkerStarted,
			Payload: map[string]any{"worker_id": w.id, "capacity": w.cfg.Capacity},
		})
	}
	w.logger.Info("Worker started", slog.Int("capacity", w.cfg.Capacity))
}

// Serves reports whether the worker accepts executions for the engine type.
func (w *Worker) Serves(t engine.Type) bool {
	if w.engines == nil {
		return true
	}
	_, ok := w.engines[t]
	return ok
}

// TryAcquire claims one execution slot. It never blocks; the dispatcher
// skips the worker when it returns false.
func (w *Worker) TryAcquire() bool {
	w.mu.Lock()
	if !w.running || w.status == StatusDraining || w.status == StatusDead {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()
	return w.sem.TryAcquire(1)
}

// release returns a slot claimed by TryAcquire.
func (w *Worker) release() {
	w.sem.Release(1)
}

// Process runs one dispatched task to a terminal state. The caller must
// have claimed a slot with TryAcquire. ctx is the service lifetime context;
// its cancellation means shutdown.
func (w *Worker) Process(ctx context.Context, task *Task) {
	req, rec := task.Request, task.Record
	workflowName := ""
	if req.Workflow != nil {
		workflowName = req.Workflow.Name
	}
	logger := ilog.WithExecution(w.logger, req.ID, workflowName)

	defer func() {
		w.release()
		w.finishSlot(req.ID)
		if task.OnFinished != nil {
			task.OnFinished(task)
		}
	}()

	// A cancel may have landed while the entry was in flight between the
	// queue and the worker.
	if !rec.MarkRunning(w.id) {
		return
	}
	w.beginSlot(req.ID)
	w.emit(events.ExecutionStarted, req.ID, map[string]any{"worker_id": w.id})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	fl := &inflight{cancel: cancel}
	w.active[req.ID] = fl
	w.mu.Unlock()

	start := time.Now()
	done := make(chan attemptOutcome, 1)
	go func() {
		res, err := w.attempt(runCtx, task, logger)
		done <- attemptOutcome{res, err}
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out attemptOutcome
	var timedOut, shutdown bool
	select {
	case out = <-done:
	case <-timer.C:
		timedOut = true
		cancel()
		out = w.awaitUnwind(done)
	case <-ctx.Done():
		shutdown = true
		cancel()
		out = w.awaitUnwind(done)
	}

	w.mu.Lock()
	userCancelled := fl.userCancel
	w.mu.Unlock()

	duration := time.Since(start)
	w.settle(task, out.res, out.err, userCancelled, timedOut, shutdown, logger)
	w.observe(duration, rec.State() == engine.StateFailed)
	w.touch()
}

// attemptOutcome is the terminal result of one attempt loop.
type attemptOutcome struct {
	res *engine.Result
	err error
}

// awaitUnwind waits up to the grace interval for the adapter to return
// after cancellation was asserted.
func (w *Worker) awaitUnwind(done <-chan attemptOutcome) attemptOutcome {
	select {
	case out := <-done:
		return out
	case <-time.After(w.cfg.GraceInterval):
		return attemptOutcome{nil, context.Canceled}
	}
}

// attempt drives the adapter through the retry driver and breaker, honoring
// the retry budget the request has left.
func (w *Worker) attempt(ctx context.Context, task *Task, logger *slog.Logger) (*engine.Result, error) {
	req, rec := task.Request, task.Record

	cfg := w.cfg.Retry
	cfg.MaxAttempts = req.MaxRetries + 1 - rec.RetryCount()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var res *engine.Result
	op := func() error {
		r, err := task.Adapter.ExecuteWorkflow(ctx, req.Workflow, req.Params)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New(errors.KindRemoteEngineError, "adapter returned no result")
		}
		switch r.State {
		case engine.StateCompleted, engine.StateCancelled:
			res = r
			return nil
		case engine.StateFailed:
			if r.Error != nil {
				return r.Error
			}
			return errors.New(errors.KindRemoteEngineError, "engine reported failure")
		default:
			return errors.Newf(errors.KindRemoteEngineError, "adapter returned non-terminal state %q", r.State)
		}
	}

	onRetry := func(err error, wait time.Duration) {
		rec.IncrementRetry()
		logger.Warn("Retrying execution",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
			slog.Int("retry_count", rec.RetryCount()))
	}

	err := resilience.RetryWithBreaker(ctx, cfg, task.Breaker, nil, onRetry, op)
	return res, err
}

// settle drives the record to its terminal state and emits the matching
// lifecycle event.
func (w *Worker) settle(task *Task, res *engine.Result, err error, userCancelled, timedOut, shutdown bool, logger *slog.Logger) {
	req, rec := task.Request, task.Record

	// The health checker may have declared this worker lost and handed the
	// execution elsewhere; a late unwind must not touch it.
	if !rec.Terminal() && rec.WorkerID() != w.id {
		return
	}

	switch {
	case timedOut:
		execErr := errors.Newf(errors.KindExecutionTimeout, "execution exceeded timeout of %s", req.Timeout)
		if rec.Fail(execErr) {
			logger.Error("Execution timed out", ilog.Duration("timeout", req.Timeout.Milliseconds()))
			w.emit(events.ExecutionFailed, req.ID, map[string]any{"kind": string(errors.KindExecutionTimeout)})
		}
	case userCancelled:
		if rec.Cancel() {
			logger.Info("Execution cancelled")
			w.emit(events.ExecutionCancelled, req.ID, nil)
		}
	case shutdown:
		execErr := errors.New(errors.KindShutdown, "service shutting down")
		if rec.Fail(execErr) {
			logger.Warn("Execution aborted by shutdown")
			w.emit(events.ExecutionFailed, req.ID, map[string]any{"kind": string(errors.KindShutdown)})
		}
	case err != nil:
		execErr := errors.AsExecutionError(err, errors.KindRemoteEngineError)
		if errors.Retriable(err) {
			execErr = errors.Wrap(errors.KindRetriesExhausted, "retry budget exhausted", err)
		}
		if rec.Fail(execErr) {
			logger.Error("Execution failed",
				slog.String("kind", string(execErr.Kind)),
				ilog.Error(execErr))
			w.emit(events.ExecutionFailed, req.ID, map[string]any{"kind": string(execErr.Kind)})
		}
	case res != nil && res.State == engine.StateCancelled:
		if rec.Cancel() {
			w.emit(events.ExecutionCancelled, req.ID, nil)
		}
	default:
		w.collectLogs(task, logger)
		if rec.Complete(res) {
			logger.Info("Execution completed", ilog.Duration("duration", res.Metrics.Duration.Milliseconds()))
			w.emit(events.ExecutionCompleted, req.ID, nil)
		}
	}
}

// collectLogs pulls adapter logs best effort after completion.
func (w *Worker) collectLogs(task *Task, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := task.Adapter.GetExecutionLogs(ctx, task.Request.ID)
	if err != nil {
		logger.Debug("Could not fetch execution logs", ilog.Error(err))
		return
	}
	task.Record.AppendLogs(entries)
}

// Cancel asserts cancellation for a running execution. Returns false when
// the execution is not active on this worker.
func (w *Worker) Cancel(executionID string) bool {
	w.mu.Lock()
	fl, ok := w.active[executionID]
	if ok {
		fl.userCancel = true
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	fl.cancel()
	return true
}

// ActiveExecutions returns the ids currently running on this worker.
func (w *Worker) ActiveExecutions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// Drain stops the worker from accepting new executions. In-flight
// executions run to completion.
func (w *Worker) Drain() {
	w.mu.Lock()
	if w.status != StatusDead {
		w.status = StatusDraining
		w.lastHeartbeat = time.Now()
	}
	w.mu.Unlock()
	w.logger.Info("Worker draining")
}

// Draining reports whether the worker is draining.
func (w *Worker) Draining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == StatusDraining
}

// Stop marks the worker DEAD, stops the heartbeat, and announces the stop.
// In-flight executions are the caller's responsibility (shutdown cancels
// them via the service context; failure handling re-enqueues them).
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.status == StatusDead {
		w.mu.Unlock()
		return
	}
	w.status = StatusDead
	stop, done := w.hbStop, w.hbDone
	w.hbStop, w.hbDone = nil, nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if w.bus != nil {
		w.bus.Publish(events.Event{
			Kind:    events.WorkerStopped,
			Payload: map[string]any{"worker_id": w.id},
		})
	}
	w.logger.Info("Worker stopped")
}

// StopHeartbeat halts the heartbeat loop without changing status. Used by
// failure-injection paths to simulate a stalled worker.
func (w *Worker) StopHeartbeat() {
	w.mu.Lock()
	stop, done := w.hbStop, w.hbDone
	w.hbStop, w.hbDone = nil, nil
	w.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// LastHeartbeat returns the most recent heartbeat time.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Worker) statusLocked() Status {
	if w.status == StatusDead || w.status == StatusDraining {
		return w.status
	}
	if w.load > 0 {
		return StatusBusy
	}
	return StatusIdle
}

// Load returns the number of in-flight executions.
func (w *Worker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// Capacity returns the worker's slot count.
func (w *Worker) Capacity() int { return w.cfg.Capacity }

// Snapshot returns an immutable view of the worker's state.
func (w *Worker) Snapshot() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		ID:               w.id,
		Status:           w.statusLocked(),
		Load:             w.load,
		Capacity:         w.cfg.Capacity,
		LastHeartbeat:    w.lastHeartbeat,
		TotalExecutions:  w.totalExecs,
		TotalFailures:    w.totalFailures,
		AvgExecutionTime: w.avgExecTime,
		StartedAt:        w.startedAt,
	}
	for e := range w.engines {
		info.Engines = append(info.Engines, e)
	}
	return info
}

func (w *Worker) beginSlot(executionID string) {
	w.mu.Lock()
	w.load++
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (w *Worker) finishSlot(executionID string) {
	w.mu.Lock()
	delete(w.active, executionID)
	if w.load > 0 {
		w.load--
	}
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

// observe folds one finished execution into the running average and totals.
func (w *Worker) observe(d time.Duration, failed bool) {
	w.mu.Lock()
	w.totalExecs++
	if failed {
		w.totalFailures++
	}
	n := w.totalExecs
	w.avgExecTime += (d - w.avgExecTime) / time.Duration(n)
	w.mu.Unlock()
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (w *Worker) emit(kind events.Kind, executionID string, payload map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{Kind: kind, ExecutionID: executionID, Payload: payload})
}
