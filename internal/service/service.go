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

// Package service owns the execution core: the priority queue, the worker
// pool with its auto-scaling loop, per-adapter circuit breakers, the result
// store, and the metrics aggregator.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/execution"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/queue"
	"github.com/maestrod/maestro/internal/resilience"
	"github.com/maestrod/maestro/internal/worker"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

// liveExecution pairs a request with its mutable record while the
// execution is queued or running.
type liveExecution struct {
	req *execution.Request
	rec *execution.Record

	// countedRetries tracks how many of the record's retries have been
	// folded into the aggregator, so finalize counts each exactly once.
	countedRetries int
}

// Service is the execution core. All live executions, workers, the queue,
// the result store, and the aggregator are owned here.
type Service struct {
	cfg      *config.Config
	registry *engine.Registry
	bus      *events.Bus
	logger   *slog.Logger

	queue *queue.Queue
	store ResultStore
	agg   *Aggregator

	mu        sync.Mutex
	workers   map[string]*worker.Worker
	workerSeq int
	live      map[string]*liveExecution
	breakers  map[engine.Type]*resilience.Breaker

	scaleMu       sync.Mutex
	lastScaleUp   time.Time
	lastScaleDown time.Time

	// workerFreed wakes the dispatcher after a slot opens or a scale-up.
	workerFreed chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	stateMu sync.Mutex
}

// New assembles the service. Store may be nil, in which case the configured
// backend (memory or sqlite) is built, including the compression and
// encryption filters. promReg may be nil to skip Prometheus registration.
func New(cfg *config.Config, registry *engine.Registry, bus *events.Bus, logger *slog.Logger, store ResultStore, promReg prometheus.Registerer) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if store == nil {
		var err error
		store, err = buildStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		cfg:         cfg,
		registry:    registry,
		bus:         bus,
		logger:      ilog.WithComponent(logger, "service"),
		queue:       queue.New(cfg.Queue.MaxSize),
		store:       store,
		agg:         NewAggregator(cfg.Metrics.AggregationWindow, promReg),
		workers:     make(map[string]*worker.Worker),
		live:        make(map[string]*liveExecution),
		breakers:    make(map[engine.Type]*resilience.Breaker),
		workerFreed: make(chan struct{}, 1),
	}, nil
}

// buildStore assembles the configured result store with its filter chain.
func buildStore(cfg config.StorageConfig) (ResultStore, error) {
	var filters []Filter
	if cfg.CompressionEnabled {
		filters = append(filters, GzipFilter{})
	}
	if cfg.EncryptionEnabled {
		f, err := NewAESFilter([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	if cfg.Backend == "sqlite" {
		return NewSQLiteStore(cfg.Path, filters...)
	}
	return NewMemoryStore(filters...), nil
}

// Start launches the minimum worker pool and the service loops.
func (s *Service) Start() error {
	s.stateMu.Lock()
	if s.started {
		s.stateMu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stateMu.Unlock()

	for i := 0; i < s.cfg.Scaling.MinWorkers; i++ {
		s.spawnWorker(0)
	}

	s.wg.Add(4)
	go func() { defer s.wg.Done(); s.dispatchLoop() }()
	go func() { defer s.wg.Done(); s.scalerLoop() }()
	go func() { defer s.wg.Done(); s.healthLoop() }()
	go func() { defer s.wg.Done(); s.sweepLoop() }()

	s.logger.Info("Execution service started",
		slog.Int("min_workers", s.cfg.Scaling.MinWorkers),
		slog.Int("max_workers", s.cfg.Scaling.MaxWorkers),
		slog.Int("queue_max_size", s.cfg.Queue.MaxSize))
	return nil
}

// Submit enqueues an execution request and returns its id. The request must
// already be validated and defaulted by the caller.
func (s *Service) Submit(req *execution.Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if _, exists := s.live[req.ID]; exists {
		s.mu.Unlock()
		return "", errors.Newf(errors.KindValidationFailed, "execution id %q already in flight", req.ID)
	}
	rec := execution.NewRecord(req)
	s.live[req.ID] = &liveExecution{req: req, rec: rec}
	s.mu.Unlock()

	if _, err := s.queue.Enqueue(req); err != nil {
		s.mu.Lock()
		delete(s.live, req.ID)
		s.mu.Unlock()
		return "", err
	}
	return req.ID, nil
}

// Cancel cancels a queued or running execution. Queued entries are removed
// and marked CANCELLED immediately; running ones get their cancel token
// asserted and the call returns without waiting.
func (s *Service) Cancel(id string) (*engine.CancelResult, error) {
	s.mu.Lock()
	live, ok := s.live[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.store.Get(id); err == nil {
			return &engine.CancelResult{Success: false, Message: "execution already terminal"},
				errors.Newf(errors.KindAlreadyTerminal, "execution %q already terminal", id)
		}
		return nil, errors.Newf(errors.KindNotFound, "no execution %q", id)
	}

	if live.rec.Terminal() {
		return &engine.CancelResult{Success: false, Message: "execution already terminal"},
			errors.Newf(errors.KindAlreadyTerminal, "execution %q already terminal", id)
	}

	// Still queued: remove and finish it here.
	if _, found := s.queue.CancelByID(id); found {
		if live.rec.Cancel() {
			s.emit(events.ExecutionCancelled, id, nil)
			s.finalize(live)
		}
		return &engine.CancelResult{Success: true, Message: "cancelled while queued"}, nil
	}

	// Running: assert the owning worker's cancel token and nudge the
	// adapter, without waiting for the unwind.
	workerID := live.rec.WorkerID()
	s.mu.Lock()
	w := s.workers[workerID]
	s.mu.Unlock()
	if w != nil && w.Cancel(id) {
		if adapter, err := s.registry.Get(live.req.Engine); err == nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = adapter.CancelExecution(ctx, id)
			}()
		}
		return &engine.CancelResult{Success: true, Message: "cancellation requested"}, nil
	}

	// Between queue and worker; mark it so MarkRunning refuses it.
	if live.rec.Cancel() {
		s.emit(events.ExecutionCancelled, id, nil)
		s.finalize(live)
		return &engine.CancelResult{Success: true, Message: "cancelled before dispatch"}, nil
	}
	return &engine.CancelResult{Success: false, Message: "execution already terminal"},
		errors.Newf(errors.KindAlreadyTerminal, "execution %q already terminal", id)
}

// Status returns the live record snapshot for in-flight executions, or the
// stored result for terminal ones. Unknown ids fail with kind NOT_FOUND.
func (s *Service) Status(id string) (*execution.Snapshot, error) {
	s.mu.Lock()
	live, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return live.rec.Snapshot(), nil
	}
	return s.store.Get(id)
}

// Result is Status under the result-read name: in-flight ids return the
// live record.
func (s *Service) Result(id string) (*execution.Snapshot, error) {
	return s.Status(id)
}

// ListFilter narrows ListExecutions results. Zero values match everything.
type ListFilter struct {
	State  engine.State
	Engine engine.Type
	Limit  int
}

// ListExecutions returns live and retained executions matching the filter,
// newest first.
func (s *Service) ListExecutions(f ListFilter) ([]*execution.Snapshot, error) {
	s.mu.Lock()
	snaps := make([]*execution.Snapshot, 0, len(s.live))
	seen := make(map[string]struct{}, len(s.live))
	for _, live := range s.live {
		snaps = append(snaps, live.rec.Snapshot())
		seen[live.req.ID] = struct{}{}
	}
	s.mu.Unlock()

	stored, err := s.store.List()
	if err != nil {
		return nil, err
	}
	for _, snap := range stored {
		// A finalize may race the listing; the live snapshot wins.
		if _, dup := seen[snap.ID]; !dup {
			snaps = append(snaps, snap)
		}
	}

	out := snaps[:0]
	for _, snap := range snaps {
		if f.State != "" && snap.State != f.State {
			continue
		}
		if f.Engine != "" && snap.Engine != f.Engine {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SubscribeLogs streams log entries for an execution. In-flight executions
// stream live as adapter logs arrive; terminal ones replay their retained
// logs and close immediately.
func (s *Service) SubscribeLogs(id string) (<-chan engine.LogEntry, func(), error) {
	s.mu.Lock()
	live, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		ch, unsub := live.rec.SubscribeLogs()
		return ch, unsub, nil
	}

	snap, err := s.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan engine.LogEntry, len(snap.Logs))
	for _, entry := range snap.Logs {
		ch <- entry
	}
	close(ch)
	return ch, func() {}, nil
}

// WorkersStatus returns a snapshot of every worker.
func (s *Service) WorkersStatus() []worker.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]worker.Info, 0, len(s.workers))
	for _, w := range s.workers {
		infos = append(infos, w.Snapshot())
	}
	return infos
}

// Metrics returns the aggregated metrics snapshot, including per-engine
// demand over queued and running executions.
func (s *Service) Metrics() MetricsSnapshot {
	s.mu.Lock()
	demand := make(map[string]int)
	for _, live := range s.live {
		if !live.rec.Terminal() {
			demand[string(live.req.Engine)]++
		}
	}
	s.mu.Unlock()

	snap := s.agg.Snapshot(s.queue.Len(), s.WorkersStatus())
	snap.EngineDemand = demand
	s.agg.ObserveEngineDemand(demand)
	return snap
}

// QueueSnapshot returns per-band queue statistics.
func (s *Service) QueueSnapshot() queue.Snapshot {
	return s.queue.Snapshot()
}

// NotifyCompletion lets a webhook-capable adapter short-circuit polling by
// delivering the terminal result directly. Returns false when the execution
// is not in flight.
func (s *Service) NotifyCompletion(id string, res *engine.Result) bool {
	s.mu.Lock()
	live, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !live.rec.Complete(res) {
		return false
	}
	s.emit(events.ExecutionCompleted, id, map[string]any{"via": "webhook"})
	s.finalize(live)
	return true
}

// Snapshot serializes the service state (queue, workers, live executions,
// metrics) for an external persistence adapter.
type Snapshot struct {
	Queue      queue.Snapshot        `json:"queue"`
	Workers    []worker.Info         `json:"workers"`
	Executions []*execution.Snapshot `json:"executions"`
	Metrics    MetricsSnapshot       `json:"metrics"`
	TakenAt    time.Time             `json:"taken_at"`
}

// SnapshotState captures a serializable snapshot of the core.
func (s *Service) SnapshotState() *Snapshot {
	s.mu.Lock()
	execs := make([]*execution.Snapshot, 0, len(s.live))
	for _, live := range s.live {
		execs = append(execs, live.rec.Snapshot())
	}
	s.mu.Unlock()

	return &Snapshot{
		Queue:      s.queue.Snapshot(),
		Workers:    s.WorkersStatus(),
		Executions: execs,
		Metrics:    s.Metrics(),
		TakenAt:    time.Now(),
	}
}

// Stop closes the queue, cancels all workers, waits up to the drain
// timeout, and tears down. Queued entries and executions that do not unwind
// in time are FAILED with kind SHUTDOWN.
func (s *Service) Stop() error {
	s.stateMu.Lock()
	if !s.started || s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	s.stateMu.Unlock()

	s.logger.Info("Execution service stopping")

	// Drain the queue first so nothing new reaches a worker.
	for _, entry := range s.queue.Close() {
		s.mu.Lock()
		live, ok := s.live[entry.Request.ID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if live.rec.Fail(errors.New(errors.KindShutdown, "service shutting down")) {
			s.emit(events.ExecutionFailed, entry.Request.ID, map[string]any{"kind": string(errors.KindShutdown)})
			s.finalize(live)
		}
	}

	// Cancel in-flight work and wait for the loops and workers to unwind.
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("Drain timeout elapsed with executions still in flight")
	}

	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}

	// Anything still live did not unwind within the drain timeout.
	s.mu.Lock()
	remaining := make([]*liveExecution, 0, len(s.live))
	for _, live := range s.live {
		remaining = append(remaining, live)
	}
	s.mu.Unlock()
	for _, live := range remaining {
		if live.rec.Fail(errors.New(errors.KindShutdown, "service shutting down")) {
			s.emit(events.ExecutionFailed, live.req.ID, map[string]any{"kind": string(errors.KindShutdown)})
		}
		s.finalize(live)
	}

	err := s.store.Close()
	s.logger.Info("Execution service stopped")
	return err
}

// finalize moves a terminal execution from the live set into the result
// store and folds its outcome into the aggregator.
func (s *Service) finalize(live *liveExecution) {
	snap := live.rec.Snapshot()
	if !snap.State.Terminal() {
		return
	}

	s.mu.Lock()
	delete(s.live, live.req.ID)
	retryDelta := snap.RetryCount - live.countedRetries
	live.countedRetries = snap.RetryCount
	s.mu.Unlock()

	deadline := time.Now().Add(time.Duration(s.cfg.Storage.ResultRetentionDays) * 24 * time.Hour)
	if err := s.store.Put(snap, deadline); err != nil {
		s.logger.Error("Failed to store execution result",
			slog.String(ilog.ExecutionIDKey, snap.ID), ilog.Error(err))
	}

	for i := 0; i < retryDelta; i++ {
		s.agg.RecordRetry()
	}
	switch snap.State {
	case engine.StateCompleted:
		s.agg.RecordCompleted(snap.Metrics.Duration)
	case engine.StateFailed:
		s.agg.RecordFailed(snap.Metrics.Duration)
	case engine.StateCancelled:
		s.agg.RecordCancelled()
	}
}

// breakerFor returns the per-adapter breaker, creating it on first use.
func (s *Service) breakerFor(t engine.Type) *resilience.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[t]; ok {
		return b
	}
	cb := s.cfg.FaultTolerance.CircuitBreaker
	b := resilience.NewBreaker(string(t), resilience.BreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		RecoveryTimeout:  cb.ResetTimeout,
		MonitoringPeriod: cb.MonitoringPeriod,
	}, s.logger)
	s.breakers[t] = b
	return b
}

// Breaker exposes the per-adapter breaker for status reporting.
func (s *Service) Breaker(t engine.Type) *resilience.Breaker {
	return s.breakerFor(t)
}

// spawnWorker creates and starts one worker. startupDelay simulates worker
// provisioning; the worker accepts no load until it elapses.
func (s *Service) spawnWorker(startupDelay time.Duration) *worker.Worker {
	s.mu.Lock()
	s.workerSeq++
	id := fmt.Sprintf("worker-%d", s.workerSeq)
	w := worker.New(id, worker.Config{
		Capacity:      s.cfg.Scaling.WorkerCapacity,
		GraceInterval: s.cfg.FaultTolerance.GraceInterval,
		Retry: resilience.RetryConfig{
			MaxAttempts:   s.cfg.FaultTolerance.MaxRetries + 1,
			InitialDelay:  s.cfg.FaultTolerance.RetryDelay,
			MaxDelay:      s.cfg.FaultTolerance.MaxRetryDelay,
			BackoffFactor: s.cfg.FaultTolerance.BackoffFactor,
			Jitter:        true,
		},
	}, s.bus, s.logger)
	s.workers[id] = w
	s.mu.Unlock()

	if startupDelay > 0 {
		time.AfterFunc(startupDelay, func() {
			w.Start()
			s.signalWorkerFreed()
		})
	} else {
		w.Start()
		s.signalWorkerFreed()
	}
	return w
}

// removeWorker drops a DEAD worker from the registry.
func (s *Service) removeWorker(id string) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
}

func (s *Service) signalWorkerFreed() {
	select {
	case s.workerFreed <- struct{}{}:
	default:
	}
}

func (s *Service) emit(kind events.Kind, executionID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: kind, ExecutionID: executionID, Payload: payload})
}

// sweepLoop evicts expired results periodically.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.store.Sweep(time.Now()); n > 0 {
				s.logger.Debug("Evicted expired results", slog.Int("count", n))
			}
		case <-s.ctx.Done():
			return
		}
	}
}
