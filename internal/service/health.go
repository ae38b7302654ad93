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
	"log/slog"
	"time"

	"github.com/maestrod/maestro/internal/events"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/worker"
	"github.com/maestrod/maestro/pkg/errors"
)

// stalenessFactor: a worker is considered lost after this many missed
// heartbeat intervals.
const stalenessFactor = 3

// healthLoop watches worker heartbeats, declares stale workers DEAD,
// recovers their executions, and keeps the pool at or above minWorkers.
func (s *Service) healthLoop() {
	ticker := time.NewTicker(s.cfg.Metrics.CollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkWorkers()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) checkWorkers() {
	staleness := stalenessFactor * worker.DefaultConfig().HeartbeatInterval
	now := time.Now()

	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	alive := 0
	for _, w := range workers {
		if w.Status() == worker.StatusDead {
			s.removeWorker(w.ID())
			continue
		}
		if w.Draining() && w.Load() == 0 {
			s.reapIfDrained(w)
			continue
		}
		if now.Sub(w.LastHeartbeat()) > staleness {
			s.failWorker(w)
			continue
		}
		alive++
	}

	// Replace lost workers up to the minimum.
	for i := alive; i < s.cfg.Scaling.MinWorkers; i++ {
		s.spawnWorker(s.cfg.Scaling.WorkerStartupTime)
	}
}

// HandleExecutorFailure forcibly fails a worker, recovering its executions.
// This is the admin hook behind the same path the health checker takes.
func (s *Service) HandleExecutorFailure(workerID string) error {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.KindNotFound, "no worker %q", workerID)
	}
	s.failWorker(w)
	s.checkWorkers()
	return nil
}

// failWorker declares a worker DEAD and re-enqueues its executions at their
// original priority, consuming one retry each. Executions over budget fail
// with kind WORKER_LOST.
func (s *Service) failWorker(w *worker.Worker) {
	ids := w.ActiveExecutions()
	w.Stop()
	s.removeWorker(w.ID())
	s.logger.Warn("Worker declared lost",
		slog.String(ilog.WorkerIDKey, w.ID()),
		slog.Int("orphaned_executions", len(ids)))

	for _, id := range ids {
		s.mu.Lock()
		live, ok := s.live[id]
		s.mu.Unlock()
		if !ok || live.rec.Terminal() {
			continue
		}
		if !live.rec.MarkRequeued() {
			continue
		}

		if live.rec.RetryCount() > live.req.MaxRetries {
			s.failLost(live, "retry budget exhausted after worker loss")
			continue
		}

		live.req.RetryCount = live.rec.RetryCount()
		if _, err := s.queue.Enqueue(live.req); err != nil {
			s.failLost(live, "could not re-enqueue after worker loss")
		}
	}
}

func (s *Service) failLost(live *liveExecution, msg string) {
	if live.rec.Fail(errors.New(errors.KindWorkerLost, msg)) {
		s.emit(events.ExecutionFailed, live.req.ID, map[string]any{"kind": string(errors.KindWorkerLost)})
		s.finalize(live)
	}
}
