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
	"sort"
	"time"

	"github.com/maestrod/maestro/internal/events"
	"github.com/maestrod/maestro/internal/execution"
	ilog "github.com/maestrod/maestro/internal/log"
	"github.com/maestrod/maestro/internal/queue"
	"github.com/maestrod/maestro/internal/worker"
	"github.com/maestrod/maestro/pkg/errors"
)

// dispatchLoop moves entries from the queue onto workers. When no
// compatible worker has a free slot the entry is put back with its
// original sequence and the loop waits for a freed slot or the idle poll
// interval.
func (s *Service) dispatchLoop() {
	for {
		entry, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			return
		}
		if s.dispatch(entry) {
			continue
		}

		if err := s.queue.Requeue(entry); err != nil {
			// Queue closed under us; the shutdown path finishes the entry.
			return
		}
		select {
		case <-s.workerFreed:
		case <-time.After(s.cfg.Queue.ProcessingInterval):
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch places one entry on a worker. Returns false only when no
// compatible worker has capacity; all other outcomes consume the entry.
func (s *Service) dispatch(entry *queue.Entry) bool {
	req := entry.Request

	s.mu.Lock()
	live, ok := s.live[req.ID]
	s.mu.Unlock()
	if !ok || live.rec.Terminal() {
		// Cancelled between dequeue and dispatch.
		return true
	}

	adapter, err := s.registry.Get(req.Engine)
	if err != nil {
		if live.rec.Fail(errors.AsExecutionError(err, errors.KindNoAdapterRegistered)) {
			s.emit(events.ExecutionFailed, req.ID, map[string]any{"kind": string(errors.KindNoAdapterRegistered)})
			s.finalize(live)
		}
		return true
	}

	w := s.selectWorker(req)
	if w == nil {
		return false
	}

	task := &worker.Task{
		Request: req,
		Record:  live.rec,
		Adapter: adapter,
		Breaker: s.breakerFor(req.Engine),
		OnFinished: func(t *worker.Task) {
			s.mu.Lock()
			l, ok := s.live[t.Request.ID]
			s.mu.Unlock()
			if ok {
				s.finalize(l)
			}
			// A worker drained while busy is reaped when its last slot
			// releases.
			s.reapIfDrained(w)
			s.signalWorkerFreed()
		},
	}

	s.logger.Debug("Dispatching execution",
		slog.String(ilog.ExecutionIDKey, req.ID),
		slog.String(ilog.WorkerIDKey, w.ID()),
		slog.String(ilog.PriorityKey, req.Priority.String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Process(s.ctx, task)
	}()
	return true
}

// selectWorker picks the least-loaded compatible worker with a free slot,
// breaking ties by lowest failure rate. The chosen worker's slot is already
// claimed on return.
func (s *Service) selectWorker(req *execution.Request) *worker.Worker {
	s.mu.Lock()
	candidates := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.Serves(req.Engine) {
			candidates = append(candidates, w)
		}
	}
	s.mu.Unlock()

	type scored struct {
		w    *worker.Worker
		info worker.Info
	}
	ranked := make([]scored, 0, len(candidates))
	for _, w := range candidates {
		info := w.Snapshot()
		if info.Status == worker.StatusDead || info.Status == worker.StatusDraining {
			continue
		}
		ranked = append(ranked, scored{w, info})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].info.Load != ranked[j].info.Load {
			return ranked[i].info.Load < ranked[j].info.Load
		}
		return ranked[i].info.FailureRate() < ranked[j].info.FailureRate()
	})

	for _, c := range ranked {
		if c.w.TryAcquire() {
			return c.w
		}
	}
	return nil
}
