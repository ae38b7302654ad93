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

// Package events provides the process-local lifecycle event bus.
//
// Delivery is non-blocking: each subscriber owns a bounded buffer drained
// by its own goroutine, so a slow subscriber never delays execution
// progress. Overflow drops the oldest buffered event and surfaces a
// counter on the bus itself.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a lifecycle event type.
type Kind string

// Event kinds emitted by the core.
const (
	ExecutionStarted   Kind = "executionStarted"
	ExecutionCompleted Kind = "executionCompleted"
	ExecutionFailed    Kind = "executionFailed"
	ExecutionCancelled Kind = "executionCancelled"
	WorkerStarted      Kind = "worker_started"
	WorkerStopped      Kind = "worker_stopped"
	ScalingCompleted   Kind = "scaling_completed"
	ScheduleError      Kind = "schedule_error"
	Started            Kind = "started"
	Stopped            Kind = "stopped"

	// EventsDropped is emitted by the bus itself when a subscriber's
	// buffer overflows.
	EventsDropped Kind = "events_dropped"
)

// Event is a single lifecycle event. ExecutionID is set for execution
// events and empty otherwise.
type Event struct {
	Kind        Kind           `json:"kind"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Handler consumes events. Handlers run on the subscriber's own goroutine.
type Handler func(Event)

// defaultBufferSize bounds each subscriber's pending events.
const defaultBufferSize = 256

type subscriber struct {
	id      int
	kinds   map[Kind]struct{} // nil means all kinds
	ch      chan Event
	handler Handler
	dropped atomic.Uint64
	done    chan struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans lifecycle events out to subscribers in registration order.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	nextID  int
	bufSize int
	closed  bool
	wg      sync.WaitGroup
}

// NewBus creates a bus with the default per-subscriber buffer size.
func NewBus() *Bus {
	return NewBusWithBuffer(defaultBufferSize)
}

// NewBusWithBuffer creates a bus with a custom per-subscriber buffer size.
func NewBusWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{bufSize: size}
}

// Subscribe registers a handler for the given kinds (all kinds when none
// are given). It returns an unsubscribe func.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) func() {
	sub := &subscriber{
		ch:      make(chan Event, b.bufSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				sub.handler(ev)
			case <-sub.done:
				// Drain what is already buffered, then exit.
				for {
					select {
					case ev := <-sub.ch:
						sub.handler(ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers an event to all matching subscriber buffers in
// registration order. It never blocks; on a full buffer the oldest event
// is dropped and an events_dropped counter event is published.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		if b.offer(sub, ev) && ev.Kind != EventsDropped {
			total := sub.dropped.Add(1)
			b.Publish(Event{
				Kind: EventsDropped,
				Payload: map[string]any{
					"subscriber":    sub.id,
					"total_dropped": total,
				},
			})
		}
	}
}

// offer enqueues ev, dropping the oldest buffered event on overflow.
// Returns true if a drop occurred.
func (b *Bus) offer(sub *subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return false
	default:
	}
	// Buffer full: discard the oldest and try once more.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	return true
}

// Close stops delivery and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}
