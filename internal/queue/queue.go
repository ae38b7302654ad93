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

// Package queue provides the bounded priority queue feeding the dispatcher.
//
// The queue holds four priority bands (critical > high > normal > low).
// Within a band entries are FIFO by a monotonic sequence number; across
// bands strict priority applies. Total size is bounded; enqueueing beyond
// the bound fails with kind QUEUE_FULL.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/maestrod/maestro/internal/execution"
	"github.com/maestrod/maestro/pkg/errors"
)

// bandCount is the number of priority bands.
const bandCount = int(execution.PriorityCritical) + 1

// ErrClosed is returned from operations on a closed queue.
var ErrClosed = errors.New(errors.KindShutdown, "queue is closed")

// Entry is a queued execution request.
type Entry struct {
	Request    *execution.Request
	Priority   execution.Priority
	EnqueuedAt time.Time

	seq uint64
}

// Seq returns the entry's monotonic sequence number.
func (e *Entry) Seq() uint64 { return e.seq }

// Snapshot reports per-band queue statistics.
type Snapshot struct {
	Size      int                           `json:"size"`
	MaxSize   int                           `json:"max_size"`
	PerBand   map[string]int                `json:"per_band"`
	OldestAge map[string]time.Duration      `json:"oldest_age,omitempty"`
}

// Queue is a bounded multi-level FIFO keyed by priority.
type Queue struct {
	mu      sync.Mutex
	bands   [bandCount][]*Entry
	size    int
	maxSize int
	seq     uint64
	signal  chan struct{}
	closed  bool
}

// New creates a queue bounded at maxSize entries.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a request to its priority band. Fails with kind QUEUE_FULL
// at capacity and kind SHUTDOWN after Close.
func (q *Queue) Enqueue(req *execution.Request) (*Entry, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.size >= q.maxSize {
		q.mu.Unlock()
		return nil, errors.Newf(errors.KindQueueFull, "queue is full (%d entries)", q.maxSize)
	}

	q.seq++
	entry := &Entry{
		Request:    req,
		Priority:   req.Priority,
		EnqueuedAt: time.Now(),
		seq:        q.seq,
	}
	b := bandIndex(req.Priority)
	q.bands[b] = append(q.bands[b], entry)
	q.size++
	q.wake()
	q.mu.Unlock()

	return entry, nil
}

// Requeue puts an entry back preserving its original sequence number, so
// FIFO order within the band is not disturbed by dispatcher putbacks.
func (q *Queue) Requeue(entry *Entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	b := bandIndex(entry.Priority)
	band := q.bands[b]
	// Insert by sequence; a putback almost always lands at the front.
	pos := len(band)
	for i, e := range band {
		if entry.seq < e.seq {
			pos = i
			break
		}
	}
	band = append(band, nil)
	copy(band[pos+1:], band[pos:])
	band[pos] = entry
	q.bands[b] = band
	q.size++
	q.wake()
	q.mu.Unlock()

	return nil
}

// Dequeue removes and returns the highest-priority oldest entry. It blocks
// until an entry is available, the context is cancelled, or the queue is
// closed.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		q.mu.Lock()
		for b := bandCount - 1; b >= 0; b-- {
			if len(q.bands[b]) > 0 {
				entry := q.bands[b][0]
				q.bands[b] = q.bands[b][1:]
				q.size--
				if q.size > 0 {
					q.wake()
				}
				q.mu.Unlock()
				return entry, nil
			}
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// CancelByID removes a pending entry without running it. Returns the entry
// and true if it was still queued.
func (q *Queue) CancelByID(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for b := range q.bands {
		for i, e := range q.bands[b] {
			if e.Request.ID == id {
				q.bands[b] = append(q.bands[b][:i], q.bands[b][i+1:]...)
				q.size--
				return e, true
			}
		}
	}
	return nil, false
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Snapshot returns per-band counts and oldest-entry ages.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		Size:      q.size,
		MaxSize:   q.maxSize,
		PerBand:   make(map[string]int, bandCount),
		OldestAge: make(map[string]time.Duration),
	}
	now := time.Now()
	for b := range q.bands {
		p := execution.Priority(b)
		snap.PerBand[p.String()] = len(q.bands[b])
		if len(q.bands[b]) > 0 {
			snap.OldestAge[p.String()] = now.Sub(q.bands[b][0].EnqueuedAt)
		}
	}
	return snap
}

// OldestWait returns the age of the oldest entry across all bands, or zero
// when the queue is empty.
func (q *Queue) OldestWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for b := range q.bands {
		if len(q.bands[b]) > 0 {
			t := q.bands[b][0].EnqueuedAt
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// Close marks the queue closed and wakes all waiters. Remaining entries are
// returned so the caller can complete them with kind SHUTDOWN.
func (q *Queue) Close() []*Entry {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var drained []*Entry
	for b := bandCount - 1; b >= 0; b-- {
		drained = append(drained, q.bands[b]...)
		q.bands[b] = nil
	}
	q.size = 0
	close(q.signal)
	q.mu.Unlock()
	return drained
}

// wake signals a waiting Dequeue without blocking. Callers must hold q.mu,
// which keeps the send ordered against Close.
func (q *Queue) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func bandIndex(p execution.Priority) int {
	if p < execution.PriorityLow {
		return int(execution.PriorityLow)
	}
	if p > execution.PriorityCritical {
		return int(execution.PriorityCritical)
	}
	return int(p)
}
