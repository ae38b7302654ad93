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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/maestrod/maestro/internal/execution"
	"github.com/maestrod/maestro/pkg/errors"
)

// ResultStore retains terminal execution records until their retention
// deadline. Implementations must be safe for concurrent use.
type ResultStore interface {
	Put(snap *execution.Snapshot, deadline time.Time) error
	Get(id string) (*execution.Snapshot, error)
	Delete(id string) bool
	// Sweep evicts entries whose deadline has passed and returns the
	// eviction count.
	Sweep(now time.Time) int
	// List returns all retained snapshots ordered by creation time.
	List() ([]*execution.Snapshot, error)
	Close() error
}

// memoryEntry is one stored record, already passed through the filter
// chain.
type memoryEntry struct {
	data     []byte
	deadline time.Time
	created  time.Time
}

// MemoryStore is the default in-memory result store. Records are stored as
// JSON after the configured filter chain (compression, encryption) so the
// filters are exercised the same way as with a persistent backing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	filters []Filter
}

// NewMemoryStore creates a store applying the given filters on write, in
// order, and reversing them on read.
func NewMemoryStore(filters ...Filter) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		filters: filters,
	}
}

// Put stores a terminal snapshot until deadline. A second Put for the same
// id overwrites.
func (s *MemoryStore) Put(snap *execution.Snapshot, deadline time.Time) error {
	data, err := encodeSnapshot(snap, s.filters)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[snap.ID] = &memoryEntry{data: data, deadline: deadline, created: snap.CreatedAt}
	s.mu.Unlock()
	return nil
}

// Get returns the stored snapshot or kind NOT_FOUND.
func (s *MemoryStore) Get(id string) (*execution.Snapshot, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "no result for execution %q", id)
	}
	return decodeSnapshot(entry.data, s.filters)
}

// Delete removes a stored record, reporting whether it existed.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	return ok
}

// Sweep evicts expired entries.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, entry := range s.entries {
		if now.After(entry.deadline) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// List returns all retained snapshots ordered by creation time.
func (s *MemoryStore) List() ([]*execution.Snapshot, error) {
	s.mu.RLock()
	datas := make([][]byte, 0, len(s.entries))
	for _, entry := range s.entries {
		datas = append(datas, entry.data)
	}
	s.mu.RUnlock()

	snaps := make([]*execution.Snapshot, 0, len(datas))
	for _, data := range datas {
		snap, err := decodeSnapshot(data, s.filters)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func encodeSnapshot(snap *execution.Snapshot, filters []Filter) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if data, err = f.Encode(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func decodeSnapshot(data []byte, filters []Filter) (*execution.Snapshot, error) {
	var err error
	for i := len(filters) - 1; i >= 0; i-- {
		if data, err = filters[i].Decode(data); err != nil {
			return nil, err
		}
	}
	var snap execution.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
