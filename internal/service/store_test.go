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
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/maestrod/maestro/internal/config"
	"github.com/maestrod/maestro/internal/execution"
	"github.com/maestrod/maestro/pkg/engine"
	"github.com/maestrod/maestro/pkg/errors"
)

func snap(id string, created time.Time) *execution.Snapshot {
	return &execution.Snapshot{
		ID:        id,
		State:     engine.StateCompleted,
		CreatedAt: created,
		Output:    map[string]any{"result": "ok"},
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	original := snap("exec-1", time.Now())
	if err := s.Put(original, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("exec-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "exec-1" || got.State != engine.StateCompleted {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if got.Output["result"] != "ok" {
		t.Errorf("output lost in round trip: %v", got.Output)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get("missing"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	s.Put(snap("exec-1", time.Now()), time.Now().Add(time.Hour))

	if !s.Delete("exec-1") {
		t.Error("delete must report the entry existed")
	}
	if s.Delete("exec-1") {
		t.Error("second delete must report a miss")
	}
	if _, err := s.Get("exec-1"); err == nil {
		t.Error("deleted entry still readable")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.Put(snap("expired", now), now.Add(-time.Minute))
	s.Put(snap("fresh", now), now.Add(time.Hour))

	if n := s.Sweep(now); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if _, err := s.Get("expired"); err == nil {
		t.Error("expired entry survived the sweep")
	}
	if _, err := s.Get("fresh"); err != nil {
		t.Errorf("fresh entry evicted: %v", err)
	}
}

func TestMemoryStore_ListOrdered(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.Put(snap("newer", base.Add(time.Minute)), base.Add(time.Hour))
	s.Put(snap("older", base), base.Add(time.Hour))

	snaps, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 2 || snaps[0].ID != "older" || snaps[1].ID != "newer" {
		t.Errorf("list not ordered by creation time: %v", snaps)
	}
}

func TestGzipFilter_RoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("workflow output "), 100)

	encoded, err := GzipFilter{}.Encode(plain)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(encoded) >= len(plain) {
		t.Errorf("repetitive payload did not compress: %d >= %d", len(encoded), len(plain))
	}

	decoded, err := GzipFilter{}.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Error("round trip corrupted the payload")
	}
}

func TestAESFilter_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	f, err := NewAESFilter(key)
	if err != nil {
		t.Fatalf("NewAESFilter failed: %v", err)
	}

	plain := []byte(`{"id":"exec-1"}`)
	sealed, err := f.Encode(plain)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Error("ciphertext contains the plaintext")
	}

	opened, err := f.Decode(sealed)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Error("round trip corrupted the payload")
	}

	// A different key must not open it.
	other, _ := NewAESFilter(bytes.Repeat([]byte("x"), 32))
	if _, err := other.Decode(sealed); err == nil {
		t.Error("wrong key opened the ciphertext")
	}
}

func TestNewAESFilter_RejectsBadKey(t *testing.T) {
	if _, err := NewAESFilter([]byte("short")); err == nil {
		t.Error("expected error for a short key")
	}
}

func TestMemoryStore_FilterChain(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	aes, err := NewAESFilter(key)
	if err != nil {
		t.Fatal(err)
	}
	s := NewMemoryStore(GzipFilter{}, aes)

	original := snap("exec-1", time.Now())
	if err := s.Put(original, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Put through filter chain failed: %v", err)
	}
	got, err := s.Get("exec-1")
	if err != nil {
		t.Fatalf("Get through filter chain failed: %v", err)
	}
	if got.Output["result"] != "ok" {
		t.Errorf("filter chain corrupted the snapshot: %+v", got)
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Put(snap("exec-1", now), now.Add(time.Hour)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get("exec-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "exec-1" || got.Output["result"] != "ok" {
		t.Errorf("unexpected snapshot: %+v", got)
	}

	if _, err := s.Get("missing"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	s.Put(snap("expired", now), now.Add(-time.Minute))
	if n := s.Sweep(now); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}

	snaps, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("expected 1 retained snapshot, got %d", len(snaps))
	}
}

func TestBuildStore(t *testing.T) {
	cfg := config.StorageConfig{Backend: "memory", CompressionEnabled: true}
	store, err := buildStore(cfg)
	if err != nil {
		t.Fatalf("buildStore failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("expected MemoryStore, got %T", store)
	}

	cfg.EncryptionEnabled = true
	cfg.EncryptionKey = "short"
	if _, err := buildStore(cfg); err == nil {
		t.Error("expected error for a bad encryption key")
	}
}
