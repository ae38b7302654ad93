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
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maestrod/maestro/internal/execution"
	"github.com/maestrod/maestro/pkg/errors"
)

// SQLiteStore persists terminal results so they survive a daemon restart.
// The filter chain applies the same way as for the in-memory store.
type SQLiteStore struct {
	db      *sql.DB
	filters []Filter
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
	id         TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	deadline   INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_deadline ON results(deadline);
`

// NewSQLiteStore opens (creating if needed) the results database at path.
func NewSQLiteStore(path string, filters ...Filter) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results schema: %w", err)
	}
	return &SQLiteStore{db: db, filters: filters}, nil
}

// Put stores a terminal snapshot until deadline.
func (s *SQLiteStore) Put(snap *execution.Snapshot, deadline time.Time) error {
	data, err := encodeSnapshot(snap, s.filters)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO results (id, data, deadline, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, deadline = excluded.deadline`,
		snap.ID, data, deadline.UnixNano(), snap.CreatedAt.UnixNano())
	return err
}

// Get returns the stored snapshot or kind NOT_FOUND.
func (s *SQLiteStore) Get(id string) (*execution.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM results WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.KindNotFound, "no result for execution %q", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data, s.filters)
}

// Delete removes a stored record, reporting whether it existed.
func (s *SQLiteStore) Delete(id string) bool {
	res, err := s.db.Exec(`DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// Sweep evicts expired entries.
func (s *SQLiteStore) Sweep(now time.Time) int {
	res, err := s.db.Exec(`DELETE FROM results WHERE deadline < ?`, now.UnixNano())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// List returns all retained snapshots ordered by creation time.
func (s *SQLiteStore) List() ([]*execution.Snapshot, error) {
	rows, err := s.db.Query(`SELECT data FROM results ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*execution.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data, s.filters)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
