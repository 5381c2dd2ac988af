// SPDX-License-Identifier: MIT

package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Store persists the full queue as a single JSON document. Writers must hold
// the advisory file lock for the whole read-modify-write cycle; Queue does
// this for every operation.
type Store struct {
	path string
}

// NewStore returns a store backed by the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the queue document.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full job list. A missing document is an empty queue, not an
// error.
func (s *Store) Load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue document: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode queue document: %w", err)
	}
	return jobs, nil
}

// Save atomically replaces the full job list. renameio handles temp file
// creation, fsync and the atomic rename.
func (s *Store) Save(jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue document: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("atomically replace queue document: %w", err)
	}
	return nil
}

// lockPath is the sidecar used for the cross-process advisory lock. Locking
// the document itself would race with the atomic rename on save.
func (s *Store) lockPath() string {
	return s.path + ".lock"
}
