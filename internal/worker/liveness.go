// SPDX-License-Identifier: MIT

// Package worker runs the supervisor loop around the dispatcher and the
// watchdog that keeps exactly one supervisor alive per host.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Liveness is the well-known record identifying the current supervisor,
// written to temporary storage for the watchdog.
type Liveness struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// DefaultLivenessPath returns the well-known liveness file location.
func DefaultLivenessPath() string {
	return filepath.Join(os.TempDir(), "hlscache-worker.json")
}

// StaleAt reports whether the record is past the ceiling at now. A stale
// record is ignored even if the identified process happens to still exist.
func (l Liveness) StaleAt(now time.Time, ceiling time.Duration) bool {
	return now.Sub(l.StartedAt) > ceiling
}

// WriteLiveness atomically replaces the liveness record for this process.
func WriteLiveness(path string, startedAt time.Time) error {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(Liveness{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: startedAt,
	})
	if err != nil {
		return fmt.Errorf("encode liveness record: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write liveness record: %w", err)
	}
	return nil
}

// ReadLiveness loads the liveness record at path.
func ReadLiveness(path string) (Liveness, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Liveness{}, err
	}
	var l Liveness
	if err := json.Unmarshal(data, &l); err != nil {
		return Liveness{}, fmt.Errorf("decode liveness record: %w", err)
	}
	return l, nil
}

// RemoveLiveness deletes the record; a missing file is not an error.
func RemoveLiveness(path string) {
	_ = os.Remove(path)
}
