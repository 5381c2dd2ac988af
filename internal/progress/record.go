// SPDX-License-Identifier: MIT

// Package progress extracts live progress from a running encoder's key=value
// report stream and maintains a durable snapshot record per output location.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Status is the lifecycle state of one transcode attempt.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// RecordFileName is the snapshot written next to the produced output, read by
// the API layer without coordinating with the running worker.
const RecordFileName = "progress.json"

// Record is the snapshot of one running transcode attempt.
type Record struct {
	Status          Status    `json:"status"`
	Percent         int       `json:"progress_percent"`
	Frame           int64     `json:"frame"`
	FPS             float64   `json:"fps"`
	Speed           string    `json:"speed"`
	ElapsedTime     string    `json:"elapsed_time"`
	Bitrate         string    `json:"bitrate"`
	OutputSizeBytes int64     `json:"output_size_bytes"`
	LastUpdate      time.Time `json:"last_update"`
	Error           string    `json:"error,omitempty"`
}

// RecordPath returns the snapshot location for an output directory.
func RecordPath(outputDir string) string {
	return filepath.Join(outputDir, RecordFileName)
}

// ReadRecord loads a snapshot. os.IsNotExist errors mean no attempt has
// written progress for this output yet.
func ReadRecord(outputDir string) (Record, error) {
	data, err := os.ReadFile(RecordPath(outputDir))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode progress record: %w", err)
	}
	return rec, nil
}

func writeRecord(outputDir string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}
	if err := renameio.WriteFile(RecordPath(outputDir), data, 0o644); err != nil {
		return fmt.Errorf("atomically replace progress record: %w", err)
	}
	return nil
}
