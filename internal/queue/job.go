// SPDX-License-Identifier: MIT

// Package queue implements the durable transcoding job queue and its status
// state machine.
package queue

import "time"

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// SourceFile identifies one source media file by name and directory.
type SourceFile struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
}

// JobSettings carries per-job encoding options. The queue stores them
// verbatim; only the executor and the output resolver interpret them.
type JobSettings struct {
	Renditions   []string `json:"renditions,omitempty"`
	OutputPolicy string   `json:"output_policy,omitempty"`
	CustomPath   string   `json:"custom_path,omitempty"`
	Overwrite    bool     `json:"overwrite,omitempty"`
}

// Job is one request to produce a streaming package from one source file.
type Job struct {
	ID       string      `json:"id"`
	OwnerID  string      `json:"owner_id"`
	Source   SourceFile  `json:"source"`
	Settings JobSettings `json:"settings"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	AbortedAt   *time.Time `json:"aborted_at,omitempty"`

	Error     string `json:"error,omitempty"`
	ProcessID int    `json:"process_id,omitempty"`
}

// Matches reports whether the record belongs to owner and covers the given
// file. Aborted records never match: a resubmission after an abort starts a
// fresh job.
func (j Job) Matches(ownerID, name, directory string) bool {
	return j.Status != StatusAborted &&
		j.OwnerID == ownerID &&
		j.Source.Name == name &&
		j.Source.Directory == directory
}
