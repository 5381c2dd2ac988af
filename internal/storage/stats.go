// SPDX-License-Identifier: MIT

package storage

import (
	"github.com/hlscache/hlscache/internal/queue"
)

// OwnerStats aggregates output state for one owner. Completion is counted
// from on-disk artifacts, not queue state: the two views are reconciled here
// as an independent consistency cross-check.
type OwnerStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`

	// QueueCompleted is the queue's own view, reported alongside the
	// disk-derived count so drift is visible to callers.
	QueueCompleted int `json:"queue_completed"`
}

// StatsFor computes aggregate counts for ownerID from the queue snapshot and
// the configured output locations.
func (r *Resolver) StatsFor(jobs []queue.Job, ownerID string) OwnerStats {
	var stats OwnerStats
	for _, j := range jobs {
		if j.OwnerID != ownerID {
			continue
		}
		stats.Total++
		if j.Status == queue.StatusCompleted {
			stats.QueueCompleted++
		}

		cached := false
		for _, dir := range r.CandidateDirs(ownerID, j.Source, j.Settings) {
			if HasPackage(dir) {
				cached = true
				break
			}
		}
		if cached {
			stats.Completed++
		} else {
			stats.Pending++
		}
	}
	return stats
}

// CachedSubset returns the filenames from names (all in directory) that
// already have a package on disk under any candidate location. Used for bulk
// UI badging without one lookup per file.
func (r *Resolver) CachedSubset(ownerID, directory string, names []string, settings queue.JobSettings) []string {
	var cached []string
	for _, name := range names {
		src := queue.SourceFile{Name: name, Directory: directory}
		for _, dir := range r.CandidateDirs(ownerID, src, settings) {
			if HasPackage(dir) {
				cached = append(cached, name)
				break
			}
		}
	}
	return cached
}
