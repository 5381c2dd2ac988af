// SPDX-License-Identifier: MIT

package queue

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/metrics"
)

// Queue owns the canonical job records. Every operation reloads the document,
// mutates it in memory and writes it back, holding both the in-process mutex
// and the advisory file lock for the whole cycle.
type Queue struct {
	mu     sync.Mutex
	store  *Store
	logger zerolog.Logger

	// Now is the clock used for all timestamps. Tests replace it.
	Now func() time.Time
}

// New returns a queue backed by store.
func New(store *Store) *Queue {
	return &Queue{
		store:  store,
		logger: log.WithComponent("queue"),
		Now:    time.Now,
	}
}

// StorePath returns the location of the underlying queue document.
func (q *Queue) StorePath() string {
	return q.store.Path()
}

// withStore runs fn against the loaded job list under both locks. If fn
// returns true the mutated list is written back. Save failures are logged and
// swallowed: the caller's view goes stale but the daemon keeps running.
func (q *Queue) withStore(fn func(jobs []Job) ([]Job, bool)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	release, err := q.store.acquireFileLock()
	if err != nil {
		return err
	}
	defer release()

	jobs, err := q.store.Load()
	if err != nil {
		return err
	}
	mutated, dirty := fn(jobs)
	if !dirty {
		return nil
	}
	if err := q.store.Save(mutated); err != nil {
		q.logger.Error().Err(err).Str("event", "queue.save_failed").Msg("failed to persist queue document")
	}
	return nil
}

// Enqueue records a new pending job, or returns the id of an existing
// non-aborted record for the same owner and file (idempotent coalescing).
func (q *Queue) Enqueue(ownerID string, src SourceFile, settings JobSettings) (string, error) {
	var (
		id      string
		created bool
	)
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		for _, j := range jobs {
			if j.Matches(ownerID, src.Name, src.Directory) {
				id = j.ID
				return jobs, false
			}
		}
		id = uuid.NewString()
		created = true
		jobs = append(jobs, Job{
			ID:       id,
			OwnerID:  ownerID,
			Source:   src,
			Settings: settings,
			Status:   StatusPending,
			AddedAt:  q.Now(),
		})
		return jobs, true
	})
	if err != nil {
		return "", err
	}
	outcome := "coalesced"
	if created {
		outcome = "created"
	}
	q.logger.Info().
		Str("event", "queue.enqueue").
		Str("job_id", id).
		Str("owner", ownerID).
		Str("file", src.Name).
		Str("directory", src.Directory).
		Str("outcome", outcome).
		Msg("job submitted")
	metrics.RecordEnqueue(outcome)
	return id, nil
}

// IsQueued reports whether a non-aborted record exists for the given file.
func (q *Queue) IsQueued(ownerID, name, directory string) (bool, error) {
	found := false
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		for _, j := range jobs {
			if j.Matches(ownerID, name, directory) {
				found = true
				break
			}
		}
		return jobs, false
	})
	return found, err
}

// FilterUnqueued returns the subset of candidates with no matching non-aborted
// record, for bulk discovery callers.
func (q *Queue) FilterUnqueued(candidates []SourceFile, ownerID string) ([]SourceFile, error) {
	var out []SourceFile
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		for _, c := range candidates {
			known := false
			for _, j := range jobs {
				if j.Matches(ownerID, c.Name, c.Directory) {
					known = true
					break
				}
			}
			if !known {
				out = append(out, c)
			}
		}
		return jobs, false
	})
	return out, err
}

// Snapshot returns a copy of all records in store order.
func (q *Queue) Snapshot() ([]Job, error) {
	var out []Job
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		out = append(out, jobs...)
		return jobs, false
	})
	return out, err
}

// MarkStarted transitions a job to processing for a new attempt: increments
// the attempt counter, stamps startedAt and records the worker pid. Returns
// the updated record, or ok=false if the job no longer exists.
func (q *Queue) MarkStarted(jobID string) (Job, bool, error) {
	var (
		started Job
		ok      bool
	)
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID != jobID {
				continue
			}
			now := q.Now()
			jobs[i].Status = StatusProcessing
			jobs[i].Attempts++
			jobs[i].StartedAt = &now
			jobs[i].ProcessID = os.Getpid()
			started = jobs[i]
			ok = true
			return jobs, true
		}
		return jobs, false
	})
	return started, ok, err
}

// UpdateStatus applies a status transition and persists it. Unknown job ids
// are a no-op (already-deleted jobs are not errors), as are transitions out
// of a terminal status. A retriable failure demotes the record to the end of
// the store so it queues behind newer pending work.
func (q *Queue) UpdateStatus(jobID string, status Status, errMsg string) error {
	return q.withStore(func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID != jobID {
				continue
			}
			if jobs[i].Status.Terminal() {
				q.logger.Warn().
					Str("event", "queue.transition_ignored").
					Str("job_id", jobID).
					Str("from", string(jobs[i].Status)).
					Str("to", string(status)).
					Msg("ignoring transition out of terminal status")
				return jobs, false
			}
			now := q.Now()
			jobs[i].Status = status
			switch status {
			case StatusCompleted:
				jobs[i].CompletedAt = &now
				jobs[i].Error = ""
			case StatusFailed:
				jobs[i].FailedAt = &now
				jobs[i].Error = errMsg
			case StatusAborted:
				jobs[i].AbortedAt = &now
				jobs[i].Error = errMsg
			}
			q.logger.Info().
				Str("event", "queue.transition").
				Str("job_id", jobID).
				Str("status", string(status)).
				Int("attempts", jobs[i].Attempts).
				Msg("job status updated")
			if status == StatusFailed {
				// Retried jobs queue behind newer work instead of starving it.
				demoted := jobs[i]
				jobs = append(append(jobs[:i:i], jobs[i+1:]...), demoted)
			}
			return jobs, true
		}
		return jobs, false
	})
}

// Remove deletes a record if both id and owner match. The owner check is the
// authorization boundary for user-initiated deletes.
func (q *Queue) Remove(jobID, ownerID string) (bool, error) {
	removed := false
	err := q.withStore(func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID == jobID && jobs[i].OwnerID == ownerID {
				jobs = append(jobs[:i], jobs[i+1:]...)
				removed = true
				return jobs, true
			}
		}
		return jobs, false
	})
	return removed, err
}
