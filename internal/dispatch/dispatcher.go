// SPDX-License-Identifier: MIT

// Package dispatch drives the job status state machine: it reclaims stale
// records, selects eligible candidates and starts them up to the concurrency
// limit.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/metrics"
	"github.com/hlscache/hlscache/internal/queue"
)

// Executor runs one job attempt. Implemented by the ffmpeg executor; tests
// substitute stubs.
type Executor interface {
	Run(ctx context.Context, job queue.Job) error
}

// Config tunes the dispatcher. Zero values fall back to spec defaults.
type Config struct {
	MaxConcurrentJobs int           // logical jobs in flight
	MaxAttempts       int           // attempts before a job is aborted
	StaleAfter        time.Duration // processing age treated as crashed
}

// CycleResult summarizes one dispatch cycle for the supervisor's pacing
// decision.
type CycleResult struct {
	Active         int // processing records after the cycle's starts
	Started        int
	StaleReclaimed int
}

// Dispatcher owns all conversions from execution outcomes to queue
// transitions. No executor error escapes a cycle: one bad job must not stop
// queue processing of the others.
type Dispatcher struct {
	cfg    Config
	queue  *queue.Queue
	exec   Executor
	logger zerolog.Logger

	// Now is the clock used for staleness decisions. Tests replace it.
	Now func() time.Time
}

// New returns a dispatcher over q driving exec.
func New(cfg Config, q *queue.Queue, exec Executor) *Dispatcher {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 8 * time.Hour
	}
	return &Dispatcher{
		cfg:    cfg,
		queue:  q,
		exec:   exec,
		logger: log.WithComponent("dispatch"),
		Now:    time.Now,
	}
}

// RunCycle performs one scan-and-start pass. Starts run concurrently up to
// the free slot count and the cycle blocks until all of them finish.
func (d *Dispatcher) RunCycle(ctx context.Context) CycleResult {
	metrics.DispatchCyclesTotal.Inc()
	var result CycleResult

	jobs, err := d.queue.Snapshot()
	if err != nil {
		d.logger.Error().Err(err).Str("event", "dispatch.snapshot_failed").Msg("cannot read queue")
		return result
	}

	result.StaleReclaimed = d.reclaimStale(jobs)
	if result.StaleReclaimed > 0 {
		// Reload so demoted records and freed slots are visible below.
		if jobs, err = d.queue.Snapshot(); err != nil {
			d.logger.Error().Err(err).Str("event", "dispatch.snapshot_failed").Msg("cannot re-read queue")
			return result
		}
	}

	live := 0
	for _, j := range jobs {
		if j.Status == queue.StatusProcessing {
			live++
		}
	}

	slots := d.cfg.MaxConcurrentJobs - live
	candidates := d.eligible(jobs)
	if slots > len(candidates) {
		slots = len(candidates)
	}
	if slots <= 0 {
		result.Active = live
		metrics.SetJobsProcessing(float64(live))
		return result
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range candidates[:slots] {
		job := job
		g.Go(func() error {
			d.runJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	result.Started = slots
	result.Active = live + slots
	metrics.SetJobsProcessing(float64(live))
	return result
}

// reclaimStale fails processing records whose attempt started longer ago
// than the staleness ceiling. The attempt was consumed when the job started;
// the underlying OS process, if any, is left alone. A stale final attempt
// goes straight to aborted, so the record is terminal and a resubmission of
// the same file starts a fresh job instead of coalescing onto a dead one.
func (d *Dispatcher) reclaimStale(jobs []queue.Job) int {
	cutoff := d.Now().Add(-d.cfg.StaleAfter)
	reclaimed := 0
	for _, j := range jobs {
		if j.Status != queue.StatusProcessing || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		status := queue.StatusFailed
		if j.Attempts >= d.cfg.MaxAttempts {
			status = queue.StatusAborted
		}
		msg := fmt.Sprintf("stale: processing since %s, presumed crashed", j.StartedAt.Format(time.RFC3339))
		if err := d.queue.UpdateStatus(j.ID, status, msg); err != nil {
			d.logger.Error().Err(err).Str("job_id", j.ID).Str("event", "dispatch.stale_update_failed").Msg("failed to reclaim stale job")
			continue
		}
		metrics.JobsStaleTotal.Inc()
		d.logger.Warn().
			Str("event", "dispatch.stale").
			Str("job_id", j.ID).
			Str("status", string(status)).
			Int("attempts", j.Attempts).
			Time("started_at", *j.StartedAt).
			Msg("reclaimed stale processing job")
		reclaimed++
	}
	return reclaimed
}

// eligible returns dispatch candidates in store order: pending records plus
// failed records that still have attempts left. Retried jobs were demoted to
// the end of the store when they failed, so they naturally queue behind
// newer pending work.
func (d *Dispatcher) eligible(jobs []queue.Job) []queue.Job {
	var out []queue.Job
	for _, j := range jobs {
		switch j.Status {
		case queue.StatusPending:
			out = append(out, j)
		case queue.StatusFailed:
			if j.Attempts < d.cfg.MaxAttempts {
				out = append(out, j)
			}
		}
	}
	return out
}

// runJob executes one attempt and converts the outcome into a queue
// transition. This is the single place where executor errors become state.
func (d *Dispatcher) runJob(ctx context.Context, job queue.Job) {
	started, ok, err := d.queue.MarkStarted(job.ID)
	if err != nil || !ok {
		// Deleted between snapshot and start; nothing to do.
		return
	}
	ctx = log.ContextWithJobID(ctx, started.ID)
	logger := log.WithContext(ctx, d.logger)

	runErr := d.runGuarded(ctx, started)
	if runErr == nil {
		if err := d.queue.UpdateStatus(started.ID, queue.StatusCompleted, ""); err != nil {
			logger.Error().Err(err).Str("event", "dispatch.update_failed").Msg("failed to record completion")
		}
		metrics.RecordFinished("completed")
		return
	}

	status := queue.StatusFailed
	if started.Attempts >= d.cfg.MaxAttempts {
		status = queue.StatusAborted
	}
	if err := d.queue.UpdateStatus(started.ID, status, runErr.Error()); err != nil {
		logger.Error().Err(err).Str("event", "dispatch.update_failed").Msg("failed to record failure")
	}
	metrics.RecordFinished(string(status))
	logger.Warn().
		Err(runErr).
		Str("event", "dispatch.attempt_failed").
		Str("status", string(status)).
		Int("attempts", started.Attempts).
		Msg("job attempt failed")
}

// runGuarded shields the dispatch loop from executor panics; they are
// converted into ordinary attempt failures.
func (d *Dispatcher) runGuarded(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return d.exec.Run(ctx, job)
}
