// SPDX-License-Identifier: MIT

// Package ffmpeg invokes the external encoder for one job at a time: it
// acquires a host-wide tool slot, runs the adaptive-ladder attempt with a
// single-rendition fallback and classifies the outcome.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/metrics"
	"github.com/hlscache/hlscache/internal/procgroup"
	"github.com/hlscache/hlscache/internal/progress"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
	"github.com/hlscache/hlscache/internal/toollock"
)

// progressReportName is the side channel the encoder writes its key=value
// report stream into, polled by the progress monitor.
const progressReportName = ".ffprogress"

// stderrRingSize bounds how much encoder output is kept for classification.
const stderrRingSize = 256

// Config tunes the executor.
type Config struct {
	FFmpegPath        string
	DefaultRenditions []string
	KillTimeout       time.Duration // grace between SIGTERM and SIGKILL on cancellation
}

// Executor runs one transcode job per call.
type Executor struct {
	cfg      Config
	resolver *storage.Resolver
	locker   *toollock.Locker
	logger   zerolog.Logger
}

// New returns an executor using the given resolver for output locations and
// locker for tool slots.
func New(cfg Config, resolver *storage.Resolver, locker *toollock.Locker) *Executor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		locker:   locker,
		logger:   log.WithComponent("executor"),
	}
}

// Run executes one job attempt. It returns nil on success; any error is
// converted into a queue transition by the dispatcher, never swallowed here.
func (e *Executor) Run(ctx context.Context, job queue.Job) error {
	logger := log.WithContext(ctx, e.logger)

	outDir, err := e.resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	if err != nil {
		return err
	}

	source := filepath.Join(job.Source.Directory, job.Source.Name)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source file unavailable: %w", err)
	}

	if !job.Settings.Overwrite && storage.HasPackage(outDir) {
		logger.Info().
			Str("event", "executor.cache_hit").
			Str("output_dir", outDir).
			Msg("package already exists, skipping encode")
		return nil
	}

	names := job.Settings.Renditions
	if len(names) == 0 {
		names = e.cfg.DefaultRenditions
	}
	renditions, err := LookupRenditions(names)
	if err != nil {
		return err
	}

	reportPath := filepath.Join(outDir, progressReportName)

	ladderArgs, err := BuildLadderArgs(source, outDir, reportPath, renditions, job.Settings.Overwrite)
	if err != nil {
		return err
	}
	ladderErr := e.runAttempt(ctx, outDir, reportPath, ladderArgs, LadderArtifacts(outDir, renditions), "ladder")
	if ladderErr == nil {
		return nil
	}

	logger.Warn().
		Err(ladderErr).
		Str("event", "executor.fallback").
		Str("output_dir", outDir).
		Msg("adaptive ladder failed, retrying with single rendition")

	singleArgs := BuildSingleArgs(source, outDir, reportPath, job.Settings.Overwrite)
	if err := e.runAttempt(ctx, outDir, reportPath, singleArgs, SingleArtifacts(outDir), "single"); err != nil {
		return err
	}
	return nil
}

// runAttempt performs one encoder invocation under a tool slot. The slot is
// released on every exit path.
func (e *Executor) runAttempt(ctx context.Context, outDir, reportPath string, args, artifacts []string, strategy string) error {
	logger := log.WithContext(ctx, e.logger)
	started := time.Now()

	lockID, err := e.locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire tool slot: %w", err)
	}
	defer e.locker.Release(lockID)
	defer func() { _ = os.Remove(reportPath) }()

	mon := progress.NewMonitor(reportPath, outDir)
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, args...) // #nosec G204
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.KillTimeout

	ring := NewLineRing(stderrRingSize)
	cmd.Stdout = ring
	cmd.Stderr = ring

	logger.Info().
		Str("event", "executor.start").
		Str("strategy", strategy).
		Str("command", cmd.String()).
		Msg("starting encoder process")

	if err := cmd.Start(); err != nil {
		metrics.FFmpegStartTotal.WithLabelValues("error").Inc()
		mon.Finalize(false, err.Error())
		return fmt.Errorf("start encoder: %w", err)
	}
	metrics.FFmpegStartTotal.WithLabelValues("ok").Inc()

	go mon.Run(monCtx)

	waitErr := cmd.Wait()
	stopMonitor()
	mon.Poll() // pick up the final report block before classification

	result := Classify(ring.Text(), waitErr, artifacts)
	if result == nil {
		mon.Finalize(true, "")
	} else {
		mon.Finalize(false, result.Error())
	}

	metrics.TranscodeSeconds.WithLabelValues(strategy).Observe(time.Since(started).Seconds())

	if result != nil {
		logger.Error().
			Err(result).
			Str("event", "executor.attempt_failed").
			Str("strategy", strategy).
			Strs("stderr", ring.LastN(20)).
			Msg("encoder attempt failed")
		return result
	}

	logger.Info().
		Str("event", "executor.attempt_completed").
		Str("strategy", strategy).
		Dur("duration", time.Since(started)).
		Msg("encoder attempt completed")
	return nil
}
