// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hlscache/hlscache/internal/api"
	"github.com/hlscache/hlscache/internal/config"
	"github.com/hlscache/hlscache/internal/dispatch"
	"github.com/hlscache/hlscache/internal/ffmpeg"
	hclog "github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
	"github.com/hlscache/hlscache/internal/toollock"
	"github.com/hlscache/hlscache/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	mode := flag.String("mode", "serve", "run mode: serve, worker or watchdog")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	hclog.Configure(hclog.Config{
		Level:   cfg.LogLevel,
		Service: "hlscache",
	})
	logger := hclog.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.data_dir_failed").
			Str("data_dir", cfg.DataDir).
			Msg("cannot create data directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New(queue.NewStore(cfg.QueuePath()))
	resolver := storage.NewResolver(cfg.HomeRoot, cfg.CustomOutput)

	logger.Info().
		Str("event", "startup").
		Str("mode", *mode).
		Str("version", version).
		Str("queue", cfg.QueuePath()).
		Msg("hlscached starting")

	var err error
	switch *mode {
	case "serve":
		err = runServe(ctx, cfg, q, resolver)
	case "worker":
		err = runWorker(ctx, cfg, q, resolver)
	case "watchdog":
		err = runWatchdog(cfg)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "shutdown.error").
			Str("mode", *mode).
			Msg("hlscached exited with error")
	}
	logger.Info().Str("event", "shutdown").Str("mode", *mode).Msg("hlscached stopped")
}

// runServe hosts the HTTP API and the dispatch supervisor in one process
// until the context is cancelled, then drains in-flight requests. When a
// standalone worker already holds the host singleton, serve keeps serving the
// API and leaves dispatching to it.
func runServe(ctx context.Context, cfg config.Config, q *queue.Queue, resolver *storage.Resolver) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(cfg, q, resolver).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := runWorker(gctx, cfg, q, resolver)
		if err != nil {
			return err
		}
		// A supervisor restart ceiling must not take the API down with it;
		// the watchdog brings up a fresh worker process.
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runWorker runs the dispatch supervisor until stopped or a restart ceiling
// is hit. A supervisor already running on this host is not an error.
func runWorker(ctx context.Context, cfg config.Config, q *queue.Queue, resolver *storage.Resolver) error {
	locker := toollock.New(toollock.Config{
		Dir:            cfg.LockDir,
		MaxConcurrency: cfg.MaxToolProcs,
		RetryInterval:  cfg.LockRetryInterval,
		MaxRetries:     cfg.LockMaxRetries,
		StaleAfter:     cfg.LockStaleAfter,
	})
	exec := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:        cfg.FFmpegPath,
		DefaultRenditions: cfg.DefaultRenditions,
	}, resolver, locker)
	dispatcher := dispatch.New(dispatch.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxAttempts:       cfg.MaxAttempts,
		StaleAfter:        cfg.JobStaleAfter,
	}, q, exec)

	sup := worker.NewSupervisor(worker.SupervisorConfig{
		LivenessStaleAfter: cfg.LivenessStaleAfter,
		QueuePath:          cfg.QueuePath(),
		ActivePollInterval: cfg.ActivePollInterval,
		IdlePollInterval:   cfg.IdlePollInterval,
		MaxLifetime:        cfg.WorkerMaxLifetime,
		MaxHeapBytes:       cfg.WorkerMaxHeapBytes,
	}, dispatcher)

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			logger := hclog.WithComponent("main")
			logger.Info().
				Str("event", "worker.duplicate").
				Msg("another supervisor is already running, exiting")
			return nil
		}
		return err
	}
	return nil
}

// runWatchdog performs the one-shot liveness check, spawning a detached
// worker when none is alive. Intended to run from a scheduler.
func runWatchdog(cfg config.Config) error {
	wd := worker.NewWatchdog("", cfg.LivenessStaleAfter)
	spawned, err := wd.Check()
	if err != nil {
		return err
	}
	if spawned {
		logger := hclog.WithComponent("main")
		logger.Info().
			Str("event", "watchdog.spawned").
			Msg("spawned new worker supervisor")
	}
	return nil
}
