// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/dispatch"
	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/procgroup"
)

// ErrAlreadyRunning is returned when a fresh liveness record names another
// live supervisor process.
var ErrAlreadyRunning = errors.New("worker: supervisor already running")

// SupervisorConfig tunes the dispatch loop and its self-restart ceilings.
type SupervisorConfig struct {
	LivenessPath       string
	LivenessStaleAfter time.Duration

	QueuePath string // watched so enqueues wake the loop immediately

	ActivePollInterval time.Duration // between cycles while jobs are running
	IdlePollInterval   time.Duration // between cycles on an empty queue

	MaxLifetime  time.Duration // wall-clock ceiling before a clean restart
	MaxHeapBytes int64         // heap ceiling before a clean restart
}

// Supervisor runs the dispatcher in a loop until stopped or a restart
// ceiling is hit. It exits cleanly on ceilings and relies on the watchdog to
// relaunch a fresh instance.
type Supervisor struct {
	cfg        SupervisorConfig
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	// Now is the clock for lifetime decisions. Tests replace it.
	Now func() time.Time
}

// NewSupervisor returns a supervisor driving d.
func NewSupervisor(cfg SupervisorConfig, d *dispatch.Dispatcher) *Supervisor {
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = DefaultLivenessPath()
	}
	if cfg.LivenessStaleAfter <= 0 {
		cfg.LivenessStaleAfter = 24 * time.Hour
	}
	if cfg.ActivePollInterval <= 0 {
		cfg.ActivePollInterval = 10 * time.Second
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 60 * time.Second
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 6 * time.Hour
	}
	if cfg.MaxHeapBytes <= 0 {
		cfg.MaxHeapBytes = 1 << 30
	}
	return &Supervisor{
		cfg:        cfg,
		dispatcher: d,
		logger:     log.WithComponent("supervisor"),
		Now:        time.Now,
	}
}

// Run executes dispatch cycles until the context is cancelled or a restart
// ceiling is reached. Cancellation is cooperative: the in-flight cycle
// finishes before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.guardSingleton(); err != nil {
		return err
	}

	started := s.Now()
	if err := WriteLiveness(s.cfg.LivenessPath, started); err != nil {
		return err
	}
	defer RemoveLiveness(s.cfg.LivenessPath)

	wake := s.watchQueue(ctx)

	s.logger.Info().
		Str("event", "supervisor.started").
		Str("liveness", s.cfg.LivenessPath).
		Msg("worker supervisor started")

	for {
		if ctx.Err() != nil {
			s.logger.Info().Str("event", "supervisor.stopped").Msg("stop requested, shutting down after current cycle")
			return nil
		}

		result := s.dispatcher.RunCycle(ctx)

		if reason := s.restartReason(started); reason != "" {
			s.logger.Info().
				Str("event", "supervisor.restart").
				Str("reason", reason).
				Msg("restart ceiling reached, exiting cleanly for watchdog relaunch")
			return nil
		}

		sleep := s.cfg.IdlePollInterval
		if result.Active > 0 || result.Started > 0 {
			sleep = s.cfg.ActivePollInterval
		}

		select {
		case <-ctx.Done():
			// Loop once more; the top of the loop logs and returns.
		case <-time.After(sleep):
		case <-wake:
			s.logger.Debug().Str("event", "supervisor.wake").Msg("queue changed, running cycle early")
		}
	}
}

// guardSingleton enforces one supervisor per host: a fresh liveness record
// naming a live foreign pid wins.
func (s *Supervisor) guardSingleton() error {
	rec, err := ReadLiveness(s.cfg.LivenessPath)
	if err != nil {
		return nil // no record, or unreadable: we take over
	}
	if rec.PID == 0 || rec.StaleAt(s.Now(), s.cfg.LivenessStaleAfter) {
		return nil
	}
	if procgroup.Alive(rec.PID) {
		return ErrAlreadyRunning
	}
	return nil
}

// restartReason checks the self-restart ceilings after a cycle.
func (s *Supervisor) restartReason(started time.Time) string {
	if s.Now().Sub(started) > s.cfg.MaxLifetime {
		return "max_lifetime"
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if int64(mem.HeapAlloc) > s.cfg.MaxHeapBytes {
		return "max_heap"
	}
	return ""
}

// watchQueue wires fsnotify on the queue document so submissions interrupt
// the idle sleep. On any watcher failure the supervisor silently degrades to
// pure interval polling.
func (s *Supervisor) watchQueue(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	if s.cfg.QueuePath == "" {
		return wake
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "supervisor.watch_failed").Msg("fsnotify unavailable, falling back to polling")
		return wake
	}
	// Watch the directory: the document is replaced by rename on every save.
	if err := watcher.Add(filepath.Dir(s.cfg.QueuePath)); err != nil {
		s.logger.Warn().Err(err).Str("event", "supervisor.watch_failed").Msg("cannot watch queue directory, falling back to polling")
		_ = watcher.Close()
		return wake
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.cfg.QueuePath {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake
}
