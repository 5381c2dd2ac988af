// SPDX-License-Identifier: MIT

package worker

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/procgroup"
)

// Watchdog is the scheduled one-shot check that keeps a supervisor alive.
// It trusts only the liveness record: absent, stale or naming a dead pid all
// mean "spawn a new one".
type Watchdog struct {
	LivenessPath string
	StaleAfter   time.Duration

	// Spawn launches a new detached supervisor process. Tests replace it.
	Spawn func() error

	logger zerolog.Logger

	// Now is the clock for staleness decisions. Tests replace it.
	Now func() time.Time
}

// NewWatchdog returns a watchdog with the default detached-process spawner.
func NewWatchdog(livenessPath string, staleAfter time.Duration) *Watchdog {
	if livenessPath == "" {
		livenessPath = DefaultLivenessPath()
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Watchdog{
		LivenessPath: livenessPath,
		StaleAfter:   staleAfter,
		Spawn:        SpawnDetachedWorker,
		logger:       log.WithComponent("watchdog"),
		Now:          time.Now,
	}
}

// Check decides whether a supervisor is alive and spawns one if not. It
// returns whether a spawn happened.
func (w *Watchdog) Check() (bool, error) {
	rec, err := ReadLiveness(w.LivenessPath)
	switch {
	case err == nil && !rec.StaleAt(w.Now(), w.StaleAfter) && procgroup.Alive(rec.PID):
		w.logger.Debug().
			Str("event", "watchdog.alive").
			Int("pid", rec.PID).
			Msg("supervisor alive")
		return false, nil
	case err == nil:
		w.logger.Warn().
			Str("event", "watchdog.dead").
			Int("pid", rec.PID).
			Time("started_at", rec.StartedAt).
			Msg("liveness record stale or pid dead, respawning supervisor")
		RemoveLiveness(w.LivenessPath)
	default:
		w.logger.Info().
			Str("event", "watchdog.missing").
			Msg("no liveness record, spawning supervisor")
	}

	if err := w.Spawn(); err != nil {
		return false, fmt.Errorf("spawn supervisor: %w", err)
	}
	return true, nil
}

// SpawnDetachedWorker relaunches this binary in worker mode as a detached
// process group so the watchdog invocation can exit immediately.
func SpawnDetachedWorker() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(self, "-mode", "worker") // #nosec G204
	procgroup.Set(cmd)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
