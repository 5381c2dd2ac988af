// SPDX-License-Identifier: MIT

// Package toollock implements host-wide admission control for external
// encoder processes. Each held slot is one lock record file in a shared
// directory; stale records left behind by crashed holders are reclaimed by
// whichever participant scans next.
package toollock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/metrics"
)

// ErrNoSlot is returned when the retry budget is exhausted without a free
// slot. Callers must treat it as a hard failure for the attempt.
var ErrNoSlot = errors.New("toollock: no slot available")

const recordSuffix = ".lock"

// Record is the on-disk representation of one held slot.
type Record struct {
	LockID     string    `json:"lock_id"`
	OwnerPID   int       `json:"owner_pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config tunes a Locker. Zero values fall back to spec defaults.
type Config struct {
	Dir            string
	MaxConcurrency int           // concurrent encoder slots host-wide
	RetryInterval  time.Duration // sleep between acquisition attempts
	MaxRetries     int           // attempts before ErrNoSlot
	StaleAfter     time.Duration // age at which a record is reclaimable
}

// Locker hands out encoder slots.
type Locker struct {
	cfg    Config
	logger zerolog.Logger

	// Now is the clock used for staleness decisions. Tests replace it.
	Now func() time.Time
}

// New returns a Locker for the given directory.
func New(cfg Config) *Locker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 18
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 4 * time.Hour
	}
	return &Locker{
		cfg:    cfg,
		logger: log.WithComponent("toollock"),
		Now:    time.Now,
	}
}

// Acquire blocks until a slot is free or the retry budget runs out. Each
// attempt first reclaims stale records so crashed holders cannot pin slots
// forever. The context cancels the wait between attempts.
func (l *Locker) Acquire(ctx context.Context) (string, error) {
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create lock directory: %w", err)
	}

	start := l.Now()
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		id, err := l.tryAcquire(attempt)
		if err != nil {
			return "", err
		}
		if id != "" {
			metrics.LockWaitSeconds.Observe(l.Now().Sub(start).Seconds())
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}

	metrics.LockRejectTotal.Inc()
	l.logger.Warn().
		Str("event", "toollock.exhausted").
		Int("attempts", l.cfg.MaxRetries).
		Msg("tool slot retry budget exhausted")
	return "", ErrNoSlot
}

// tryAcquire performs one reap-count-create pass under the scan lock, so two
// concurrent acquirers can never both observe a free slot and exceed the
// concurrency limit. It returns "" when no slot is free.
func (l *Locker) tryAcquire(attempt int) (string, error) {
	release, err := l.lockScan()
	if err != nil {
		return "", err
	}
	defer release()

	l.reapStale()

	held, err := l.held()
	if err != nil {
		return "", err
	}
	if len(held) >= l.cfg.MaxConcurrency {
		return "", nil
	}

	id, err := l.create()
	if err != nil {
		l.logger.Warn().Err(err).Str("event", "toollock.create_failed").Msg("failed to create lock record")
		return "", nil
	}
	metrics.SetToolLocksInUse(float64(len(held) + 1))
	l.logger.Debug().
		Str("event", "toollock.acquired").
		Str("lock_id", id).
		Int("held", len(held)+1).
		Int("attempt", attempt).
		Msg("tool slot acquired")
	return id, nil
}

// Release deletes the named lock record. Releasing an unknown or already
// reclaimed lock is not an error.
func (l *Locker) Release(lockID string) {
	if lockID == "" {
		return
	}
	path := filepath.Join(l.cfg.Dir, lockID+recordSuffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn().Err(err).Str("lock_id", lockID).Str("event", "toollock.release_failed").Msg("failed to remove lock record")
		return
	}
	if held, err := l.held(); err == nil {
		metrics.SetToolLocksInUse(float64(len(held)))
	}
}

// Held returns the ids of currently valid lock records.
func (l *Locker) Held() ([]string, error) {
	return l.held()
}

func (l *Locker) held() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan lock directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), recordSuffix))
	}
	return ids, nil
}

// reapStale deletes lock records older than the staleness ceiling. This is
// the only cleanup path for slots held by crashed processes.
func (l *Locker) reapStale() {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return
	}
	cutoff := l.Now().Add(-l.cfg.StaleAfter)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(l.cfg.Dir, e.Name())
		if err := os.Remove(path); err == nil {
			metrics.LockStaleReclaimedTotal.Inc()
			l.logger.Warn().
				Str("event", "toollock.stale_reclaimed").
				Str("record", e.Name()).
				Time("mod_time", info.ModTime()).
				Msg("reclaimed stale tool lock")
		}
	}
}

// create writes a new uniquely-named record with O_EXCL semantics.
func (l *Locker) create() (string, error) {
	id := uuid.NewString()
	hostname, _ := os.Hostname()
	rec := Record{
		LockID:     id,
		OwnerPID:   os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: l.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}
	path := filepath.Join(l.cfg.Dir, id+recordSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close lock record: %w", err)
	}
	return id, nil
}
