// SPDX-License-Identifier: MIT

package progress

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/log"
)

const (
	// DefaultPollInterval bounds how often the report file is re-read.
	DefaultPollInterval = 500 * time.Millisecond

	// minAssumedTotalSeconds is the floor of the time-based duration guess:
	// assume the encode runs at least five minutes.
	minAssumedTotalSeconds = 300

	// assumedTotalFrames is the fixed frame budget behind the frame-based
	// estimate (roughly 70 minutes of 24fps material).
	assumedTotalFrames = 100_000
)

// Monitor polls one encoder invocation's report file and maintains the
// durable snapshot record for its output directory.
type Monitor struct {
	reportPath string
	outputDir  string
	interval   time.Duration
	logger     zerolog.Logger

	mu   sync.Mutex
	rec  Record
	done bool // latched on sentinel or Finalize; the record is then terminal

	// Now is the clock stamped into snapshots. Tests replace it.
	Now func() time.Time
}

// NewMonitor creates a monitor reading the encoder report at reportPath and
// persisting snapshots into outputDir.
func NewMonitor(reportPath, outputDir string) *Monitor {
	m := &Monitor{
		reportPath: reportPath,
		outputDir:  outputDir,
		interval:   DefaultPollInterval,
		logger:     log.WithComponent("progress"),
		Now:        time.Now,
	}
	m.rec = Record{Status: StatusProcessing}
	return m
}

// Run polls until the context is cancelled or the stream-ended sentinel is
// observed. It never blocks the encoder process itself.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Poll() {
				return
			}
		}
	}
}

// Poll reads the report file once and merges the latest block. It returns
// true once the record is terminal, through either the stream-ended sentinel
// or Finalize. A terminal record is never touched again: Finalize carries the
// authoritative outcome and a late poll must not rewrite it.
func (m *Monitor) Poll() bool {
	data, err := os.ReadFile(m.reportPath)
	if err != nil {
		// The encoder may not have produced the file yet.
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.done
	}
	block, ended := ParseStream(string(data))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return true
	}
	if block == nil && !ended {
		return false
	}
	m.merge(block, ended)
	m.persistLocked()
	return m.done
}

// Snapshot returns the current in-memory record.
func (m *Monitor) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// Finalize marks the attempt finished and persists the terminal record. The
// process exit is authoritative at this point: on success the percentage is
// forced to 100 even if no sentinel was seen, and a sentinel-completed record
// is overwritten on failure (the stream can end cleanly while artifacts are
// missing). After Finalize the record is latched against further polls.
func (m *Monitor) Finalize(success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.rec.Status = StatusCompleted
		m.rec.Percent = 100
		m.rec.Error = ""
	} else {
		m.rec.Status = StatusFailed
		m.rec.Error = errMsg
	}
	m.rec.LastUpdate = m.Now()
	m.done = true
	m.persistLocked()
}

// persistLocked writes the current record. Callers hold the mutex, which
// orders the write against concurrent finalization.
func (m *Monitor) persistLocked() {
	if err := writeRecord(m.outputDir, m.rec); err != nil {
		m.logger.Warn().Err(err).Str("event", "progress.persist_failed").Msg("failed to persist progress record")
	}
}

// merge folds recognized keys of the latest block into the record and
// recomputes the percentage estimate. Unrecognized keys are discarded.
func (m *Monitor) merge(block map[string]string, ended bool) {
	for key, value := range block {
		switch key {
		case "frame":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				m.rec.Frame = v
			}
		case "fps":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				m.rec.FPS = v
			}
		case "speed":
			m.rec.Speed = value
		case "out_time":
			m.rec.ElapsedTime = value
		case "bitrate":
			m.rec.Bitrate = value
		case "total_size":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				m.rec.OutputSizeBytes = v
			}
		}
	}
	m.rec.LastUpdate = m.Now()

	if ended {
		m.done = true
		m.rec.Status = StatusCompleted
		m.rec.Percent = 100
		return
	}

	if pct := estimatePercent(elapsedSeconds(block), m.rec.Frame); pct > m.rec.Percent {
		// Monotonic while processing: a lower estimate never rolls back.
		m.rec.Percent = pct
	}
}

// elapsedSeconds extracts the encoded output timestamp from a block, in
// seconds. The microsecond key is preferred; out_time_ms carries the same
// microsecond value on all known encoder versions.
func elapsedSeconds(block map[string]string) float64 {
	for _, key := range []string{"out_time_us", "out_time_ms"} {
		if v, ok := block[key]; ok {
			if us, err := strconv.ParseInt(v, 10, 64); err == nil {
				return float64(us) / 1e6
			}
		}
	}
	return 0
}

// estimatePercent is a deliberate heuristic: true duration is unknown without
// probing the source first. The time-based guess assumes we are roughly
// halfway unless the encode has already run five minutes; the frame-based
// guess measures against a fixed frame budget. The larger of the two wins,
// and neither may report 100 before the sentinel.
func estimatePercent(elapsed float64, frame int64) int {
	timeBased := 0.0
	if elapsed > 0 {
		estimatedTotal := elapsed * 2
		if estimatedTotal < minAssumedTotalSeconds {
			estimatedTotal = minAssumedTotalSeconds
		}
		timeBased = elapsed / estimatedTotal * 100
		if timeBased > 99 {
			timeBased = 99
		}
	}

	frameBased := float64(frame) / assumedTotalFrames * 100
	if frameBased > 99 {
		frameBased = 99
	}

	pct := timeBased
	if frameBased > pct {
		pct = frameBased
	}
	return int(pct)
}
