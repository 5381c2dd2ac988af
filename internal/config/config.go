// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all tunables for the daemon. Values are read from HLSCACHE_*
// environment variables with spec defaults.
type Config struct {
	// General
	LogLevel string
	Listen   string
	DataDir  string

	// External tool
	FFmpegPath string

	// Queue / dispatch
	MaxConcurrentJobs int
	MaxAttempts       int
	JobStaleAfter     time.Duration

	// Tool lock
	LockDir           string
	MaxToolProcs      int
	LockRetryInterval time.Duration
	LockMaxRetries    int
	LockStaleAfter    time.Duration

	// Worker supervisor
	ActivePollInterval time.Duration
	IdlePollInterval   time.Duration
	WorkerMaxLifetime  time.Duration
	WorkerMaxHeapBytes int64
	LivenessStaleAfter time.Duration

	// Output locations
	HomeRoot     string
	CustomOutput string

	// Default rendition ladder for jobs that do not specify one.
	DefaultRenditions []string

	// API rate limiting (requests per minute per client IP).
	RateLimitPerMinute int
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	dataDir := ParseString("HLSCACHE_DATA", "/var/lib/hlscache")

	return Config{
		LogLevel: ParseString("HLSCACHE_LOG_LEVEL", "info"),
		Listen:   ParseString("HLSCACHE_LISTEN", ":8080"),
		DataDir:  dataDir,

		FFmpegPath: ParseString("HLSCACHE_FFMPEG", "ffmpeg"),

		MaxConcurrentJobs: ParseInt("HLSCACHE_MAX_JOBS", 2),
		MaxAttempts:       ParseInt("HLSCACHE_MAX_ATTEMPTS", 3),
		JobStaleAfter:     ParseDuration("HLSCACHE_JOB_STALE_AFTER", 8*time.Hour),

		LockDir:           ParseString("HLSCACHE_LOCK_DIR", filepath.Join(dataDir, "locks")),
		MaxToolProcs:      ParseInt("HLSCACHE_TOOL_SLOTS", 2),
		LockRetryInterval: ParseDuration("HLSCACHE_LOCK_RETRY_INTERVAL", 10*time.Second),
		LockMaxRetries:    ParseInt("HLSCACHE_LOCK_RETRIES", 18),
		LockStaleAfter:    ParseDuration("HLSCACHE_LOCK_STALE_AFTER", 4*time.Hour),

		ActivePollInterval: ParseDuration("HLSCACHE_ACTIVE_POLL", 10*time.Second),
		IdlePollInterval:   ParseDuration("HLSCACHE_IDLE_POLL", 60*time.Second),
		WorkerMaxLifetime:  ParseDuration("HLSCACHE_WORKER_LIFETIME", 6*time.Hour),
		WorkerMaxHeapBytes: ParseInt64("HLSCACHE_WORKER_MAX_HEAP", 1<<30),
		LivenessStaleAfter: ParseDuration("HLSCACHE_LIVENESS_STALE_AFTER", 24*time.Hour),

		HomeRoot:     ParseString("HLSCACHE_HOME_ROOT", filepath.Join(dataDir, "outputs")),
		CustomOutput: ParseString("HLSCACHE_CUSTOM_OUTPUT", ""),

		DefaultRenditions: splitCSV(ParseString("HLSCACHE_RENDITIONS", "1080p,720p,480p")),

		RateLimitPerMinute: ParseInt("HLSCACHE_RATE_LIMIT", 120),
	}
}

// QueuePath returns the location of the durable queue document.
func (c Config) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.json")
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("config: max concurrent jobs must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.MaxToolProcs < 1 {
		return fmt.Errorf("config: tool slots must be >= 1, got %d", c.MaxToolProcs)
	}
	if c.LockRetryInterval <= 0 {
		return fmt.Errorf("config: lock retry interval must be positive, got %s", c.LockRetryInterval)
	}
	if len(c.DefaultRenditions) == 0 {
		return fmt.Errorf("config: at least one default rendition is required")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
