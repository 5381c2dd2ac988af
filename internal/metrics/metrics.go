// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the transcoding pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Counters

	// JobsEnqueuedTotal counts accepted job submissions, by outcome
	// (created/coalesced).
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlscache_jobs_enqueued_total",
		Help: "Total number of job submissions, by outcome (created/coalesced).",
	}, []string{"outcome"})

	// JobsFinishedTotal counts finished job attempts, by result
	// (completed/failed/aborted).
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlscache_jobs_finished_total",
		Help: "Total number of finished job attempts, by result.",
	}, []string{"result"})

	// JobsStaleTotal counts processing jobs reclassified as failed by the
	// stale scan.
	JobsStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlscache_jobs_stale_total",
		Help: "Total number of processing jobs reclaimed as stale.",
	})

	// DispatchCyclesTotal counts dispatcher cycles.
	DispatchCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlscache_dispatch_cycles_total",
		Help: "Total number of dispatcher cycles executed.",
	})

	// FFmpegStartTotal counts ffmpeg process starts, by result.
	FFmpegStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlscache_ffmpeg_start_total",
		Help: "Total number of ffmpeg process starts, by result.",
	}, []string{"result"})

	// HTTPRequestsTotal counts handled API requests, by method, chi route
	// pattern and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlscache_http_requests_total",
		Help: "Total number of handled HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})

	// LockRejectTotal counts tool-slot acquisitions that exhausted the
	// retry budget.
	LockRejectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlscache_tool_lock_reject_total",
		Help: "Total number of tool slot acquisitions that timed out.",
	})

	// LockStaleReclaimedTotal counts stale lock records deleted during scans.
	LockStaleReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlscache_tool_lock_stale_reclaimed_total",
		Help: "Total number of stale tool lock records reclaimed.",
	})

	// Gauges

	// JobsProcessing tracks jobs currently in the processing state.
	JobsProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlscache_jobs_processing",
		Help: "Current number of jobs in the processing state.",
	})

	// ToolLocksInUse tracks currently held tool slots on this host.
	ToolLocksInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlscache_tool_locks_in_use",
		Help: "Current number of held external tool slots.",
	})

	// Histograms

	// LockWaitSeconds observes how long Acquire waited for a tool slot.
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hlscache_tool_lock_wait_seconds",
		Help:    "Time spent waiting for an external tool slot.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// TranscodeSeconds observes wall-clock duration of transcode attempts.
	TranscodeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlscache_transcode_seconds",
		Help:    "Wall-clock duration of transcode attempts, by strategy.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"strategy"})

	// HTTPRequestSeconds observes request handling latency by route pattern.
	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlscache_http_request_seconds",
		Help:    "HTTP request handling latency, by route.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"route"})
)

// RecordEnqueue increments the submission counter.
func RecordEnqueue(outcome string) {
	JobsEnqueuedTotal.WithLabelValues(outcome).Inc()
}

// RecordFinished increments the finished-attempt counter.
func RecordFinished(result string) {
	JobsFinishedTotal.WithLabelValues(result).Inc()
}

// SetJobsProcessing updates the processing gauge.
func SetJobsProcessing(n float64) {
	JobsProcessing.Set(n)
}

// SetToolLocksInUse updates the held-slot gauge.
func SetToolLocksInUse(n float64) {
	ToolLocksInUse.Set(n)
}

// GaugeValue extracts the current value of a gauge, for tests and
// self-inspection.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
