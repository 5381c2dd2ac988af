// SPDX-License-Identifier: MIT
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlscache/hlscache/internal/api"
	"github.com/hlscache/hlscache/internal/config"
	"github.com/hlscache/hlscache/internal/dispatch"
	"github.com/hlscache/hlscache/internal/ffmpeg"
	"github.com/hlscache/hlscache/internal/progress"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
	"github.com/hlscache/hlscache/internal/toollock"
)

// TestSubmitToCachedPackage chains the full path one media file takes through
// the daemon: HTTP submission, a dispatch cycle driving the encoder, the
// package landing on disk, the job finishing, and the cache check and
// progress endpoints observing the result.
func TestSubmitToCachedPackage(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder scripts require a POSIX shell")
	}

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "clip.mp4"), []byte("not a real video"), 0o644))

	encoder := filepath.Join(t.TempDir(), "ffmpeg")
	script := `#!/bin/sh
for a in "$@"; do out="$a"; done
dir=$(dirname "$out")
printf '#EXTM3U\n' > "$dir/master.m3u8"
printf '#EXTM3U\n' > "$dir/480p.m3u8"
echo 'video:1024kB audio:256kB muxing overhead: 0.5%' >&2
`
	require.NoError(t, os.WriteFile(encoder, []byte(script), 0o755))

	cfg := config.Config{RateLimitPerMinute: 1000}
	q := queue.New(queue.NewStore(filepath.Join(t.TempDir(), "queue.json")))
	resolver := storage.NewResolver(filepath.Join(t.TempDir(), "home"), "")
	locker := toollock.New(toollock.Config{
		Dir:            t.TempDir(),
		MaxConcurrency: 2,
		RetryInterval:  time.Millisecond,
		MaxRetries:     2,
	})
	exec := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:        encoder,
		DefaultRenditions: []string{"480p"},
	}, resolver, locker)
	dispatcher := dispatch.New(dispatch.Config{MaxConcurrentJobs: 2, MaxAttempts: 3}, q, exec)
	router := api.NewServer(cfg, q, resolver).Router()

	// Submit over HTTP.
	body, err := json.Marshal(map[string]string{"name": "clip.mp4", "directory": srcDir})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	req.Header.Set("X-Owner-Id", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&submitted))
	jobID := submitted["job_id"]
	require.NotEmpty(t, jobID)

	// One dispatch cycle runs the encoder to completion.
	result := dispatcher.RunCycle(context.Background())
	assert.Equal(t, 1, result.Started)

	jobs, err := q.Snapshot()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
	assert.Equal(t, queue.StatusCompleted, jobs[0].Status)

	outDir, err := resolver.OutputDir("alice", jobs[0].Source, jobs[0].Settings)
	require.NoError(t, err)
	assert.True(t, storage.HasPackage(outDir))

	// The cache check now reports the file as done.
	body, err = json.Marshal(map[string]any{"directory": srcDir, "filenames": []string{"clip.mp4"}})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/check", bytes.NewReader(body))
	req.Header.Set("X-Owner-Id", "alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var checked map[string][]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&checked))
	assert.Equal(t, []string{"clip.mp4"}, checked["cached"])

	// And the progress endpoint serves the terminal record.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/progress?filename=clip.mp4&directory="+srcDir, nil)
	req.Header.Set("X-Owner-Id", "alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var prog progress.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&prog))
	assert.Equal(t, progress.StatusCompleted, prog.Status)
	assert.Equal(t, 100, prog.Percent)
}
