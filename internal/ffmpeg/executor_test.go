// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlscache/hlscache/internal/progress"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
	"github.com/hlscache/hlscache/internal/toollock"
)

// fakeEncoder writes a shell script standing in for the real encoder binary.
func fakeEncoder(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestExecutor(t *testing.T, ffmpegPath string) (*Executor, *storage.Resolver) {
	t.Helper()
	resolver := storage.NewResolver(filepath.Join(t.TempDir(), "home"), "")
	locker := toollock.New(toollock.Config{
		Dir:            t.TempDir(),
		MaxConcurrency: 2,
		RetryInterval:  time.Millisecond,
		MaxRetries:     2,
	})
	exec := New(Config{
		FFmpegPath:        ffmpegPath,
		DefaultRenditions: []string{"480p"},
	}, resolver, locker)
	return exec, resolver
}

func testJob(t *testing.T) queue.Job {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("not a real video"), 0o644))
	return queue.Job{
		ID:      "job-1",
		OwnerID: "alice",
		Source:  queue.SourceFile{Name: "clip.mp4", Directory: dir},
	}
}

func TestRunProducesPackageAndFinalRecord(t *testing.T) {
	// The script plays a successful encode: artifacts on disk, muxing
	// statistics on stderr.
	script := `for a in "$@"; do out="$a"; done
dir=$(dirname "$out")
printf '#EXTM3U\n' > "$dir/master.m3u8"
printf '#EXTM3U\n' > "$dir/480p.m3u8"
echo 'video:1024kB audio:256kB muxing overhead: 0.5%' >&2
`
	exec, resolver := newTestExecutor(t, fakeEncoder(t, script))
	job := testJob(t)

	require.NoError(t, exec.Run(context.Background(), job))

	outDir, err := resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	require.NoError(t, err)
	assert.True(t, storage.HasPackage(outDir))

	rec, err := progress.ReadRecord(outDir)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Percent)
}

func TestRunSkipsWhenPackageExists(t *testing.T) {
	// A nonexistent encoder path proves the cache hit never execs anything.
	exec, resolver := newTestExecutor(t, filepath.Join(t.TempDir(), "missing-ffmpeg"))
	job := testJob(t)

	outDir, err := resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, storage.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))

	assert.NoError(t, exec.Run(context.Background(), job))
}

func TestRunOverwriteReencodesExistingPackage(t *testing.T) {
	exec, resolver := newTestExecutor(t, filepath.Join(t.TempDir(), "missing-ffmpeg"))
	job := testJob(t)
	job.Settings.Overwrite = true

	outDir, err := resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, storage.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))

	assert.Error(t, exec.Run(context.Background(), job), "overwrite must bypass the cache hit and hit the broken encoder")
}

func TestRunFailsWhenEncoderProducesNothing(t *testing.T) {
	exec, resolver := newTestExecutor(t, fakeEncoder(t, "echo 'Conversion failed!' >&2\nexit 1\n"))
	job := testJob(t)

	err := exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conversion failed")

	outDir, rerr := resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	require.NoError(t, rerr)
	rec, rerr := progress.ReadRecord(outDir)
	require.NoError(t, rerr)
	assert.Equal(t, progress.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestRunFallsBackToSingleRendition(t *testing.T) {
	// Fail whenever the adaptive ladder is requested, succeed otherwise. The
	// ladder invocation is recognizable by its -var_stream_map argument.
	script := `ladder=0
for a in "$@"; do
  out="$a"
  [ "$a" = "-var_stream_map" ] && ladder=1
done
if [ "$ladder" = "1" ]; then
  echo 'Conversion failed!' >&2
  exit 1
fi
printf '#EXTM3U\n' > "$out"
echo 'video:512kB muxing overhead: 0.9%' >&2
`
	exec, resolver := newTestExecutor(t, fakeEncoder(t, script))
	job := testJob(t)

	require.NoError(t, exec.Run(context.Background(), job))

	outDir, err := resolver.OutputDir(job.OwnerID, job.Source, job.Settings)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outDir, storage.SinglePlaylist))
}

func TestRunRejectsMissingSource(t *testing.T) {
	exec, _ := newTestExecutor(t, filepath.Join(t.TempDir(), "missing-ffmpeg"))
	job := queue.Job{
		ID:      "job-2",
		OwnerID: "alice",
		Source:  queue.SourceFile{Name: "gone.mp4", Directory: t.TempDir()},
	}

	err := exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source file unavailable")
}

func TestRunRejectsUnknownRendition(t *testing.T) {
	exec, _ := newTestExecutor(t, filepath.Join(t.TempDir(), "missing-ffmpeg"))
	job := testJob(t)
	job.Settings.Renditions = []string{"8000p"}

	err := exec.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rendition")
}
