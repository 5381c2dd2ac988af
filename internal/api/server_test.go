// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlscache/hlscache/internal/config"
	"github.com/hlscache/hlscache/internal/progress"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
)

type testEnv struct {
	handler http.Handler
	queue   *queue.Queue
	srcDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "clip.mp4"), []byte("not a real video"), 0o644))

	q := queue.New(queue.NewStore(filepath.Join(t.TempDir(), "queue.json")))
	resolver := storage.NewResolver(filepath.Join(t.TempDir(), "home"), "")
	cfg := config.Config{RateLimitPerMinute: 1000}

	return &testEnv{
		handler: NewServer(cfg, q, resolver).Router(),
		queue:   q,
		srcDir:  srcDir,
	}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "hlscache_http_requests_total")
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t)
	body := submitRequest{Name: "clip.mp4", Directory: env.srcDir}

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", "alice", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp["job_id"])

	// Resubmission coalesces onto the same record.
	rec = env.do(t, http.MethodPost, "/api/v1/jobs", "alice", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var again map[string]string
	decodeBody(t, rec, &again)
	assert.Equal(t, resp["job_id"], again["job_id"])

	jobs, err := env.queue.Snapshot()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmitRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", "", submitRequest{Name: "clip.mp4", Directory: env.srcDir})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", "alice", submitRequest{Name: "notes.txt", Directory: env.srcDir})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unsupported container")

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", "alice", submitRequest{Name: "clip.mp4", Directory: "relative/path"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "relative directory")

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", "alice", submitRequest{Name: "missing.mp4", Directory: env.srcDir})
	assert.Equal(t, http.StatusNotFound, rec.Code, "nonexistent source")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{broken"))
	req.Header.Set(ownerHeader, "alice")
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code, "malformed body")
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.queue.Enqueue("alice", queue.SourceFile{Name: "clip.mp4", Directory: env.srcDir}, queue.JobSettings{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign jobs are invisible")

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/progress?filename=clip.mp4&directory="+env.srcDir, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no attempt has written progress yet")

	outDir := filepath.Join(env.srcDir, ".cache", "clip")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	data, err := json.Marshal(progress.Record{Status: progress.StatusProcessing, Percent: 42})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(progress.RecordPath(outDir), data, 0o644))

	rec = env.do(t, http.MethodGet, "/api/v1/progress?filename=clip.mp4&directory="+env.srcDir, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got progress.Record
	decodeBody(t, rec, &got)
	assert.Equal(t, 42, got.Percent)

	rec = env.do(t, http.MethodGet, "/api/v1/progress?filename=clip.mp4", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "directory is required")
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Enqueue("alice", queue.SourceFile{Name: "clip.mp4", Directory: env.srcDir}, queue.JobSettings{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/stats", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats storage.OwnerStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)
}

func TestCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)

	cachedDir := filepath.Join(env.srcDir, ".cache", "clip")
	require.NoError(t, os.MkdirAll(cachedDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cachedDir, storage.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/check", "alice", checkRequest{
		Directory: env.srcDir,
		Filenames: []string{"clip.mp4", "fresh.mp4"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, []string{"clip.mp4"}, resp["cached"])
}

func TestDiscoverEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.srcDir, "second.mkv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.srcDir, "notes.txt"), []byte("x"), 0o644))

	// One file is already cached and one already queued; only second.mkv is new.
	cachedDir := filepath.Join(env.srcDir, ".cache", "clip")
	require.NoError(t, os.MkdirAll(cachedDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cachedDir, storage.MasterPlaylist), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.srcDir, "queued.mp4"), []byte("x"), 0o644))
	_, err := env.queue.Enqueue("alice", queue.SourceFile{Name: "queued.mp4", Directory: env.srcDir}, queue.JobSettings{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/discover", "alice", discoverRequest{Directory: env.srcDir})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobIDs        []string `json:"job_ids"`
		AlreadyQueued int      `json:"already_queued"`
		AlreadyCached int      `json:"already_cached"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.JobIDs, 1)
	assert.Equal(t, 1, resp.AlreadyQueued)
	assert.Equal(t, 1, resp.AlreadyCached)

	jobs, err := env.queue.Snapshot()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/discover", "alice", discoverRequest{Directory: "relative"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/discover", "", discoverRequest{Directory: env.srcDir})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-Id"))

	rec2 := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec2.Header().Get("X-Request-Id"))
}

func TestOwnersAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	body := submitRequest{Name: "clip.mp4", Directory: env.srcDir}

	recA := env.do(t, http.MethodPost, "/api/v1/jobs", "alice", body)
	recB := env.do(t, http.MethodPost, "/api/v1/jobs", "bob", body)
	require.Equal(t, http.StatusAccepted, recA.Code)
	require.Equal(t, http.StatusAccepted, recB.Code)

	var a, b map[string]string
	decodeBody(t, recA, &a)
	decodeBody(t, recB, &b)
	assert.NotEqual(t, a["job_id"], b["job_id"])

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("extra-%d.mp4", i)
		require.NoError(t, os.WriteFile(filepath.Join(env.srcDir, name), []byte("x"), 0o644))
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", "bob", submitRequest{Name: name, Directory: env.srcDir})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/stats", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.OwnerStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Total, "stats are scoped to the requesting owner")
}
