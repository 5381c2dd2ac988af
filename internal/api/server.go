// SPDX-License-Identifier: MIT

// Package api exposes the HTTP control surface: job submission, progress and
// statistics reads, bulk cache checks and job deletion.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hlscache/hlscache/internal/config"
	"github.com/hlscache/hlscache/internal/log"
	"github.com/hlscache/hlscache/internal/progress"
	"github.com/hlscache/hlscache/internal/queue"
	"github.com/hlscache/hlscache/internal/storage"
)

// ownerHeader carries the caller identity. The daemon trusts the fronting
// proxy to have authenticated it.
const ownerHeader = "X-Owner-Id"

// Server holds the handler dependencies.
type Server struct {
	cfg      config.Config
	queue    *queue.Queue
	resolver *storage.Resolver
	logger   zerolog.Logger
}

// NewServer wires the API against the shared queue and output resolver.
func NewServer(cfg config.Config, q *queue.Queue, r *storage.Resolver) *Server {
	return &Server{
		cfg:      cfg,
		queue:    q,
		resolver: r,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	r.Use(Logging)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/discover", s.handleDiscover)
		r.Post("/jobs/check", s.handleCheck)
		r.Delete("/jobs/{id}", s.handleDelete)
		r.Get("/progress", s.handleProgress)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the job submission body.
type submitRequest struct {
	Name         string   `json:"name"`
	Directory    string   `json:"directory"`
	Renditions   []string `json:"renditions,omitempty"`
	OutputPolicy string   `json:"output_policy,omitempty"`
	CustomPath   string   `json:"custom_path,omitempty"`
	Overwrite    bool     `json:"overwrite,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	if req.Name == "" || !filepath.IsAbs(req.Directory) {
		writeError(w, errors.New("name and an absolute directory are required"))
		return
	}
	if !storage.IsMediaFile(req.Name) {
		writeError(w, errors.New("unsupported media type"))
		return
	}
	if _, err := os.Stat(filepath.Join(req.Directory, req.Name)); err != nil {
		writeNotFound(w)
		return
	}

	id, err := s.queue.Enqueue(owner,
		queue.SourceFile{Name: req.Name, Directory: req.Directory},
		queue.JobSettings{
			Renditions:   req.Renditions,
			OutputPolicy: req.OutputPolicy,
			CustomPath:   req.CustomPath,
			Overwrite:    req.Overwrite,
		})
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.enqueue_failed").Msg("enqueue failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// discoverRequest asks for every supported media file under a directory tree
// to be enqueued, skipping files that are already queued or cached.
type discoverRequest struct {
	Directory string `json:"directory"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	if !filepath.IsAbs(req.Directory) {
		writeError(w, errors.New("an absolute directory is required"))
		return
	}
	if _, err := os.Stat(req.Directory); err != nil {
		writeNotFound(w)
		return
	}

	found, err := storage.DiscoverMedia(req.Directory)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.discover_failed").Str("directory", req.Directory).Msg("media discovery failed")
		writeInternalError(w)
		return
	}
	candidates, err := s.queue.FilterUnqueued(found, owner)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.discover_failed").Msg("queue filter failed")
		writeInternalError(w)
		return
	}

	jobIDs := []string{}
	skipped := 0
	for _, src := range candidates {
		cached := false
		for _, dir := range s.resolver.CandidateDirs(owner, src, queue.JobSettings{}) {
			if storage.HasPackage(dir) {
				cached = true
				break
			}
		}
		if cached {
			skipped++
			continue
		}
		id, err := s.queue.Enqueue(owner, src, queue.JobSettings{})
		if err != nil {
			s.logger.Error().Err(err).Str("event", "api.enqueue_failed").Str("file", src.Name).Msg("enqueue failed")
			writeInternalError(w)
			return
		}
		jobIDs = append(jobIDs, id)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids":        jobIDs,
		"already_queued": len(found) - len(candidates),
		"already_cached": skipped,
	})
}

// checkRequest asks which of the named files already have a package on disk.
type checkRequest struct {
	Directory string   `json:"directory"`
	Filenames []string `json:"filenames"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}

	cached := s.resolver.CachedSubset(owner, req.Directory, req.Filenames, queue.JobSettings{})
	if cached == nil {
		cached = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"cached": cached})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	removed, err := s.queue.Remove(chi.URLParam(r, "id"), owner)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.delete_failed").Msg("delete failed")
		writeInternalError(w)
		return
	}
	if !removed {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	name := r.URL.Query().Get("filename")
	directory := r.URL.Query().Get("directory")
	if name == "" || directory == "" {
		writeError(w, errors.New("filename and directory are required"))
		return
	}

	src := queue.SourceFile{Name: name, Directory: directory}
	for _, dir := range s.resolver.CandidateDirs(owner, src, queue.JobSettings{}) {
		rec, err := progress.ReadRecord(dir)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("event", "api.progress_read_failed").Str("dir", dir).Msg("unreadable progress record")
		}
	}
	writeNotFound(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeUnauthorized(w)
		return
	}

	jobs, err := s.queue.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.stats_failed").Msg("queue snapshot failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, s.resolver.StatsFor(jobs, owner))
}
