package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/artifact"
	"github.com/ssd-technologies/nimbus/internal/logging"
	"github.com/ssd-technologies/nimbus/internal/notify"
	"github.com/ssd-technologies/nimbus/internal/ratelimit"
	"github.com/ssd-technologies/nimbus/internal/scheduler"
	"github.com/ssd-technologies/nimbus/internal/storage"
	"github.com/ssd-technologies/nimbus/internal/webshot"
)

// Options wires the services behind the HTTP API.
type Options struct {
	Engine    *storage.Engine
	Hub       *notify.Hub
	Scheduler *scheduler.Scheduler
	Artifacts *artifact.Set
	Webshot   *webshot.Service // nil disables /webshot
	TempDir   string           // upload spool directory

	// CacheDuration is the max-age sent for revision-pinned content.
	CacheDuration time.Duration
	// WebshotRate is the number of screenshot requests per minute allowed
	// per client IP.
	WebshotRate int
}

// Server is the main HTTP server for the Nimbus API.
type Server struct {
	engine    *storage.Engine
	hub       *notify.Hub
	sched     *scheduler.Scheduler
	artifacts *artifact.Set
	shots     *webshot.Service
	tempDir   string
	maxAge    string
	shotLimit *ratelimit.Keyed
	mux       *http.ServeMux
	log       *zap.Logger
}

// New creates a new Server with all routes registered.
func New(opts Options) *Server {
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewSet()
	}
	if opts.WebshotRate <= 0 {
		opts.WebshotRate = 30
	}
	s := &Server{
		engine:    opts.Engine,
		hub:       opts.Hub,
		sched:     opts.Scheduler,
		artifacts: opts.Artifacts,
		shots:     opts.Webshot,
		tempDir:   opts.TempDir,
		maxAge:    "max-age=" + strconv.Itoa(int(opts.CacheDuration/time.Second)),
		shotLimit: ratelimit.NewKeyed(opts.WebshotRate, time.Minute),
		mux:       http.NewServeMux(),
		log:       logging.Named("server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Storages
	s.mux.HandleFunc("GET /storage", s.handleListStorages)
	s.mux.HandleFunc("POST /storage", s.handleCreateStorage)
	s.mux.HandleFunc("GET /storage/{storage}", s.handleGetStorage)
	s.mux.HandleFunc("PUT /storage/{storage}", s.handleChangeStorage)
	s.mux.HandleFunc("DELETE /storage/{storage}", s.handleDeleteStorage)

	// Files
	s.mux.HandleFunc("POST /storage/{storage}/{file}", s.handleCreateFile)
	s.mux.HandleFunc("GET /storage/{storage}/{file}", s.handleGetFile)
	s.mux.HandleFunc("PUT /storage/{storage}/{file}", s.handleChangeFile)
	s.mux.HandleFunc("DELETE /storage/{storage}/{file}", s.handleDeleteFile)
	s.mux.HandleFunc("GET /storage/{storage}/{file}/content", s.handleContent)

	// Comments
	s.mux.HandleFunc("POST /storage/{storage}/{file}/comments", s.handleCreateComment)
	s.mux.HandleFunc("PUT /storage/{storage}/{file}/comments/{comment}", s.handleChangeComment)
	s.mux.HandleFunc("DELETE /storage/{storage}/{file}/comments/{comment}", s.handleDeleteComment)

	// Derived media
	s.mux.HandleFunc("GET /preview/{storage}/{file}", s.handlePreview)
	s.mux.HandleFunc("GET /audio/{storage}/{file}", s.handleAudio)
	s.mux.HandleFunc("GET /audio/{storage}/{file}/info", s.handleAudioInfo)
	s.mux.HandleFunc("GET /video/{storage}/{file}", s.handleVideo)
	s.mux.HandleFunc("GET /video/{storage}/{file}/info", s.handleVideoInfo)
	s.mux.HandleFunc("GET /pdf/{storage}/{file}/info", s.handlePDFInfo)
	s.mux.HandleFunc("GET /pdf/{storage}/{file}/pages/{page}", s.handlePDFPage)

	// Webshot
	s.mux.HandleFunc("GET /webshot", s.handleWebshot)

	// Manage
	s.mux.HandleFunc("GET /manage/tasks", s.handleListTasks)
	s.mux.HandleFunc("DELETE /manage/tasks/{id}", s.handleAbortTask)
	s.mux.HandleFunc("GET /manage/monitors", s.handleMonitors)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "nimbus",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStorageError maps engine errors to HTTP statuses.
func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, "storage quota exceeded")
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "already exists")
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// fileParam parses the numeric {file} path value. 0 is the storage root.
func fileParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// revParam returns the rev query argument, -1 when absent or malformed.
func revParam(r *http.Request) int64 {
	raw := r.URL.Query().Get("rev")
	if raw == "" {
		return -1
	}
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return rev
}
