// Package api is the HTTP surface: REST control endpoints on chi plus the
// websocket push endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fetcharr/internal/engine"
	"fetcharr/internal/hostclient"
	"fetcharr/internal/storage"
	"fetcharr/internal/taskstore"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine *engine.Engine
	db     *storage.DB
	store  *taskstore.Store
	host   *hostclient.Client
	hub    *Hub
	router *chi.Mux
	logger *slog.Logger

	startedAt time.Time
	version   string
}

// NewServer builds the router. Call Handler to mount it.
func NewServer(eng *engine.Engine, db *storage.DB, store *taskstore.Store, host *hostclient.Client, hub *Hub, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine:    eng,
		db:        db,
		store:     store,
		host:      host,
		hub:       hub,
		router:    chi.NewRouter(),
		logger:    logger,
		startedAt: time.Now(),
		version:   version,
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/account", s.handleAccount)

		r.Route("/downloads", func(r chi.Router) {
			r.Post("/", s.handleAdd)
			r.Post("/batch", s.handleAddBatch)
			r.Get("/", s.handleList)
			r.Get("/counts", s.handleCounts)
			r.Post("/pause-all", s.handlePauseAll)
			r.Post("/resume-all", s.handleResumeAll)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/retry", s.handleRetry)
				r.Post("/cancel", s.handleCancel)
			})
		})

		r.Route("/batches/{batchId}", func(r chi.Router) {
			r.Get("/", s.handleBatchSummary)
			r.Delete("/", s.handleBatchDelete)
			r.Post("/pause", s.handleBatchPause)
			r.Post("/resume", s.handleBatchResume)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/concurrency", s.handleGetConcurrency)
			r.Put("/concurrency", s.handleSetConcurrency)
		})
	})

	r.Get("/ws", s.hub.ServeWS)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine errors onto HTTP statuses: not-found 404,
// invalid transition 409, duplicate 409, everything else 400/500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrDuplicate):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	task, err := s.engine.AddDownload(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

type batchRequest struct {
	Name string                 `json:"name"`
	URLs []engine.SubmitRequest `json:"urls"`
}

type batchResponse struct {
	Tasks    []*storage.Task   `json:"tasks"`
	Failures map[string]string `json:"failures,omitempty"`
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, fmt.Errorf("batch needs at least one url"))
		return
	}
	tasks, failures := s.engine.AddBatch(r.Context(), req.URLs, req.Name)
	status := http.StatusCreated
	if len(tasks) == 0 {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, batchResponse{Tasks: tasks, Failures: failures})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	state := storage.TaskState(r.URL.Query().Get("state"))

	result, err := s.db.ListTasks(page, limit, state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if task := s.store.Get(id); task != nil {
		s.writeJSON(w, http.StatusOK, task)
		return
	}
	task, err := s.db.GetTask(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	// Deletion takes the file with it unless the caller opts out.
	removeFile := r.URL.Query().Get("remove_file") != "false"
	if err := s.engine.DeleteTask(chi.URLParam(r, "id"), removeFile); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PauseTask(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResumeTask(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryTask(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelTask(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	n := s.engine.PauseAll()
	s.writeJSON(w, http.StatusOK, map[string]int{"paused": n})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	n := s.engine.ResumeAll()
	s.writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.StatusCounts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleBatchSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.db.GetBatchSummary(chi.URLParam(r, "batchId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	removeFile := r.URL.Query().Get("remove_file") != "false"
	n, err := s.engine.DeleteBatch(chi.URLParam(r, "batchId"), removeFile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleBatchPause(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.PauseBatch(chi.URLParam(r, "batchId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"paused": n})
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ResumeBatch(chi.URLParam(r, "batchId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

type statusResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Engine        engine.Stats `json:"engine"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Engine:        s.engine.Stats(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	status, err := s.host.CheckAccountStatus(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type concurrencyResponse struct {
	MaxConcurrent int `json:"max_concurrent"`
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, concurrencyResponse{MaxConcurrent: s.engine.MaxConcurrent()})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.engine.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, concurrencyResponse{MaxConcurrent: s.engine.MaxConcurrent()})
}
