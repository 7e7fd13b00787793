// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/progress"
)

// Runner is the subset of the orchestrator the HTTP layer drives.
type Runner interface {
	Submit(ctx context.Context, urls []string, cfg crawler.RunConfig) (string, error)
	Status(runID string) (crawler.RunSnapshot, error)
	Resume(ctx context.Context, runID string) error
	Cancel(runID string) error
	Unblock(domain string)
	DiscoverSeries(ctx context.Context, startURL string) (crawler.SeriesReport, error)
}

// Server routes HTTP requests to the orchestrator. Runs outlive the
// requests that start them, so they are bound to baseCtx, not the request
// context.
type Server struct {
	runner  Runner
	baseCtx context.Context
	logger  *zap.Logger
	router  chi.Router
}

// New builds a Server with the standard middleware stack. baseCtx scopes
// the lifetime of submitted runs; nil means they run until finished.
func New(runner Runner, baseCtx context.Context, logger *zap.Logger) *Server {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{runner: runner, baseCtx: baseCtx, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.handleSubmit)
		r.Get("/runs/{runID}/status", s.handleStatus)
		r.Post("/runs/{runID}/resume", s.handleResume)
		r.Post("/runs/{runID}/cancel", s.handleCancel)
		r.Post("/domains/{domain}/unblock", s.handleUnblock)
		r.Post("/series/discover", s.handleDiscoverSeries)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

type submitRequest struct {
	URLs   []string          `json:"urls"`
	Config crawler.RunConfig `json:"config"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request submitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if len(request.URLs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "urls is required"})
		return
	}

	runID, err := s.runner.Submit(s.baseCtx, request.URLs, request.Config)
	if err != nil {
		s.logger.Warn("submit rejected", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: runID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snapshot, err := s.runner.Status(runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runner.Resume(s.baseCtx, runID); err != nil {
		status := http.StatusConflict
		switch {
		case errors.Is(err, os.ErrNotExist):
			status = http.StatusNotFound
		case errors.Is(err, progress.ErrCorrupt):
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runner.Cancel(runID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type discoverRequest struct {
	URL string `json:"url"`
}

// handleDiscoverSeries walks a series synchronously. The walk is bounded by
// the configured hop ceiling, so the request context is the right scope.
func (s *Server) handleDiscoverSeries(w http.ResponseWriter, r *http.Request) {
	var request discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if request.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	report, err := s.runner.DiscoverSeries(r.Context(), request.URL)
	if err != nil {
		s.logger.Warn("series discovery failed",
			zap.String("url", request.URL), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	s.runner.Unblock(domain)
	s.logger.Info("operator unblocked domain", zap.String("domain", domain))
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
