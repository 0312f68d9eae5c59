// Package server provides the operational HTTP surface for the ingestion
// pipeline (spec.md §D.10): process health, and read-only job status
// lookups so an operator (or the scheduler that triggers runs) can ask
// "did the last run finish, and how". This is ambient operational
// tooling, not the downstream presentation/dashboard layer spec.md §1
// excludes — there is no query language, no aggregation across jobs, and
// no write path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/ohlcv-ingest/internal/database"
	"github.com/aristath/ohlcv-ingest/internal/repository"
	"github.com/aristath/ohlcv-ingest/internal/status"
)

// Config holds server configuration.
type Config struct {
	Log         zerolog.Logger
	DB          *database.DB
	Repos       map[string]*repository.Repository // environment -> scoped repository
	Status      *status.Broadcaster               // optional; nil disables /ws/status
	Port        int
	DevMode     bool
}

// Server exposes health and job-status endpoints over HTTP.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	db     *database.DB
	repos  map[string]*repository.Repository
	status *status.Broadcaster
}

// New constructs a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		db:     cfg.DB,
		repos:  cfg.Repos,
		status: cfg.Status,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/latest", s.handleLatestJob)
		r.Get("/{id}", s.handleGetJob)
	})

	if s.status != nil {
		s.router.Get("/ws/status", s.status.ServeHTTP)
	}
}

// Start begins serving; it blocks until the server stops or errors.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("operational HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen and serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, letting in-flight requests drain
// until ctx is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) repoFor(r *http.Request) (*repository.Repository, error) {
	env := r.URL.Query().Get("environment")
	if env == "" {
		env = "dev"
	}
	repo, ok := s.repos[env]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	return repo, nil
}

func (s *Server) handleLatestJob(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env := r.URL.Query().Get("environment")
	if env == "" {
		env = "dev"
	}
	job, err := repo.GetLatestJob(r.Context(), env)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	repo, err := s.repoFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := repo.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}
