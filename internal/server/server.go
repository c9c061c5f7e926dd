// Package server provides the HTTP server and routing for the ingestion API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/flexledger/internal/database"
	ingestionhandlers "github.com/aristath/flexledger/internal/modules/ingestion/handlers"
	snapshothandlers "github.com/aristath/flexledger/internal/modules/snapshots/handlers"
)

// Config holds server configuration
type Config struct {
	Log               zerolog.Logger
	DB                *database.DB
	Port              int
	CORSOrigins       string // Comma-separated allowed origins
	IngestionHandlers *ingestionhandlers.Handler
	SnapshotHandlers  *snapshothandlers.Handler
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	db        *database.DB
	ingestion *ingestionhandlers.Handler
	snapshots *snapshothandlers.Handler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		db:        cfg.DB,
		ingestion: cfg.IngestionHandlers,
		snapshots: cfg.SnapshotHandlers,
	}

	s.setupMiddleware(cfg.CORSOrigins)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(corsOrigins string) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout. Trigger requests block through the statement poll loop, so
	// this stays above the poll retry ceiling.
	s.router.Use(middleware.Timeout(30 * time.Minute))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(corsOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/db", s.handleHealthDB)

	s.router.Route("/api", func(r chi.Router) {
		s.ingestion.RegisterRoutes(r)
		s.snapshots.RegisterRoutes(r)
	})
}

// handleHealth reports process liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.log.Error().Err(err).Msg("Failed to write health response")
	}
}

// handleHealthDB reports database reachability
func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.HealthCheck(ctx); err != nil {
		s.log.Error().Err(err).Msg("Database health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// splitOrigins parses the comma-separated allowed-origins setting
func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
