// Package web serves the read-only status API. It is an operations surface:
// every endpoint is a GET over orchestrator state, there is no mutation and
// no UI.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tandem-ai/tandem/internal/checkpoint"
	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/orchestrator"
)

// Config holds the status server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7700",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server exposes orchestrator state over HTTP.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        Config
	logger     *logging.Logger
	orch       *orchestrator.Orchestrator
}

// New creates a status server for the given orchestrator.
func New(cfg Config, orch *orchestrator.Orchestrator, logger *logging.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		orch:   orch,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleAPIRoot)
		r.Get("/status", s.handleStatus)
		r.Get("/workflow", s.handleWorkflow)
		r.Get("/agents", s.handleAgents)
		r.Get("/recovery", s.handleRecovery)
		r.Get("/checkpoints", s.handleCheckpoints)
		r.Get("/context", s.handleContext)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleAPIRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":       "tandem-status",
		"version":    "v1",
		"session_id": s.orch.SessionID(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleWorkflow(w http.ResponseWriter, _ *http.Request) {
	m := s.orch.Machine()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    m.GetState(),
		"progress": m.GetProgress(),
		"context":  m.GetContext(),
		"history":  m.GetHistory(50),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.orch.Status().Agents,
		"count":  s.orch.Pool().GetActiveAgentCount(),
		"health": s.orch.Pool().Health().Snapshot(),
	})
}

func (s *Server) handleRecovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Recovery().GetStats())
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.orch.Checkpoints().List(r.Context(), checkpoint.ListOptions{
		SessionID: s.orch.SessionID(),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": cps,
		"count":       len(cps),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ContextMonitor().GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

// Router returns the underlying chi router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
