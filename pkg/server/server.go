package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

// Server serves the session configuration API.
type Server struct {
	ctrl  *controller.Controller
	store *store.Store
	srv   *http.Server
}

// New creates a new Server.
func New(ctrl *controller.Controller) *Server {
	return &Server{
		ctrl:  ctrl,
		store: ctrl.Store(),
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /api/sessions/{id}/activate", s.handleActivateSession)
	mux.HandleFunc("GET /api/sessions/{id}/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/sessions/{id}/available/{kind}", s.handleAvailable)

	// Links
	mux.HandleFunc("POST /api/sessions/{id}/envs/{env}", s.handleLinkEnv)
	mux.HandleFunc("DELETE /api/sessions/{id}/envs/{env}", s.handleUnlinkEnv)
	mux.HandleFunc("POST /api/sessions/{id}/envs/{env}/modules/{mod}", s.handleLinkModule)
	mux.HandleFunc("DELETE /api/sessions/{id}/envs/{env}/modules/{mod}", s.handleUnlinkModule)
	mux.HandleFunc("POST /api/sessions/{id}/envs/{env}/modules/{mod}/fields/{field}", s.handleLinkField)
	mux.HandleFunc("DELETE /api/sessions/{id}/envs/{env}/modules/{mod}/fields/{field}", s.handleUnlinkField)
	mux.HandleFunc("POST /api/sessions/{id}/envs/{env}/modules/{mod}/methods/{method}", s.handleLinkMethod)
	mux.HandleFunc("DELETE /api/sessions/{id}/envs/{env}/modules/{mod}/methods/{method}", s.handleUnlinkMethod)
	mux.HandleFunc("PUT /api/sessions/{id}/envs/{env}/sm", s.handleToggleSM)

	// Assignment
	mux.HandleFunc("POST /api/sessions/{id}/assign", s.handleAssign)

	// Simulation
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStartSimulation)
	mux.HandleFunc("GET /api/sessions/{id}/runs", s.handleListRuns)

	// Catalogs and detail
	mux.HandleFunc("GET /api/catalogs/{kind}", s.handleGetCatalog)
	mux.HandleFunc("POST /api/catalogs/{kind}/{item}/select", s.handleSelectDetail)
	mux.HandleFunc("GET /api/detail", s.handleGetDetail)

	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.Handle("GET /metrics", promhttp.Handler())

	// WebSocket
	mux.HandleFunc("/api/sessions/{id}/watch", s.handleWatchWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting web server", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify origin in prod, allow all in dev
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// controllerError maps controller errors: unmet preconditions are the
// caller's fault, anything else is ours.
func (s *Server) controllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrPrecondition) {
		s.errorResponse(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err)
}
