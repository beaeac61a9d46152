// Package api exposes the operator surface: pending approvals and
// their resolution, instance inspection, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"argus-soar/internal/approval"
	"argus-soar/internal/playbook"
)

// Config configures the API server.
type Config struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Keys         []APIKey      `yaml:"keys"`
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		Address:      ":8484",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the operator-facing HTTP server.
type Server struct {
	config Config
	gate   *approval.Gate
	runner *playbook.Runner
	logger *slog.Logger
	server *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, gate *approval.Gate, runner *playbook.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		gate:   gate,
		runner: runner,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/resolve", s.handleResolveApproval)
	mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	mux.HandleFunc("GET /v1/instances/{id}", s.handleGetInstance)

	auth := NewAuthenticator(cfg.Keys)
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      securityHeaders(auth.Middleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "address", s.config.Address)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != "pending" {
		writeError(w, http.StatusBadRequest, "only status=pending is supported")
		return
	}

	pending := s.gate.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval request id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := approval.Decision(req.Decision)
	if decision != approval.DecisionApproved && decision != approval.DecisionDenied {
		writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = actorFromContext(r.Context())
	}

	err = s.gate.Resolve(r.Context(), requestID, decision, actor)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "approval request already decided")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("approval resolved",
		"request_id", requestID,
		"decision", decision,
		"actor", actor)
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"decision":   decision,
		"actor":      actor,
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	instances := s.runner.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}

	snap, ok := s.runner.Get(instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func contextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
