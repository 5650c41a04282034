// Package debugapi exposes execution debugging over HTTP: breakpoints,
// stepping, resuming, event delivery and cancellation, plus a read-only view
// of an execution's node states. It manipulates debug signals only; actually
// advancing a paused execution is the worker pool's job.
package debugapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/taulu/flowgrid/internal/debugctl"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/taskqueue"
	"github.com/taulu/flowgrid/pkg/api"
)

// Identity extracts the caller from a request. The default reads the
// X-User-ID and X-Workspace-ID headers, which suits deployments where an
// authenticating proxy sits in front of the debug surface.
type Identity func(r *http.Request) (userID, workspaceID string, err error)

func headerIdentity(r *http.Request) (string, string, error) {
	userID := r.Header.Get("X-User-ID")
	workspaceID := r.Header.Get("X-Workspace-ID")
	if userID == "" || workspaceID == "" {
		return "", "", errors.New("missing identity headers")
	}
	return userID, workspaceID, nil
}

// Config wires the handler. Signals and Store are required.
type Config struct {
	Signals debugctl.Signals
	Store   persistence.ExecutionStore

	// Queue, when set, lets resume re-dispatch a paused execution to the
	// worker pool instead of waiting for the next poll.
	Queue taskqueue.Queue

	// Roles gates every debug operation. Nil allows all callers.
	Roles api.RoleChecker

	// Audit records every accepted debug operation. Nil discards.
	Audit api.AuditSink

	// Identity defaults to header extraction.
	Identity Identity

	// CORS, when set, is applied to the handler returned by Handler.
	CORS *cors.Cors

	Logger *slog.Logger
}

// Server is the debug HTTP surface.
type Server struct {
	signals  debugctl.Signals
	store    persistence.ExecutionStore
	queue    taskqueue.Queue
	roles    api.RoleChecker
	audit    api.AuditSink
	identity Identity
	cors     *cors.Cors
	logger   *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Signals == nil {
		return nil, errors.New("debugapi: signals are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("debugapi: store is required")
	}
	s := &Server{
		signals:  cfg.Signals,
		store:    cfg.Store,
		queue:    cfg.Queue,
		roles:    cfg.Roles,
		audit:    cfg.Audit,
		identity: cfg.Identity,
		cors:     cfg.CORS,
		logger:   cfg.Logger,
	}
	if s.roles == nil {
		s.roles = api.AllowAll{}
	}
	if s.audit == nil {
		s.audit = api.NoopAudit{}
	}
	if s.identity == nil {
		s.identity = headerIdentity
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler returns the routed HTTP handler, CORS-wrapped when configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/executions/{execution_id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/executions/{execution_id}/breakpoint/{node_id}", s.handleBreakpoint).Methods(http.MethodPost)
	r.HandleFunc("/executions/{execution_id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/executions/{execution_id}/step", s.handleStep).Methods(http.MethodPost)
	r.HandleFunc("/executions/{execution_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/executions/{execution_id}/events/{event}", s.handleEvent).Methods(http.MethodPost)

	if s.cors != nil {
		return s.cors.Handler(r)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authorize resolves the caller and checks debug permission. A non-nil
// return means the response has already been written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (userID, workspaceID string, failed bool) {
	userID, workspaceID, err := s.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", "", true
	}
	allowed, err := s.roles.CanDebug(r.Context(), userID, workspaceID)
	if err != nil {
		s.logger.Error("role check failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "authorization check failed")
		return "", "", true
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "debug access denied")
		return "", "", true
	}
	return userID, workspaceID, false
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	_, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	executionID := mux.Vars(r)["execution_id"]

	exec, err := s.store.GetExecution(r.Context(), executionID)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("load execution failed", "error", err, "execution_id", executionID)
		writeError(w, http.StatusInternalServerError, "load execution failed")
		return
	}
	// Tenant isolation: never leak another workspace's execution.
	if exec.WorkspaceID != workspaceID {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleBreakpoint(w http.ResponseWriter, r *http.Request) {
	userID, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	vars := mux.Vars(r)
	executionID, nodeID := vars["execution_id"], vars["node_id"]

	action := r.URL.Query().Get("action")
	switch action {
	case "", "set":
		if err := s.signals.SetBreakpoint(r.Context(), executionID, nodeID); err != nil {
			s.logger.Error("set breakpoint failed", "error", err, "execution_id", executionID)
			writeError(w, http.StatusInternalServerError, "set breakpoint failed")
			return
		}
		s.audit.Record(r.Context(), "debug.breakpoint.set", userID, workspaceID,
			map[string]any{"execution_id": executionID, "node_id": nodeID})
		writeJSON(w, http.StatusOK, map[string]string{"status": "breakpoint_set", "node_id": nodeID})
	case "remove":
		if err := s.signals.ClearBreakpoint(r.Context(), executionID, nodeID); err != nil {
			s.logger.Error("clear breakpoint failed", "error", err, "execution_id", executionID)
			writeError(w, http.StatusInternalServerError, "clear breakpoint failed")
			return
		}
		s.audit.Record(r.Context(), "debug.breakpoint.removed", userID, workspaceID,
			map[string]any{"execution_id": executionID, "node_id": nodeID})
		writeJSON(w, http.StatusOK, map[string]string{"status": "breakpoint_removed", "node_id": nodeID})
	default:
		writeError(w, http.StatusBadRequest, "action must be set or remove")
	}
}

// handleResume clears breakpoints so the next run proceeds, then re-enqueues
// the execution when a queue is wired. Resuming an unknown or terminal
// execution is a no-op success: the debugger may race the engine, and a
// resume that arrives after completion changed nothing worth failing over.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	userID, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	executionID := mux.Vars(r)["execution_id"]
	nodeID := r.URL.Query().Get("node_id")

	var err error
	if nodeID == "" {
		err = s.signals.ClearBreakpoints(r.Context(), executionID)
	} else {
		err = s.signals.ClearBreakpoint(r.Context(), executionID, nodeID)
	}
	if err != nil {
		s.logger.Error("clear breakpoints failed", "error", err, "execution_id", executionID)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}

	s.redispatch(r, executionID, workspaceID)
	s.audit.Record(r.Context(), "debug.resume", userID, workspaceID,
		map[string]any{"execution_id": executionID, "node_id": nodeID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	userID, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	executionID := mux.Vars(r)["execution_id"]

	if err := s.signals.ArmStep(r.Context(), executionID); err != nil {
		s.logger.Error("arm step failed", "error", err, "execution_id", executionID)
		writeError(w, http.StatusInternalServerError, "step failed")
		return
	}
	s.redispatch(r, executionID, workspaceID)
	s.audit.Record(r.Context(), "debug.step", userID, workspaceID,
		map[string]any{"execution_id": executionID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "step_signal_sent"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	executionID := mux.Vars(r)["execution_id"]

	if err := s.signals.RequestCancel(r.Context(), executionID); err != nil {
		s.logger.Error("request cancel failed", "error", err, "execution_id", executionID)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.redispatch(r, executionID, workspaceID)
	s.audit.Record(r.Context(), "debug.cancel", userID, workspaceID,
		map[string]any{"execution_id": executionID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// handleEvent delivers an external event payload to a suspended node. The
// request body, when present, must be a JSON value.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	userID, workspaceID, failed := s.authorize(w, r)
	if failed {
		return
	}
	vars := mux.Vars(r)
	executionID, event := vars["execution_id"], vars["event"]

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	if err := s.signals.DeliverEvent(r.Context(), executionID, event, payload); err != nil {
		s.logger.Error("deliver event failed", "error", err, "execution_id", executionID)
		writeError(w, http.StatusInternalServerError, "deliver event failed")
		return
	}
	s.redispatch(r, executionID, workspaceID)
	s.audit.Record(r.Context(), "debug.event", userID, workspaceID,
		map[string]any{"execution_id": executionID, "event": event})
	writeJSON(w, http.StatusOK, map[string]string{"status": "event_delivered", "event": event})
}

// redispatch re-enqueues a known, non-terminal execution so a worker picks
// it up promptly. Best-effort: failures are logged, the signal still stands.
// An execution still running on some worker is protected by its store
// lease; the extra job is dropped there, and the signal reaches the running
// loop through the control plane.
func (s *Server) redispatch(r *http.Request, executionID, workspaceID string) {
	if s.queue == nil {
		return
	}
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil || exec.WorkspaceID != workspaceID || exec.Status.Terminal() {
		return
	}
	job := taskqueue.Job{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		WorkspaceID: exec.WorkspaceID,
		Graph:       exec.Graph,
		Input:       exec.Input,
		EnqueuedAt:  exec.CreatedAt,
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.logger.Warn("re-enqueue after debug signal failed", "error", err, "execution_id", executionID)
	}
}
