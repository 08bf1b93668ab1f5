// Package api exposes the daemon's collaborator boundary as an HTTP
// JSON API. The UI shell is its only intended consumer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/skylake-tv/runnerd/src/internal/config"
	"github.com/skylake-tv/runnerd/src/internal/health"
	"github.com/skylake-tv/runnerd/src/internal/process"
	"github.com/skylake-tv/runnerd/src/internal/redirect"
	"github.com/skylake-tv/runnerd/src/internal/update"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

const outputHistory = 200

// Server is the REST API server.
type Server struct {
	supervisor   *process.Supervisor
	prober       *health.Prober
	orchestrator *update.Orchestrator
	sequencer    *redirect.Sequencer
	store        *config.Store
	baseCtx      context.Context
	mux          *http.ServeMux

	outMu   sync.Mutex
	output  []string
	stopOut func()
}

// NewServer creates the API server. baseCtx bounds background work
// started on behalf of requests, such as update downloads.
func NewServer(baseCtx context.Context, sv *process.Supervisor, prober *health.Prober, orch *update.Orchestrator, seq *redirect.Sequencer, store *config.Store) *Server {
	s := &Server{
		supervisor:   sv,
		prober:       prober,
		orchestrator: orch,
		sequencer:    seq,
		store:        store,
		baseCtx:      baseCtx,
		mux:          http.NewServeMux(),
	}

	lines, cancel := sv.Subscribe()
	s.stopOut = cancel
	go s.collectOutput(lines)

	// Output belongs to one run cycle; drop it when the run ends.
	sv.OnStopped(func() {
		s.outMu.Lock()
		s.output = nil
		s.outMu.Unlock()
	})

	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close releases the output subscription.
func (s *Server) Close() {
	if s.stopOut != nil {
		s.stopOut()
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/server/status", s.handleServerStatus)
	s.mux.HandleFunc("/api/v1/server/start", s.handleServerStart)
	s.mux.HandleFunc("/api/v1/server/stop", s.handleServerStop)
	s.mux.HandleFunc("/api/v1/server/health", s.handleServerHealth)

	s.mux.HandleFunc("/api/v1/update/check", s.handleUpdateCheck)
	s.mux.HandleFunc("/api/v1/update/apply", s.handleUpdateApply)
	s.mux.HandleFunc("/api/v1/update/status", s.handleUpdateStatus)

	s.mux.HandleFunc("/api/v1/redirect/arm", s.handleRedirectArm)
	s.mux.HandleFunc("/api/v1/redirect/cancel", s.handleRedirectCancel)
	s.mux.HandleFunc("/api/v1/redirect/status", s.handleRedirectStatus)

	s.mux.HandleFunc("/api/v1/config", s.handleConfig)

	s.mux.HandleFunc("/health", s.handleHealth)
}

// collectOutput keeps the tail of the subprocess output for the status
// endpoint.
func (s *Server) collectOutput(lines <-chan string) {
	for line := range lines {
		s.outMu.Lock()
		s.output = append(s.output, line)
		if len(s.output) > outputHistory {
			s.output = s.output[len(s.output)-outputHistory:]
		}
		s.outMu.Unlock()
	}
}

func (s *Server) recentOutput() []string {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make([]string, len(s.output))
	copy(out, s.output)
	return out
}

// handleServerStatus handles GET /api/v1/server/status
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	response := map[string]interface{}{
		"state":          s.supervisor.State(),
		"run_id":         s.supervisor.RunID(),
		"binary":         s.supervisor.Identity(),
		"uptime_seconds": int(s.supervisor.Uptime().Seconds()),
		"last_exit_code": s.supervisor.LastExitCode(),
		"output":         s.recentOutput(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleServerStart handles POST /api/v1/server/start
func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Args []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings := s.store.Settings()
	args := append(append([]string{}, settings.BinaryArgs...), req.Args...)

	err := s.supervisor.Start(settings.Binary, args, settings.EnvFile)
	switch {
	case errors.Is(err, process.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "server already running")
		return
	case errors.Is(err, process.ErrInvalidBinary):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to start server: %v", err))
		return
	}

	if err := s.store.SetBinaryIdentity(s.supervisor.Identity()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to persist binary identity: %v", err))
		return
	}

	response := map[string]interface{}{
		"message": "server started",
		"binary":  s.supervisor.Identity(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleServerStop handles POST /api/v1/server/stop
func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	err := s.supervisor.Stop()
	if errors.Is(err, process.ErrNotRunning) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "server not running",
		})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop server: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server stopped",
	})
}

// handleServerHealth handles GET /api/v1/server/health
func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	outcome := s.prober.Probe(r.Context(), s.store.Settings().ServerPort)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": outcome,
	})
}

func decodeKind(r *http.Request) (models.ArtifactKind, error) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("invalid request body")
	}
	return parseKind(req.Kind)
}

func parseKind(kind string) (models.ArtifactKind, error) {
	switch models.ArtifactKind(kind) {
	case models.KindApplication:
		return models.KindApplication, nil
	case models.KindBinary, "":
		return models.KindBinary, nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// handleUpdateCheck handles POST /api/v1/update/check
func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	kind, err := decodeKind(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A failed check means "no update", same as the background pass.
	decision, err := s.orchestrator.CheckForUpdate(r.Context(), kind)
	if err != nil {
		slog.Warn("update check failed", "kind", kind, "error", err)
		decision = models.UpdateDecision{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":     kind,
		"decision": decision,
	})
}

// handleUpdateApply handles POST /api/v1/update/apply
func (s *Server) handleUpdateApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Kind  string `json:"kind"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.orchestrator.Apply(s.baseCtx, kind, req.Force)
	switch {
	case errors.Is(err, update.ErrUpdateInProgress):
		s.writeError(w, http.StatusConflict, "update already in progress")
		return
	case errors.Is(err, update.ErrNoUpdate):
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "no update available",
			"kind":    kind,
		})
		return
	case err != nil:
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to start update: %v", err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "update started",
		"kind":    kind,
		"job_id":  jobID,
	})
}

// handleUpdateStatus handles GET /api/v1/update/status
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	kind := models.ArtifactKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = models.KindBinary
	}

	job, ok := s.orchestrator.Status(kind)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no update for kind")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind": kind,
		"job":  job,
	})
}

// handleRedirectArm handles POST /api/v1/redirect/arm
func (s *Server) handleRedirectArm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		CountdownSeconds *int `json:"countdown_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings := s.store.Settings()
	seconds := settings.Redirect.CountdownSeconds
	if req.CountdownSeconds != nil {
		if *req.CountdownSeconds < 0 {
			s.writeError(w, http.StatusBadRequest, "countdown_seconds must not be negative")
			return
		}
		seconds = *req.CountdownSeconds
	}

	if !s.sequencer.Arm(s.baseCtx, settings.Redirect, seconds) {
		s.writeError(w, http.StatusConflict, "countdown already armed")
		return
	}

	s.writeJSON(w, http.StatusOK, s.sequencer.Status())
}

// handleRedirectCancel handles POST /api/v1/redirect/cancel
func (s *Server) handleRedirectCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.sequencer.Cancel()
	s.writeJSON(w, http.StatusOK, s.sequencer.Status())
}

// handleRedirectStatus handles GET /api/v1/redirect/status
func (s *Server) handleRedirectStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, s.sequencer.Status())
}

// handleConfig handles GET /api/v1/config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	response := map[string]interface{}{
		"settings":     s.store.Settings(),
		"playlist_url": s.store.PlaylistURL(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
