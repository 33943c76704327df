// Package statusapi exposes the relay's operational state over HTTP: health,
// queue and run status, Prometheus metrics, and the explicit kill entry point.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/pkg/logx"
	"relay/pkg/queue"
	"relay/pkg/reconcile"
	"relay/pkg/resilience"
	"relay/pkg/runs"
	"relay/pkg/tracker"
	"relay/pkg/version"
)

// QueueSource yields point-in-time snapshots of every queue the daemon runs.
type QueueSource interface {
	Statuses() []queue.Status
}

// Server is the status HTTP server.
type Server struct {
	queues     QueueSource
	tracker    *tracker.Tracker
	reconciler *reconcile.Reconciler
	breakers   *resilience.Registry
	logger     *logx.Logger
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Queues     []queue.Status              `json:"queues"`
	ActiveRuns []runs.RunState             `json:"active_runs"`
	Reconcile  reconcile.Stats             `json:"reconcile"`
	Breakers   map[string]resilience.State `json:"breakers"`
}

// KillResponse is the POST /runs/kill payload.
type KillResponse struct {
	Run      string `json:"run"`
	Reason   string `json:"reason"`
	Signaled bool   `json:"signaled"`
}

// NewServer creates a status server over the given collaborators. Any of them
// may be nil; the matching response sections come back empty.
func NewServer(queues QueueSource, trk *tracker.Tracker, rec *reconcile.Reconciler, breakers *resilience.Registry) *Server {
	return &Server{
		queues:     queues,
		tracker:    trk,
		reconciler: rec,
		breakers:   breakers,
		logger:     logx.NewLogger("statusapi"),
	}
}

// RegisterRoutes sets up HTTP routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/runs/kill", s.handleKill)
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]string{
		"status":  "ok",
		"version": version.Version,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Queues:     []queue.Status{},
		ActiveRuns: []runs.RunState{},
		Breakers:   map[string]resilience.State{},
	}
	if s.queues != nil {
		if statuses := s.queues.Statuses(); statuses != nil {
			response.Queues = statuses
		}
	}
	if s.tracker != nil {
		if states := s.tracker.GetActiveRunStates(); states != nil {
			response.ActiveRuns = states
		}
	}
	if s.reconciler != nil {
		response.Reconcile = s.reconciler.Stats()
	}
	if s.breakers != nil {
		response.Breakers = s.breakers.States()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode status response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Served status: %d queues, %d active runs", len(response.Queues), len(response.ActiveRuns))
}

// handleKill implements POST /runs/kill?run=<id>.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.tracker == nil {
		http.Error(w, "Tracker not available", http.StatusServiceUnavailable)
		return
	}

	runID := r.URL.Query().Get("run")
	if runID == "" {
		http.Error(w, "run parameter required", http.StatusBadRequest)
		return
	}

	result, err := s.tracker.KillRun(r.Context(), runID)
	if errors.Is(err, tracker.ErrRunNotFound) {
		http.Error(w, fmt.Sprintf("run %s not found", runID), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Kill failed for run %s: %v", runID, err)
		http.Error(w, "Kill failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Kill accepted for run %s: reason=%s signaled=%v", runID, result.Reason, result.Signaled)

	w.Header().Set("Content-Type", "application/json")
	response := KillResponse{
		Run:      runID,
		Reason:   string(result.Reason),
		Signaled: result.Signaled,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode kill response: %v", err)
	}
}

// StartServer starts the HTTP server on addr and shuts it down when ctx ends.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting status server on %s", addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Parent context is cancelled; shutdown needs a fresh one.
		s.logger.Info("Shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Status server shutdown failed: %v", err)
		}
	}()

	return nil
}
