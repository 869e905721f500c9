// Package api exposes a lightweight HTTP API for external monitoring,
// adapted from the teacher's internal/api/api.go (same Server/New/
// Start/Stop shape and jsonOK helper), replaced with read-only stats/
// health endpoints backed by the metrics package since this proxy has no
// pool to rotate or manual-rotate.
//
// Endpoints
//
//	GET /api/stats   Report connection and throughput counters.
//	GET /api/health  Report liveness (always 200 once the server is up).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/romeomihailus/dualproxy/internal/logging"
	"github.com/romeomihailus/dualproxy/internal/metrics"
)

// Server is the API HTTP server.
type Server struct {
	metrics *metrics.Metrics
	server  *http.Server
	log     *logging.Logger
}

// New creates and configures the API server. log may be nil, in which
// case logging is a no-op.
func New(addr string, m *metrics.Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.New("api", logging.LevelOff)
	}
	s := &Server{metrics: m, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// handleStats returns the current metrics snapshot.
//
//	GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonOK(w, s.metrics.Snapshot())
}

// handleHealth reports liveness.
//
//	GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonOK(w, map[string]any{"ok": true})
}

func (s *Server) jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response: %v", err)
	}
}
