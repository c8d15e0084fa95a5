// Package admin exposes the harness's HTTP surface: health, current run
// status, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunStatus is the JSON shape of GET /run.
type RunStatus struct {
	RunID      string    `json:"run_id,omitempty"`
	ScenarioID string    `json:"scenario_id,omitempty"`
	State      string    `json:"state"`
	Nodes      int       `json:"nodes"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Server serves the admin endpoints. Status updates come from the run
// driver via SetStatus.
type Server struct {
	mu     sync.RWMutex
	status RunStatus
}

func NewServer() *Server {
	return &Server{status: RunStatus{State: "idle"}}
}

// SetStatus replaces the published run status.
func (s *Server) SetStatus(st RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
