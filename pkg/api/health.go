package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/aegis/pkg/cluster"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/raft"
)

// HealthServer provides HTTP health check endpoints, separate from the
// gRPC AegisAPI service so orchestrators can probe liveness/readiness
// without a gRPC client.
type HealthServer struct {
	manager *cluster.Manager
	mux     *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. manager may be
// nil during early startup, before the Cluster Manager is constructed.
func NewHealthServer(mgr *cluster.Manager) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		manager: mgr,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a pure liveness check — returns 200 if the process is
// alive, regardless of cluster state.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks whether this replica is ready to serve traffic:
// the local Raft replica must be running and (for writes) a leader must
// be known.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.manager == nil {
		checks["raft"] = "not initialized"
		checks["storage"] = "not initialized"
		ready = false
		message = "cluster manager not initialized"
	} else {
		status := hs.manager.Status()
		switch {
		case status.State == raft.Leader:
			checks["raft"] = "leader"
		case status.LeaderID != "":
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", status.LeaderID)
		default:
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}

		hs.manager.Get("__health_probe__")
		checks["storage"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
