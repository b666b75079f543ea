// Package control serves the uploader's local HTTP API. It is meant to
// bind on loopback; anything that can reach it can drive the queue.
package control

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Maahir-AI-Robo/bagferry/internal/manager"
	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

// Server exposes queue operations over HTTP.
type Server struct {
	mgr *manager.Manager
}

// NewServer creates a control server over the given manager.
func NewServer(mgr *manager.Manager) *Server {
	return &Server{mgr: mgr}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/uploads", s.handleUploads)
	mux.HandleFunc("/api/uploads/retry-failed", s.handleRetryFailed)
	mux.HandleFunc("/api/uploads/clear-completed", s.handleClearCompleted)
	mux.HandleFunc("/api/uploads/", s.handleUpload)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// sendJSON writes a JSON response body.
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, message, code string, status int) {
	sendJSON(w, status, models.ErrorResponse{Error: message, Code: code})
}
