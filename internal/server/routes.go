package server

import (
	"net/http"

	"github.com/recaplabs/recap/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Jobs
	mux.HandleFunc("/api/jobs/", s.routeJob) // handles {id}
	mux.HandleFunc("/api/jobs", s.handleJobs)

	// Event stream
	mux.HandleFunc("/api/events", s.handleEvents)

	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.Handle("/metrics", s.metrics.Handler())
}

// routeJob dispatches /api/jobs/{id} by method.
func (s *Server) routeJob(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/jobs/", "")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleJobGet(w, r, id)
	case http.MethodDelete:
		s.handleJobCancel(w, r, id)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"queue_depth":     s.queue.Size(),
		"sse_connections": s.hub.ConnectionCount(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
