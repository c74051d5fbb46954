package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/store"
)

// ListAlgorithms returns the registered algorithms
func (s *Server) ListAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]algorithms.Info{"algorithms": s.registry.List()})
}

// ListProfiles returns the tuning profiles a request may select
func (s *Server) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]*profiles.Profile{"profiles": s.profiles.List()})
}

// GetVersion returns a schedule version produced by a completed run
func (s *Server) GetVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["versionId"]
	v, err := s.tracker.GetVersion(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, CodeVersionNotFound, "Version not found", nil)
			return
		}
		s.logger.Error("Version lookup failed", logging.Fields{"version_id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
		return
	}
	if !auth.PrincipalFrom(r.Context()).CanAccess(v.Owner) {
		s.forbidden(w, r)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// StatsResponse summarizes stored jobs and the worker pool
type StatsResponse struct {
	Total       int                      `json:"total"`
	ByStatus    map[models.JobStatus]int `json:"byStatus"`
	ByAlgorithm map[string]int           `json:"byAlgorithm"`
	QueueDepth  int                      `json:"queueDepth"`
	Running     int                      `json:"running"`
	Workers     int                      `json:"workers"`
}

// Stats reports job counts for operators
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	jm, err := s.tracker.Store().GetJobMetrics(r.Context())
	if err != nil {
		s.logger.Error("Failed to read job metrics", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Total:       jm.Total,
		ByStatus:    jm.JobsByState,
		ByAlgorithm: jm.JobsByAlgorithm,
		QueueDepth:  s.queue.QueueDepth(),
		Running:     s.queue.Running(),
		Workers:     s.queue.Workers(),
	})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string    `json:"status"`
	Store      string    `json:"store"`
	QueueDepth int       `json:"queueDepth"`
	Running    int       `json:"running"`
	Time       time.Time `json:"time"`
}

// Health reports store reachability and executor load. It needs no credentials.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Store:      "ok",
		QueueDepth: s.queue.QueueDepth(),
		Running:    s.queue.Running(),
		Time:       time.Now().UTC(),
	}
	status := http.StatusOK
	if err := s.tracker.Store().HealthCheck(ctx); err != nil {
		s.logger.Warn("Store health check failed", logging.Fields{"error": err.Error()})
		resp.Status, resp.Store = "unhealthy", err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
