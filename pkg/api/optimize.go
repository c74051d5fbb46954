package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/executor"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/store"
	"github.com/psantana5/schedopt/pkg/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) rateKey(r *http.Request, p *models.Principal) string {
	key := s.clientIP.KeyFunc(r)
	if s.cfg.KeyBySubject && p != nil {
		key += "|" + p.Subject
	}
	return key
}

// Submit admits an optimization request. Authentication and the submit
// permission have already been checked by middleware; the remaining
// checks run in order and none of them creates a job.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())

	decision, err := s.submissions.Allow(r.Context(), s.rateKey(r, p))
	if err != nil {
		// fail open when the limiter backend errors
		s.logger.Warn("Rate limiter unavailable, admitting request", logging.Fields{"error": err.Error()})
	} else {
		decision.SetHeaders(w)
		if !decision.Allowed {
			s.reject(w, http.StatusTooManyRequests, CodeRateLimited,
				"Too many optimization requests, please try again later", nil)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.reject(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request entity too large", nil)
			return
		}
		s.reject(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format",
			[]validation.FieldError{{Field: "body", Message: "Failed to read request body"}})
		return
	}

	req, err := s.validator.Decode(body)
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			s.reject(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", verr.Details)
			return
		}
		s.reject(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", nil)
		return
	}

	alg, ok := s.registry.Get(req.AlgorithmID)
	if !ok {
		s.reject(w, http.StatusBadRequest, CodeAlgNotFound, "Algorithm not found: "+req.AlgorithmID, nil)
		return
	}

	profile, err := s.profiles.Get(string(req.ProfileID))
	if err != nil {
		if errors.Is(err, profiles.ErrProfileNotFound) {
			s.reject(w, http.StatusBadRequest, CodeProfileNotFound, "Profile not found: "+string(req.ProfileID), nil)
			return
		}
		s.logger.Error("Profile lookup failed", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
		return
	}
	if !profile.Allows(req.AlgorithmID) {
		s.reject(w, http.StatusBadRequest, CodeAlgNotAllowed,
			"Algorithm "+req.AlgorithmID+" is not allowed by profile "+profile.ID, nil)
		return
	}

	s.sanitizer.Schedule(&req.ScheduleData)

	job, err := s.tracker.Create(r.Context(), req, p.Subject)
	if err != nil {
		s.logger.Error("Failed to create job", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create optimization job", nil)
		return
	}

	if err := s.queue.Submit(job.RunID, alg); err != nil {
		// the job was never runnable, so it must not linger as queued
		if perr := s.tracker.Purge(r.Context(), job.RunID); perr != nil {
			s.logger.Warn("Failed to remove unqueued job", logging.Fields{"run_id": job.RunID, "error": perr.Error()})
		}
		if errors.Is(err, executor.ErrQueueFull) {
			w.Header().Set("Retry-After", "30")
			s.reject(w, http.StatusServiceUnavailable, CodeQueueFull, "Optimization queue is full, please try again later", nil)
			return
		}
		s.reject(w, http.StatusServiceUnavailable, CodeUnavailable, "Optimizer is shutting down", nil)
		return
	}

	writeJSON(w, http.StatusAccepted, models.SubmitResponse{
		RunID:       job.RunID,
		Status:      job.Status,
		SubmittedAt: job.SubmittedAt,
	})
}

// loadJob resolves {runId} and checks the caller may see it. It writes
// the error response itself and returns nil on failure.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *models.Job {
	runID := mux.Vars(r)["runId"]
	job, err := s.tracker.Get(r.Context(), runID)
	if err != nil {
		s.jobError(w, runID, err)
		return nil
	}
	if !auth.PrincipalFrom(r.Context()).CanAccess(job.Owner) {
		s.forbidden(w, r)
		return nil
	}
	return job
}

func (s *Server) jobError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "Job not found", nil)
		return
	}
	s.logger.Error("Job lookup failed", logging.Fields{"run_id": runID, "error": err.Error()})
	writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
}

// GetJob returns the job snapshot. result stays null until the job completes.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a queued or running job. Cancelling a finished job
// succeeds without changing it.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if _, err := s.tracker.Cancel(r.Context(), job.RunID, "cancelled by "+p.Subject); err != nil {
		s.jobError(w, job.RunID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobList is the body of GET /optimize
type JobList struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// ListJobs lists the caller's jobs, newest first. Principals with the
// admin permission see everyone's and may filter by ?owner=.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	q := r.URL.Query()

	filter := store.JobFilter{Owner: p.Subject, Limit: defaultListLimit}
	if p.HasPermission(models.PermOptimizationAdmin) {
		filter.Owner = q.Get("owner")
	}
	if st := q.Get("status"); st != "" {
		status, err := models.ParseJobStatus(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format",
				[]validation.FieldError{{Field: "status", Message: "Invalid enum value"}})
			return
		}
		filter.Status = status
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format",
				[]validation.FieldError{{Field: "limit", Message: "Must be a positive integer"}})
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	list, err := s.tracker.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list jobs", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: list, Count: len(list)})
}
