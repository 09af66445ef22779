package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
	"github.com/recaplabs/recap/internal/queue"
)

// submitRequest is the POST /api/jobs body.
type submitRequest struct {
	Kind     models.JobKind     `json:"kind"`
	Payload  models.Payload     `json:"payload"`
	Priority models.JobPriority `json:"priority,omitempty"`
}

// jobResponse is the wire shape of a job record.
type jobResponse struct {
	ID              string             `json:"id"`
	Kind            models.JobKind     `json:"kind"`
	Status          models.JobStatus   `json:"status"`
	Priority        models.JobPriority `json:"priority"`
	Progress        float64            `json:"progress"`
	ProgressMessage string             `json:"progress_message,omitempty"`
	Attempt         int                `json:"attempt"`
	MaxAttempts     int                `json:"max_attempts"`
	ClientID        string             `json:"client_id,omitempty"`
	Payload         models.Payload     `json:"payload"`
	Result          *models.Summary    `json:"result,omitempty"`
	Error           *models.JobError   `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

func newJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{
		ID:              job.ID,
		Kind:            job.Kind,
		Status:          job.Status,
		Priority:        job.Priority,
		Progress:        job.Progress,
		ProgressMessage: job.ProgressMessage,
		Attempt:         job.Attempt,
		MaxAttempts:     job.MaxAttempts,
		ClientID:        job.ClientID,
		Payload:         job.Payload,
		Result:          job.Result,
		Error:           job.LastError,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		resp.StartedAt = &t
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// handleJobs dispatches the /api/jobs collection: POST submits, GET lists.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobSubmit(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleJobSubmit handles POST /api/jobs.
func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := s.queue.Submit(r.Context(), interfaces.SubmitRequest{
		Kind:          req.Kind,
		Priority:      req.Priority,
		Payload:       req.Payload,
		ClientID:      common.ResolveClientID(r.Context()),
		SubscriberKey: common.ResolveSubscriberKey(r.Context()),
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// writeSubmitError maps submission failures to HTTP status and code.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidSubmission):
		WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), "invalid_payload")
	case errors.Is(err, queue.ErrQueueFull):
		WriteErrorWithCode(w, http.StatusTooManyRequests, err.Error(), "queue_full")
	case errors.Is(err, queue.ErrRateLimited):
		WriteErrorWithCode(w, http.StatusTooManyRequests, err.Error(), "rate_limited")
	case errors.Is(err, queue.ErrQueueClosed):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, "server is shutting down", "shutting_down")
	default:
		s.logger.Error().Err(err).Msg("Job submission failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleJobList handles GET /api/jobs?status=&client=&kind=&limit=.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := interfaces.JobFilter{
		ClientID: q.Get("client"),
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.JobStatus(strings.TrimSpace(part))
			if !models.KnownStatus(status) {
				WriteErrorWithCode(w, http.StatusBadRequest, "unknown status: "+string(status), "invalid_filter")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := q.Get("kind"); raw != "" {
		kind := models.JobKind(raw)
		if !models.KnownKind(kind) {
			WriteErrorWithCode(w, http.StatusBadRequest, "unknown kind: "+raw, "invalid_filter")
			return
		}
		filter.Kind = kind
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteErrorWithCode(w, http.StatusBadRequest, "limit must be a non-negative integer", "invalid_filter")
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.state.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Job list failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  items,
		"count": len(items),
	})
}

// handleJobGet handles GET /api/jobs/{id}.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.state.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found: "+id)
			return
		}
		s.logger.Error().Str("job_id", id).Err(err).Msg("Job lookup failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, newJobResponse(job))
}

// handleJobCancel handles DELETE /api/jobs/{id}. Only jobs that are not
// yet running (Pending) or waiting on a retry (Retry) can be cancelled;
// queued entries are skipped lazily at pop time.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.state.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found: "+id)
			return
		}
		s.logger.Error().Str("job_id", id).Err(err).Msg("Job lookup failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if job.Status != models.JobStatusPending && job.Status != models.JobStatusRetry {
		WriteErrorWithCode(w, http.StatusConflict,
			"job is "+string(job.Status)+" and can no longer be cancelled", "not_cancellable")
		return
	}

	cancelled, err := s.state.Transition(r.Context(), id, job.Status, models.JobStatusCancelled)
	if err != nil {
		// The job moved between the read and the transition.
		WriteErrorWithCode(w, http.StatusConflict,
			"job state changed and can no longer be cancelled", "not_cancellable")
		return
	}

	s.logger.Info().
		Str("job_id", id).
		Str("client_id", cancelled.ClientID).
		Msg("Job cancelled")
	WriteJSON(w, http.StatusOK, map[string]any{
		"job_id": cancelled.ID,
		"status": cancelled.Status,
	})
}
