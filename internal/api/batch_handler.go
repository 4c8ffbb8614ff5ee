package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/batch"
	"github.com/phrazzld/scry-batch/internal/platform/logger"
)

// JobRunner starts and controls jobs. *batch.Coordinator implements it.
type JobRunner interface {
	StartBatch(ctx context.Context, req batch.StartRequest) (uuid.UUID, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	ListActiveJobs(ctx context.Context) ([]batch.Job, error)
	GetStats(ctx context.Context) (batch.Stats, error)
}

// JobQuerier answers read-only job queries. *batch.QueryService implements it.
type JobQuerier interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*batch.Progress, error)
	ListJobs(ctx context.Context, statuses ...batch.JobStatus) ([]*batch.Job, error)
	GetJobErrors(ctx context.Context, jobID uuid.UUID) ([]*batch.JobError, error)
}

// StartBatchResponse is returned when a job is accepted.
type StartBatchResponse struct {
	JobID uuid.UUID `json:"jobId"`
}

// CancelJobResponse acknowledges a cancel request.
type CancelJobResponse struct {
	JobID     uuid.UUID `json:"jobId"`
	Cancelled bool      `json:"cancelled"`
}

// ListJobsResponse wraps a job listing.
type ListJobsResponse struct {
	Jobs []batch.Job `json:"jobs"`
}

// JobErrorsResponse wraps a job's error records.
type JobErrorsResponse struct {
	JobID  uuid.UUID        `json:"jobId"`
	Errors []batch.JobError `json:"errors"`
}

// BatchHandler handles batch job HTTP requests
type BatchHandler struct {
	runner  JobRunner
	queries JobQuerier
}

// NewBatchHandler creates a new BatchHandler
func NewBatchHandler(runner JobRunner, queries JobQuerier) *BatchHandler {
	return &BatchHandler{runner: runner, queries: queries}
}

// StartBatch handles POST /api/batch-jobs
func (h *BatchHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.StartRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	jobID, err := h.runner.StartBatch(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("batch job accepted",
		"job_id", jobID,
		"total_items", len(req.ItemIDs))
	shared.RespondWithJSON(w, r, http.StatusAccepted, StartBatchResponse{JobID: jobID})
}

// GetJobStatus handles GET /api/batch-jobs/{id}
func (h *BatchHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	progress, err := h.queries.GetJobStatus(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, progress)
}

// CancelJob handles POST /api/batch-jobs/{id}/cancel
func (h *BatchHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	if err := h.runner.CancelJob(r.Context(), jobID); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CancelJobResponse{JobID: jobID, Cancelled: true})
}

// ListJobs handles GET /api/batch-jobs. Without a status filter it returns
// the jobs this process is running; ?status=completed,failed queries the
// store instead.
func (h *BatchHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	if filter == "" {
		jobs, err := h.runner.ListActiveJobs(r.Context())
		if err != nil {
			HandleAPIError(w, r, err)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, ListJobsResponse{Jobs: jobs})
		return
	}

	var statuses []batch.JobStatus
	for _, s := range strings.Split(filter, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, batch.JobStatus(s))
		}
	}

	stored, err := h.queries.ListJobs(r.Context(), statuses...)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	jobs := make([]batch.Job, 0, len(stored))
	for _, job := range stored {
		jobs = append(jobs, *job)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// GetStats handles GET /api/batch-jobs/stats
func (h *BatchHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runner.GetStats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// GetJobErrors handles GET /api/batch-jobs/{id}/errors
func (h *BatchHandler) GetJobErrors(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}

	recs, err := h.queries.GetJobErrors(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	out := make([]batch.JobError, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, JobErrorsResponse{JobID: jobID, Errors: out})
}

// pathJobID parses the {id} path parameter, writing a 400 response when it
// is not a UUID.
func (h *BatchHandler) pathJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %q", ErrInvalidJobID, raw))
		return uuid.Nil, false
	}
	return id, true
}

// RegisterRoutes mounts the batch job endpoints on r.
func (h *BatchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/batch-jobs", func(r chi.Router) {
		r.Post("/", h.StartBatch)
		r.Get("/", h.ListJobs)
		r.Get("/stats", h.GetStats)
		r.Get("/{id}", h.GetJobStatus)
		r.Post("/{id}/cancel", h.CancelJob)
		r.Get("/{id}/errors", h.GetJobErrors)
	})
}
