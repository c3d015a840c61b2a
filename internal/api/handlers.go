// Package api exposes the HTTP submission surface for manual crawl requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/admission"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
)

const serviceName = "crawl-admission"

// Submitter accepts crawl submissions.
type Submitter interface {
	Submit(ctx context.Context, req admission.Request) (string, error)
}

// JobReader loads job records.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Handler holds the API dependencies.
type Handler struct {
	submitter Submitter
	jobs      JobReader
	checks    map[string]HealthCheck
}

// NewHandler creates the API handler. checks are run by /health.
func NewHandler(submitter Submitter, jobReader JobReader, checks map[string]HealthCheck) *Handler {
	return &Handler{submitter: submitter, jobs: jobReader, checks: checks}
}

// SetupRoutes registers the API routes.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
}

// CreateJobRequest is the submission body.
type CreateJobRequest struct {
	TenantID string         `json:"tenant_id"`
	TaskName string         `json:"task_name"`
	Params   map[string]any `json:"params,omitempty"`
}

// JobResponse is the public view of a job.
type JobResponse struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	TaskName     string         `json:"task_name"`
	Status       string         `json:"status"`
	Params       map[string]any `json:"params,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// CreateJob submits a crawl. Capacity waits are invisible to the caller:
// both immediate dispatch and queueing answer 202 with the job id.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	jobID, err := h.submitter.Submit(r.Context(), admission.Request{
		TenantID: req.TenantID,
		TaskName: req.TaskName,
		Params:   req.Params,
	})
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		ValidationError(w, r, "tenant_id and task_name are required")
		return
	case err != nil && jobID != "":
		WriteJSON(w, r, map[string]any{
			"status":     "error",
			"job_id":     jobID,
			"message":    "Job could not be scheduled and was marked failed",
			"request_id": GetRequestID(r),
		}, http.StatusServiceUnavailable)
		loggerWithRequest(r).Error().Err(err).Str("job_id", jobID).Msg("Submission failed after job creation")
		return
	case err != nil:
		InternalError(w, r, err)
		return
	}

	loggerWithRequest(r).Info().
		Str("job_id", jobID).
		Str("tenant_id", req.TenantID).
		Msg("Crawl job submitted")
	WriteAccepted(w, r, map[string]string{"job_id": jobID}, "Job accepted")
}

// GetJob returns one job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		NotFound(w, r, "Job not found")
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, JobResponse{
		ID:           job.ID,
		TenantID:     job.TenantID,
		TaskName:     job.TaskName,
		Status:       string(job.Status),
		Params:       job.Params,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}, "")
}

// HealthCheck runs every dependency check with a short deadline.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			healthy = false
			results[name] = err.Error()
			loggerWithRequest(r).Warn().Err(err).Str("check", name).Msg("Health check failed")
			continue
		}
		results[name] = "ok"
	}
	WriteHealth(w, r, serviceName, results, healthy)
}
