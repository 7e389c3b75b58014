package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/observability"
	"github.com/kumoproj/kumo/internal/store"
	"github.com/kumoproj/kumo/pkg/api"
)

// Handlers serves the job API backed by the store.
type Handlers struct {
	store   store.Store
	metrics *observability.Metrics
	logger  *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(st store.Store, metrics *observability.Metrics, log *logger.Logger) *Handlers {
	return &Handlers{store: st, metrics: metrics, logger: log}
}

// CreateJob handles POST /jobs: persists the job and enqueues its first
// stage. Returns 202 with the job ID.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	src, err := toDescriptor(req.Source)
	if err != nil {
		h.httpError(w, "Invalid source: "+err.Error(), http.StatusBadRequest)
		return
	}
	tgt, err := toDescriptor(req.Target)
	if err != nil {
		h.httpError(w, "Invalid target: "+err.Error(), http.StatusBadRequest)
		return
	}

	job := migrate.NewJob(src, tgt)
	if err := h.store.CreateJob(ctx, job); err != nil {
		h.logger.Errorf("Failed to create job: %v", err)
		h.httpError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}
	if err := h.store.Enqueue(ctx, job.ID, migrate.StageExporting, time.Now().UTC()); err != nil {
		h.logger.Errorf("Failed to enqueue job %s: %v", job.ID, err)
		h.httpError(w, "Failed to enqueue job", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.JobsSubmitted.Inc()
	}
	h.logger.Infof("Accepted job %s: %s/%s -> %s/%s", job.ID,
		src.Provider, src.Region, tgt.Provider, tgt.Region)
	h.respondJSON(w, http.StatusAccepted, api.CreateJobResponse{JobID: job.ID.String()})
}

// GetJob handles GET /jobs/{id}: the job's durable state plus its full
// stage-attempt history.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}
	job, err := h.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Errorf("Failed to get job %s: %v", id, err)
		h.httpError(w, "Failed to get job", http.StatusInternalServerError)
		return
	}
	attempts, err := h.store.ListAttempts(ctx, id)
	if err != nil {
		h.logger.Errorf("Failed to list attempts for job %s: %v", id, err)
		h.httpError(w, "Failed to get job history", http.StatusInternalServerError)
		return
	}

	resp := api.JobStatusResponse{
		JobID:            job.ID.String(),
		Source:           toEndpoint(job.Source),
		Target:           toEndpoint(job.Target),
		Stage:            string(job.Stage),
		Outcome:          string(job.Outcome),
		CancelRequested:  job.CancelRequested,
		FailureKind:      string(job.FailureKind),
		FailureDetail:    job.FailureDetail,
		TargetImageID:    job.TargetImageID,
		TargetInstanceID: job.TargetInstanceID,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		Attempts:         make([]api.StageAttemptInfo, 0, len(attempts)),
	}
	for _, a := range attempts {
		info := api.StageAttemptInfo{
			Stage:       string(a.Stage),
			Attempt:     a.Attempt,
			Outcome:     string(a.Outcome),
			ErrorKind:   string(a.ErrorKind),
			ErrorDetail: a.ErrorDetail,
			StartedAt:   a.StartedAt,
			FinishedAt:  a.FinishedAt,
		}
		if a.Artifact != nil {
			info.ArtifactURI = a.Artifact.URI
		}
		resp.Attempts = append(resp.Attempts, info)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /jobs/{id}: flags the job for cooperative
// cancellation. 409 if the job already reached a terminal outcome.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}
	err = h.store.RequestCancel(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, store.ErrTerminal):
		h.httpError(w, "Job already terminal", http.StatusConflict)
	case err != nil:
		h.logger.Errorf("Failed to cancel job %s: %v", id, err)
		h.httpError(w, "Failed to cancel job", http.StatusInternalServerError)
	default:
		h.logger.Infof("Cancellation requested for job %s", id)
		h.respondJSON(w, http.StatusAccepted, api.CancelJobResponse{
			JobID:  id.String(),
			Status: "cancelling",
		})
	}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handlers) httpError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg, Code: http.StatusText(status)})
}

func toDescriptor(e api.Endpoint) (migrate.Descriptor, error) {
	p := migrate.Provider(e.Provider)
	switch p {
	case migrate.ProviderAWS, migrate.ProviderAzure, migrate.ProviderGCP, migrate.ProviderOCI:
	default:
		return migrate.Descriptor{}, errors.New("unknown provider " + e.Provider)
	}
	if e.Region == "" {
		return migrate.Descriptor{}, errors.New("region is required")
	}
	return migrate.Descriptor{
		Provider:       p,
		Region:         e.Region,
		InstanceID:     e.InstanceID,
		DiskID:         e.DiskID,
		InstanceType:   e.InstanceType,
		Bucket:         e.Bucket,
		Zone:           e.Zone,
		Project:        e.Project,
		ResourceGroup:  e.ResourceGroup,
		StorageAccount: e.StorageAccount,
		Compartment:    e.Compartment,
		Subnet:         e.Subnet,
		CredentialsRef: e.CredentialsRef,
	}, nil
}

func toEndpoint(d migrate.Descriptor) api.Endpoint {
	return api.Endpoint{
		Provider:       string(d.Provider),
		Region:         d.Region,
		InstanceID:     d.InstanceID,
		DiskID:         d.DiskID,
		InstanceType:   d.InstanceType,
		Bucket:         d.Bucket,
		Zone:           d.Zone,
		Project:        d.Project,
		ResourceGroup:  d.ResourceGroup,
		StorageAccount: d.StorageAccount,
		Compartment:    d.Compartment,
		Subnet:         d.Subnet,
		CredentialsRef: d.CredentialsRef,
	}
}
