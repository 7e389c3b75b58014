// Package api defines the JSON request and response payloads of the Kumo
// HTTP API, shared between the server and clients.
package api

import "time"

// Endpoint identifies a VM or disk on one cloud provider together with the
// placement details the provider needs. CredentialsRef is an opaque
// reference resolved inside the engine; never a raw secret.
type Endpoint struct {
	Provider       string `json:"provider"`
	Region         string `json:"region"`
	InstanceID     string `json:"instance_id,omitempty"`
	DiskID         string `json:"disk_id,omitempty"`
	InstanceType   string `json:"instance_type,omitempty"`
	Bucket         string `json:"bucket,omitempty"`
	Zone           string `json:"zone,omitempty"`
	Project        string `json:"project,omitempty"`
	ResourceGroup  string `json:"resource_group,omitempty"`
	StorageAccount string `json:"storage_account,omitempty"`
	Compartment    string `json:"compartment,omitempty"`
	Subnet         string `json:"subnet,omitempty"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Source Endpoint `json:"source"`
	Target Endpoint `json:"target"`
}

// CreateJobResponse is returned with 202 Accepted.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// StageAttemptInfo is one entry of a job's stage history.
type StageAttemptInfo struct {
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// JobStatusResponse is the body of GET /jobs/{id}.
type JobStatusResponse struct {
	JobID            string             `json:"job_id"`
	Source           Endpoint           `json:"source"`
	Target           Endpoint           `json:"target"`
	Stage            string             `json:"stage"`
	Outcome          string             `json:"outcome"`
	CancelRequested  bool               `json:"cancel_requested"`
	FailureKind      string             `json:"failure_kind,omitempty"`
	FailureDetail    string             `json:"failure_detail,omitempty"`
	TargetImageID    string             `json:"target_image_id,omitempty"`
	TargetInstanceID string             `json:"target_instance_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	Attempts         []StageAttemptInfo `json:"attempts"`
}

// CancelJobResponse is returned with 202 Accepted from DELETE /jobs/{id}.
type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ErrorResponse is the error body for all non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
