// Package migrate defines the domain model for disk-image migration jobs:
// jobs, pipeline stages, stage attempts, artifacts, and the error taxonomy
// shared by the pipeline, drivers, and stores.
package migrate

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies a public cloud provider.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
	ProviderOCI   Provider = "oci"
)

// Format is a disk-image format tag.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatQCOW2 Format = "qcow2"
	FormatVHD   Format = "vhd"
	FormatVMDK  Format = "vmdk"
)

// SupportedFormat reports whether f is in the supported conversion set.
func SupportedFormat(f Format) bool {
	switch f {
	case FormatRaw, FormatQCOW2, FormatVHD, FormatVMDK:
		return true
	}
	return false
}

// Stage is one step of the migration pipeline.
type Stage string

const (
	StageReceived     Stage = "received"
	StageExporting    Stage = "exporting"
	StageConverting   Stage = "converting"
	StageTransferring Stage = "transferring"
	StagePublishing   Stage = "publishing"
	StageLaunching    Stage = "launching"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// stageOrder maps pipeline stages to their position in the sequence.
// Terminal states are not part of the ordering.
var stageOrder = map[Stage]int{
	StageReceived:     0,
	StageExporting:    1,
	StageConverting:   2,
	StageTransferring: 3,
	StagePublishing:   4,
	StageLaunching:    5,
	StageCompleted:    6,
}

// Next returns the stage that follows s in the pipeline sequence.
// It returns false for terminal stages and for StageCompleted.
func (s Stage) Next() (Stage, bool) {
	order, ok := stageOrder[s]
	if !ok || s == StageCompleted {
		return "", false
	}
	for candidate, n := range stageOrder {
		if n == order+1 {
			return candidate, true
		}
	}
	return "", false
}

// Index returns the position of s in the pipeline sequence, or -1 for
// terminal states.
func (s Stage) Index() int {
	if n, ok := stageOrder[s]; ok {
		return n
	}
	return -1
}

// Terminal reports whether s is a terminal state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Outcome is the final result of a migration job.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Descriptor identifies a VM or disk on one provider together with the
// provider-specific placement details a driver needs to operate on it.
// CredentialsRef is an opaque reference resolved inside the driver layer;
// the engine never carries raw secrets.
type Descriptor struct {
	Provider       Provider `json:"provider"`
	Region         string   `json:"region"`
	InstanceID     string   `json:"instance_id,omitempty"`
	DiskID         string   `json:"disk_id,omitempty"`
	InstanceType   string   `json:"instance_type,omitempty"`
	Bucket         string   `json:"bucket,omitempty"`
	Zone           string   `json:"zone,omitempty"`
	Project        string   `json:"project,omitempty"`
	ResourceGroup  string   `json:"resource_group,omitempty"`
	StorageAccount string   `json:"storage_account,omitempty"`
	Compartment    string   `json:"compartment,omitempty"`
	Subnet         string   `json:"subnet,omitempty"`
	CredentialsRef string   `json:"credentials_ref,omitempty"`
}

// Artifact is a located, typed unit of disk-image data produced by one
// pipeline stage and consumed by the next. Provider records the owner so
// cleanup can be routed to the right driver; a staging artifact carries an
// empty provider.
type Artifact struct {
	URI       string   `json:"uri"`
	Format    Format   `json:"format"`
	SizeBytes int64    `json:"size_bytes"`
	SHA256    string   `json:"sha256,omitempty"`
	Provider  Provider `json:"provider,omitempty"`
}

// AttemptOutcome is the result of one stage attempt.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// StageAttempt records one execution of one pipeline stage. Attempts are
// immutable once written and are appended in stage order per job.
type StageAttempt struct {
	JobID       uuid.UUID      `json:"job_id"`
	Stage       Stage          `json:"stage"`
	Attempt     int            `json:"attempt"`
	Outcome     AttemptOutcome `json:"outcome"`
	ErrorKind   Kind           `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Artifact    *Artifact      `json:"artifact,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Job is one end-to-end migration request and its lifecycle record.
// A job is terminal once Outcome is succeeded, failed, or cancelled and is
// never mutated afterwards.
type Job struct {
	ID               uuid.UUID  `json:"id"`
	Source           Descriptor `json:"source"`
	Target           Descriptor `json:"target"`
	Stage            Stage      `json:"stage"`
	Outcome          Outcome    `json:"outcome"`
	CancelRequested  bool       `json:"cancel_requested"`
	FailureKind      Kind       `json:"failure_kind,omitempty"`
	FailureDetail    string     `json:"failure_detail,omitempty"`
	TargetImageID    string     `json:"target_image_id,omitempty"`
	TargetInstanceID string     `json:"target_instance_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewJob creates a pending job in the Received state.
func NewJob(source, target Descriptor) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Stage:     StageReceived,
		Outcome:   OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the job has reached a final outcome.
func (j *Job) Terminal() bool {
	return j.Outcome != OutcomePending
}

// TransferCheckpoint tracks the durable progress of one chunked transfer so
// a redelivered Transferring task resumes from the acked offset instead of
// re-uploading bytes.
type TransferCheckpoint struct {
	JobID       uuid.UUID `json:"job_id"`
	UploadID    string    `json:"upload_id"`
	AckedOffset int64     `json:"acked_offset"`
	ChunkCount  int       `json:"chunk_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}
