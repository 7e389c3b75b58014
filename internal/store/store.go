// Package store defines the persistence contracts for migration jobs and
// the durable stage-task queue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/migrate"
)

// ErrNotFound is returned when a job or object does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when an operation targets a job that already
// reached a final outcome.
var ErrTerminal = errors.New("job is terminal")

// Task is one unit of queued work: run one pipeline stage of one job.
type Task struct {
	ID    int64
	JobID uuid.UUID
	Stage migrate.Stage
}

// JobStore persists jobs and their stage-attempt history. Reads and writes
// are per-job atomic: no partial job state is ever observable.
type JobStore interface {
	// CreateJob inserts a new job.
	CreateJob(ctx context.Context, job *migrate.Job) error

	// GetJob returns a job by ID, or ErrNotFound.
	GetJob(ctx context.Context, id uuid.UUID) (*migrate.Job, error)

	// RequestCancel flags a job for cooperative cancellation. Returns
	// ErrTerminal if the job already has a final outcome.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// ListAttempts returns the full stage-attempt history in append order.
	ListAttempts(ctx context.Context, jobID uuid.UUID) ([]migrate.StageAttempt, error)

	// LatestSuccess returns the most recent successful attempt of the given
	// stage, or nil if none exists.
	LatestSuccess(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (*migrate.StageAttempt, error)

	// AttemptCount returns how many attempts the given stage has consumed.
	AttemptCount(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (int, error)

	// RecordStageResult atomically appends the attempt, persists the updated
	// job state, and, when next is non-nil, enqueues the next stage task
	// visible after visibleAfter. The queue delivery that produced this
	// result must only be acknowledged after this call returns.
	RecordStageResult(ctx context.Context, job *migrate.Job, attempt *migrate.StageAttempt, next *migrate.Stage, visibleAfter time.Time) error

	// SaveCheckpoint upserts the transfer checkpoint for a job.
	SaveCheckpoint(ctx context.Context, cp *migrate.TransferCheckpoint) error

	// GetCheckpoint returns the transfer checkpoint, or nil if none exists.
	GetCheckpoint(ctx context.Context, jobID uuid.UUID) (*migrate.TransferCheckpoint, error)

	// DeleteCheckpoint removes the transfer checkpoint.
	DeleteCheckpoint(ctx context.Context, jobID uuid.UUID) error
}

// Queue is the durable at-least-once task queue. A dequeued task stays
// invisible until its visibility deadline; crashing workers lose the claim
// and the task is redelivered.
type Queue interface {
	// Enqueue adds a stage task, visible after visibleAfter.
	Enqueue(ctx context.Context, jobID uuid.UUID, stage migrate.Stage, visibleAfter time.Time) error

	// Dequeue claims up to limit visible tasks, extending their visibility
	// by the configured timeout. Returns a nil slice when the queue is empty.
	Dequeue(ctx context.Context, limit int) ([]Task, error)

	// Ack removes a completed task.
	Ack(ctx context.Context, taskID int64) error

	// Nack releases a task for redelivery after visibleAfter.
	Nack(ctx context.Context, taskID int64, visibleAfter time.Time) error

	// Extend pushes out the visibility deadline of a claimed task.
	Extend(ctx context.Context, taskID int64, visibleAfter time.Time) error
}

// Store combines job persistence and the task queue.
type Store interface {
	JobStore
	Queue
}
