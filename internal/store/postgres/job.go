package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store"
)

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job *migrate.Job) error {
	source, err := json.Marshal(job.Source)
	if err != nil {
		return fmt.Errorf("failed to marshal source descriptor: %w", err)
	}
	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("failed to marshal target descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source, target, stage, outcome, cancel_requested,
			failure_kind, failure_detail, target_image_id, target_instance_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, source, target, job.Stage, job.Outcome, job.CancelRequested,
		string(job.FailureKind), job.FailureDetail, job.TargetImageID,
		job.TargetInstanceID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*migrate.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, target, stage, outcome, cancel_requested,
			failure_kind, failure_detail, target_image_id, target_instance_id,
			created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*migrate.Job, error) {
	var job migrate.Job
	var source, target []byte
	var failureKind string
	err := row.Scan(&job.ID, &source, &target, &job.Stage, &job.Outcome,
		&job.CancelRequested, &failureKind, &job.FailureDetail,
		&job.TargetImageID, &job.TargetInstanceID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal(source, &job.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source descriptor: %w", err)
	}
	if err := json.Unmarshal(target, &job.Target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target descriptor: %w", err)
	}
	job.FailureKind = migrate.Kind(failureKind)
	return &job, nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND outcome = $2
	`, id, migrate.OutcomePending)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish missing from terminal.
		var outcome string
		err := s.db.QueryRowContext(ctx, `SELECT outcome FROM jobs WHERE id = $1`, id).Scan(&outcome)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrTerminal
	}
	return nil
}

// RecordStageResult appends the attempt, persists the updated job state, and
// optionally enqueues the next stage task, all in one transaction.
func (s *Store) RecordStageResult(ctx context.Context, job *migrate.Job, attempt *migrate.StageAttempt, next *migrate.Stage, visibleAfter time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if attempt != nil {
		var artifact interface{}
		if attempt.Artifact != nil {
			data, err := json.Marshal(attempt.Artifact)
			if err != nil {
				return fmt.Errorf("failed to marshal artifact: %w", err)
			}
			artifact = data
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_attempts (job_id, stage, attempt, outcome,
				error_kind, error_detail, artifact, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, attempt.JobID, attempt.Stage, attempt.Attempt, attempt.Outcome,
			string(attempt.ErrorKind), attempt.ErrorDetail, artifact,
			attempt.StartedAt, attempt.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to insert stage attempt: %w", err)
		}
	}

	job.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET stage = $2, outcome = $3, cancel_requested = $4,
			failure_kind = $5, failure_detail = $6, target_image_id = $7,
			target_instance_id = $8, updated_at = $9
		WHERE id = $1
	`, job.ID, job.Stage, job.Outcome, job.CancelRequested,
		string(job.FailureKind), job.FailureDetail, job.TargetImageID,
		job.TargetInstanceID, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}

	if next != nil {
		if visibleAfter.IsZero() {
			visibleAfter = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_queue (job_id, stage, visible_after)
			VALUES ($1, $2, $3)
		`, job.ID, *next, visibleAfter)
		if err != nil {
			return fmt.Errorf("failed to enqueue next stage: %w", err)
		}
	}

	return tx.Commit()
}

// ListAttempts returns the full stage-attempt history in append order.
func (s *Store) ListAttempts(ctx context.Context, jobID uuid.UUID) ([]migrate.StageAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, stage, attempt, outcome, error_kind, error_detail,
			artifact, started_at, finished_at
		FROM stage_attempts WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var attempts []migrate.StageAttempt
	for rows.Next() {
		var a migrate.StageAttempt
		var errorKind string
		var artifact []byte
		if err := rows.Scan(&a.JobID, &a.Stage, &a.Attempt, &a.Outcome,
			&errorKind, &a.ErrorDetail, &artifact, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage attempt: %w", err)
		}
		a.ErrorKind = migrate.Kind(errorKind)
		if len(artifact) > 0 {
			a.Artifact = &migrate.Artifact{}
			if err := json.Unmarshal(artifact, a.Artifact); err != nil {
				return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LatestSuccess returns the most recent successful attempt of one stage.
func (s *Store) LatestSuccess(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (*migrate.StageAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, stage, attempt, outcome, error_kind, error_detail,
			artifact, started_at, finished_at
		FROM stage_attempts
		WHERE job_id = $1 AND stage = $2 AND outcome = $3
		ORDER BY id DESC LIMIT 1
	`, jobID, stage, migrate.AttemptSucceeded)

	var a migrate.StageAttempt
	var errorKind string
	var artifact []byte
	err := row.Scan(&a.JobID, &a.Stage, &a.Attempt, &a.Outcome,
		&errorKind, &a.ErrorDetail, &artifact, &a.StartedAt, &a.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage attempt: %w", err)
	}
	a.ErrorKind = migrate.Kind(errorKind)
	if len(artifact) > 0 {
		a.Artifact = &migrate.Artifact{}
		if err := json.Unmarshal(artifact, a.Artifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
		}
	}
	return &a, nil
}

// AttemptCount returns how many attempts a stage has consumed.
func (s *Store) AttemptCount(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stage_attempts WHERE job_id = $1 AND stage = $2
	`, jobID, stage).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}
