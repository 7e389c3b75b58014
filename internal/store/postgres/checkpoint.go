package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/migrate"
)

// SaveCheckpoint upserts the transfer checkpoint for a job.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *migrate.TransferCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_checkpoints (job_id, upload_id, acked_offset, chunk_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET upload_id = $2, acked_offset = $3, chunk_count = $4, updated_at = $5
	`, cp.JobID, cp.UploadID, cp.AckedOffset, cp.ChunkCount, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", cp.JobID, err)
	}
	return nil
}

// GetCheckpoint returns the transfer checkpoint, or nil if none exists.
func (s *Store) GetCheckpoint(ctx context.Context, jobID uuid.UUID) (*migrate.TransferCheckpoint, error) {
	var cp migrate.TransferCheckpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, upload_id, acked_offset, chunk_count, updated_at
		FROM transfer_checkpoints WHERE job_id = $1
	`, jobID).Scan(&cp.JobID, &cp.UploadID, &cp.AckedOffset, &cp.ChunkCount, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for job %s: %w", jobID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes the transfer checkpoint.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM transfer_checkpoints WHERE job_id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
	}
	return nil
}
