package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store"
)

// Enqueue adds a stage task visible after visibleAfter.
func (s *Store) Enqueue(ctx context.Context, jobID uuid.UUID, stage migrate.Stage, visibleAfter time.Time) error {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_queue (job_id, stage, visible_after)
		VALUES ($1, $2, $3)
	`, jobID, stage, visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to enqueue task for job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue claims up to limit visible tasks using FOR UPDATE SKIP LOCKED and
// pushes their visibility deadline out by the store's visibility timeout.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, job_id, stage
		FROM task_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue query failed: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	var ids []int64
	for rows.Next() {
		var t store.Task
		if err := rows.Scan(&t.ID, &t.JobID, &t.Stage); err != nil {
			return nil, fmt.Errorf("dequeue scan failed: %w", err)
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue rows error: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET visible_after = NOW() + ($1 * INTERVAL '1 second')
			WHERE id = $2
		`, s.visibility.Seconds(), id); err != nil {
			return nil, fmt.Errorf("visibility update failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Ack removes a completed task.
func (s *Store) Ack(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to ack task %d: %w", taskID, err)
	}
	return nil
}

// Nack releases a task for redelivery after visibleAfter.
func (s *Store) Nack(ctx context.Context, taskID int64, visibleAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET visible_after = $2 WHERE id = $1
	`, taskID, visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to nack task %d: %w", taskID, err)
	}
	return nil
}

// Extend pushes out the visibility deadline of a claimed task.
func (s *Store) Extend(ctx context.Context, taskID int64, visibleAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET visible_after = $2 WHERE id = $1
	`, taskID, visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to extend task %d: %w", taskID, err)
	}
	return nil
}
