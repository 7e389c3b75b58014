// Package memory provides an in-memory Store for tests and single-process
// deployments. All operations are guarded by one mutex, which also gives
// per-job atomicity.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store"
)

type queuedTask struct {
	store.Task
	visibleAfter time.Time
	claimed      bool
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]migrate.Job
	attempts    map[uuid.UUID][]migrate.StageAttempt
	checkpoints map[uuid.UUID]migrate.TransferCheckpoint
	tasks       []*queuedTask
	nextTaskID  int64
	visibility  time.Duration

	now func() time.Time
}

// New creates an empty in-memory store with the given claim visibility.
func New(visibility time.Duration) *Store {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Store{
		jobs:        make(map[uuid.UUID]migrate.Job),
		attempts:    make(map[uuid.UUID][]migrate.StageAttempt),
		checkpoints: make(map[uuid.UUID]migrate.TransferCheckpoint),
		visibility:  visibility,
		now:         time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) CreateJob(ctx context.Context, job *migrate.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*migrate.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := job
	return &copied, nil
}

func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Terminal() {
		return store.ErrTerminal
	}
	job.CancelRequested = true
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, jobID uuid.UUID) ([]migrate.StageAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]migrate.StageAttempt, len(s.attempts[jobID]))
	copy(out, s.attempts[jobID])
	return out, nil
}

func (s *Store) LatestSuccess(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (*migrate.StageAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.attempts[jobID]
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Stage == stage && attempts[i].Outcome == migrate.AttemptSucceeded {
			copied := attempts[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Store) AttemptCount(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts[jobID] {
		if a.Stage == stage {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordStageResult(ctx context.Context, job *migrate.Job, attempt *migrate.StageAttempt, next *migrate.Stage, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	if attempt != nil {
		s.attempts[job.ID] = append(s.attempts[job.ID], *attempt)
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[job.ID] = *job
	if next != nil {
		s.enqueueLocked(job.ID, *next, visibleAfter)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *migrate.TransferCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = s.now().UTC()
	s.checkpoints[cp.JobID] = *cp
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, jobID uuid.UUID) (*migrate.TransferCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	copied := cp
	return &copied, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}

func (s *Store) enqueueLocked(jobID uuid.UUID, stage migrate.Stage, visibleAfter time.Time) {
	s.nextTaskID++
	s.tasks = append(s.tasks, &queuedTask{
		Task:         store.Task{ID: s.nextTaskID, JobID: jobID, Stage: stage},
		visibleAfter: visibleAfter,
	})
}

func (s *Store) Enqueue(ctx context.Context, jobID uuid.UUID, stage migrate.Stage, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(jobID, stage, visibleAfter)
	return nil
}

func (s *Store) Dequeue(ctx context.Context, limit int) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	var claimed []store.Task
	for _, t := range s.tasks {
		if len(claimed) >= limit {
			break
		}
		if t.visibleAfter.After(now) {
			continue
		}
		t.visibleAfter = now.Add(s.visibility)
		t.claimed = true
		claimed = append(claimed, t.Task)
	}
	return claimed, nil
}

func (s *Store) Ack(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == taskID {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, taskID int64, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == taskID {
			t.visibleAfter = visibleAfter
			t.claimed = false
			return nil
		}
	}
	return nil
}

func (s *Store) Extend(ctx context.Context, taskID int64, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == taskID {
			t.visibleAfter = visibleAfter
			return nil
		}
	}
	return nil
}

// PendingTasks returns the number of queued tasks. Test helper.
func (s *Store) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
