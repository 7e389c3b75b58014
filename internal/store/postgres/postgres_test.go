package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, time.Minute), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func testJob() *migrate.Job {
	return migrate.NewJob(
		migrate.Descriptor{Provider: migrate.ProviderAWS, Region: "us-east-1", DiskID: "vol-1"},
		migrate.Descriptor{Provider: migrate.ProviderAzure, Region: "eastus", ResourceGroup: "rg"},
	)
}

func jobRow(job *migrate.Job) *sqlmock.Rows {
	source, _ := json.Marshal(job.Source)
	target, _ := json.Marshal(job.Target)
	return sqlmock.NewRows([]string{
		"id", "source", "target", "stage", "outcome", "cancel_requested",
		"failure_kind", "failure_detail", "target_image_id", "target_instance_id",
		"created_at", "updated_at",
	}).AddRow(job.ID.String(), source, target, string(job.Stage), string(job.Outcome),
		job.CancelRequested, string(job.FailureKind), job.FailureDetail,
		job.TargetImageID, job.TargetInstanceID, job.CreatedAt, job.UpdatedAt)
}

func TestCreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(job.ID, sqlmock.AnyArg(), sqlmock.AnyArg(), string(job.Stage),
			string(job.Outcome), false, "", "", "", "", job.CreatedAt, job.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetJob(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs(job.ID).
		WillReturnRows(jobRow(job))

	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != job.ID || got.Source.DiskID != "vol-1" || got.Target.ResourceGroup != "rg" {
		t.Errorf("got %+v", got)
	}
	expectationsMet(t, mock)
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs(job.ID).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetJob(context.Background(), job.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestRequestCancelTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectExec("UPDATE jobs SET cancel_requested").
		WithArgs(job.ID, string(migrate.OutcomePending)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT outcome FROM jobs").
		WithArgs(job.ID).
		WillReturnRows(sqlmock.NewRows([]string{"outcome"}).AddRow("succeeded"))

	err := s.RequestCancel(context.Background(), job.ID)
	if !errors.Is(err, store.ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}
	expectationsMet(t, mock)
}

func TestRequestCancelNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectExec("UPDATE jobs SET cancel_requested").
		WithArgs(job.ID, string(migrate.OutcomePending)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT outcome FROM jobs").
		WithArgs(job.ID).
		WillReturnError(sql.ErrNoRows)

	err := s.RequestCancel(context.Background(), job.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestRecordStageResultWithNextStage(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()
	job.Stage = migrate.StageConverting

	attempt := &migrate.StageAttempt{
		JobID:   job.ID,
		Stage:   migrate.StageExporting,
		Attempt: 1,
		Outcome: migrate.AttemptSucceeded,
		Artifact: &migrate.Artifact{
			URI: "file:///staging/disk.vhd", Format: migrate.FormatVHD, SizeBytes: 42,
		},
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	next := migrate.StageConverting
	visibleAfter := time.Now().UTC().Add(10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stage_attempts").
		WithArgs(attempt.JobID, string(attempt.Stage), attempt.Attempt,
			string(attempt.Outcome), "", "", sqlmock.AnyArg(),
			attempt.StartedAt, attempt.FinishedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE jobs SET stage").
		WithArgs(job.ID, string(job.Stage), string(job.Outcome), false, "", "",
			"", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_queue").
		WithArgs(job.ID, string(next), visibleAfter).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.RecordStageResult(context.Background(), job, attempt, &next, visibleAfter); err != nil {
		t.Fatalf("RecordStageResult: %v", err)
	}
	expectationsMet(t, mock)
}

func TestRecordStageResultTerminalSkipsEnqueue(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()
	job.Stage = migrate.StageFailed
	job.Outcome = migrate.OutcomeFailed
	job.FailureKind = migrate.KindAuth
	job.FailureDetail = "credentials expired"

	attempt := &migrate.StageAttempt{
		JobID: job.ID, Stage: migrate.StageExporting, Attempt: 1,
		Outcome: migrate.AttemptFailed, ErrorKind: migrate.KindAuth,
		ErrorDetail: "credentials expired",
		StartedAt:   time.Now().UTC(), FinishedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stage_attempts").
		WithArgs(attempt.JobID, string(attempt.Stage), attempt.Attempt,
			string(attempt.Outcome), string(migrate.KindAuth), "credentials expired",
			nil, attempt.StartedAt, attempt.FinishedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE jobs SET stage").
		WithArgs(job.ID, string(job.Stage), string(job.Outcome), false,
			string(migrate.KindAuth), "credentials expired", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RecordStageResult(context.Background(), job, attempt, nil, time.Time{}); err != nil {
		t.Fatalf("RecordStageResult: %v", err)
	}
	expectationsMet(t, mock)
}

func TestRecordStageResultNilAttempt(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()
	job.Stage = migrate.StageCancelled
	job.Outcome = migrate.OutcomeCancelled

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET stage").
		WithArgs(job.ID, string(job.Stage), string(job.Outcome), false, "", "",
			"", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RecordStageResult(context.Background(), job, nil, nil, time.Time{}); err != nil {
		t.Fatalf("RecordStageResult: %v", err)
	}
	expectationsMet(t, mock)
}

func TestLatestSuccessNone(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectQuery("SELECT (.+) FROM stage_attempts").
		WithArgs(job.ID, string(migrate.StageExporting), string(migrate.AttemptSucceeded)).
		WillReturnError(sql.ErrNoRows)

	got, err := s.LatestSuccess(context.Background(), job.ID, migrate.StageExporting)
	if err != nil {
		t.Fatalf("LatestSuccess: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
	expectationsMet(t, mock)
}

func TestLatestSuccessUnmarshalsArtifact(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	artifact, _ := json.Marshal(&migrate.Artifact{URI: "s3://bucket/disk.vhd", SizeBytes: 42})
	rows := sqlmock.NewRows([]string{
		"job_id", "stage", "attempt", "outcome", "error_kind", "error_detail",
		"artifact", "started_at", "finished_at",
	}).AddRow(job.ID.String(), string(migrate.StageTransferring), 1,
		string(migrate.AttemptSucceeded), "", "", artifact, time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.+) FROM stage_attempts").
		WithArgs(job.ID, string(migrate.StageTransferring), string(migrate.AttemptSucceeded)).
		WillReturnRows(rows)

	got, err := s.LatestSuccess(context.Background(), job.ID, migrate.StageTransferring)
	if err != nil {
		t.Fatalf("LatestSuccess: %v", err)
	}
	if got == nil || got.Artifact == nil || got.Artifact.URI != "s3://bucket/disk.vhd" {
		t.Errorf("got %+v", got)
	}
	expectationsMet(t, mock)
}

func TestDequeueClaimsAndExtendsVisibility(t *testing.T) {
	s, mock := newMockStore(t)
	job := testJob()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, job_id, stage").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "stage"}).
			AddRow(int64(7), job.ID.String(), string(migrate.StageExporting)))
	mock.ExpectExec("UPDATE task_queue").
		WithArgs(time.Minute.Seconds(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tasks, err := s.Dequeue(context.Background(), 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != 7 || tasks[0].Stage != migrate.StageExporting {
		t.Errorf("tasks = %+v", tasks)
	}
	expectationsMet(t, mock)
}

func TestDequeueEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, job_id, stage").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "stage"}))
	mock.ExpectRollback()

	tasks, err := s.Dequeue(context.Background(), 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if tasks != nil {
		t.Errorf("tasks = %+v, want nil", tasks)
	}
	expectationsMet(t, mock)
}

func TestAckDeletesTask(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM task_queue").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Ack(context.Background(), 7); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	expectationsMet(t, mock)
}

func TestNackSetsVisibility(t *testing.T) {
	s, mock := newMockStore(t)
	visibleAfter := time.Now().Add(30 * time.Second)

	mock.ExpectExec("UPDATE task_queue SET visible_after").
		WithArgs(int64(7), visibleAfter).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Nack(context.Background(), 7, visibleAfter); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	expectationsMet(t, mock)
}
