package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store/memory"
	"github.com/kumoproj/kumo/pkg/api"
)

func newTestServer(t *testing.T) (*memory.Store, http.Handler) {
	t.Helper()
	st := memory.New(time.Minute)
	srv := New(":0", st, nil, logger.New(false))
	return st, srv.httpServer.Handler
}

func createJobBody() []byte {
	body, _ := json.Marshal(api.CreateJobRequest{
		Source: api.Endpoint{Provider: "aws", Region: "us-east-1", InstanceID: "i-1", DiskID: "vol-1"},
		Target: api.Endpoint{Provider: "gcp", Region: "us-central1", Project: "demo", Zone: "us-central1-a"},
	})
	return body
}

func TestCreateJob(t *testing.T) {
	st, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(createJobBody()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp api.CreateJobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("empty job ID")
	}

	// The first stage task is queued immediately.
	tasks, err := st.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Stage != migrate.StageExporting {
		t.Fatalf("tasks = %+v, want one exporting task", tasks)
	}
}

func TestCreateJobValidation(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"source":`},
		{"unknown provider", `{"source":{"provider":"digitalocean","region":"nyc1"},"target":{"provider":"aws","region":"us-east-1"}}`},
		{"missing region", `{"source":{"provider":"aws"},"target":{"provider":"gcp","region":"us-central1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	st, h := newTestServer(t)

	job := migrate.NewJob(
		migrate.Descriptor{Provider: migrate.ProviderAWS, Region: "us-east-1"},
		migrate.Descriptor{Provider: migrate.ProviderGCP, Region: "us-central1"},
	)
	ctx := context.Background()
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.RecordStageResult(ctx, job, &migrate.StageAttempt{
		JobID: job.ID, Stage: migrate.StageExporting, Attempt: 1,
		Outcome:  migrate.AttemptSucceeded,
		Artifact: &migrate.Artifact{URI: "file:///staging/disk.raw"},
	}, nil, time.Time{}); err != nil {
		t.Fatalf("RecordStageResult: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp api.JobStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != job.ID.String() || resp.Source.Provider != "aws" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Attempts) != 1 || resp.Attempts[0].ArtifactURI != "file:///staging/disk.raw" {
		t.Errorf("attempts = %+v", resp.Attempts)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/6e7cbd28-11ea-4f0e-b752-7e1b4e2f1111", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed id", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	st, h := newTestServer(t)

	job := migrate.NewJob(migrate.Descriptor{Provider: migrate.ProviderAWS, Region: "r"}, migrate.Descriptor{Provider: migrate.ProviderGCP, Region: "r"})
	ctx := context.Background()
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID.String(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	got, _ := st.GetJob(ctx, job.ID)
	if !got.CancelRequested {
		t.Error("cancel flag not persisted")
	}

	// A terminal job cannot be cancelled.
	got.Outcome = migrate.OutcomeSucceeded
	if err := st.RecordStageResult(ctx, got, nil, nil, time.Time{}); err != nil {
		t.Fatalf("RecordStageResult: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID.String(), nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for terminal job", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	handler := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
