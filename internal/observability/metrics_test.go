package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.JobsSubmitted.Inc()
	m.JobsFinished.WithLabelValues("succeeded").Inc()
	m.StageAttempts.WithLabelValues("exporting", "success").Inc()
	m.TasksClaimed.Set(3)
	m.TasksInFlight.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()

	for _, name := range []string{
		"kumo_jobs_submitted_total",
		"kumo_jobs_finished_total",
		"kumo_stage_attempts_total",
		"kumo_tasks_claimed",
		"kumo_tasks_in_flight",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if !strings.Contains(body, "kumo_tasks_claimed 3") {
		t.Errorf("kumo_tasks_claimed not set: %s", body)
	}
}
