package migrate

import (
	"testing"

	"github.com/google/uuid"
)

func TestStageNext(t *testing.T) {
	tests := []struct {
		stage Stage
		next  Stage
		ok    bool
	}{
		{StageReceived, StageExporting, true},
		{StageExporting, StageConverting, true},
		{StageConverting, StageTransferring, true},
		{StageTransferring, StagePublishing, true},
		{StagePublishing, StageLaunching, true},
		{StageLaunching, StageCompleted, true},
		{StageCompleted, "", false},
		{StageFailed, "", false},
		{StageCancelled, "", false},
	}
	for _, tt := range tests {
		next, ok := tt.stage.Next()
		if next != tt.next || ok != tt.ok {
			t.Errorf("%s.Next() = %q, %v; want %q, %v", tt.stage, next, ok, tt.next, tt.ok)
		}
	}
}

func TestStageIndexMonotonic(t *testing.T) {
	order := []Stage{StageReceived, StageExporting, StageConverting, StageTransferring, StagePublishing, StageLaunching, StageCompleted}
	for i := 1; i < len(order); i++ {
		if order[i].Index() <= order[i-1].Index() {
			t.Errorf("Index(%s) = %d, not after Index(%s) = %d",
				order[i], order[i].Index(), order[i-1], order[i-1].Index())
		}
	}
	for _, s := range []Stage{StageFailed, StageCancelled} {
		if s.Index() != -1 {
			t.Errorf("Index(%s) = %d, want -1", s, s.Index())
		}
	}
}

func TestStageTerminal(t *testing.T) {
	for _, s := range []Stage{StageCompleted, StageFailed, StageCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []Stage{StageReceived, StageExporting, StageLaunching} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestNewJob(t *testing.T) {
	job := NewJob(
		Descriptor{Provider: ProviderAzure, Region: "eastus"},
		Descriptor{Provider: ProviderOCI, Region: "us-ashburn-1"},
	)
	if job.ID == uuid.Nil {
		t.Error("job ID not assigned")
	}
	if job.Stage != StageReceived || job.Outcome != OutcomePending {
		t.Errorf("new job stage/outcome = %s/%s", job.Stage, job.Outcome)
	}
	if job.Terminal() {
		t.Error("new job reports terminal")
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestSupportedFormat(t *testing.T) {
	for _, f := range []Format{FormatRaw, FormatQCOW2, FormatVHD, FormatVMDK} {
		if !SupportedFormat(f) {
			t.Errorf("SupportedFormat(%s) = false", f)
		}
	}
	if SupportedFormat("vdi") {
		t.Error("SupportedFormat(vdi) = true")
	}
}
