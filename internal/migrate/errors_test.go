package migrate

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Errorf(KindAuth, "aws.export", "token expired")
	wrapped := fmt.Errorf("stage failed: %w", base)

	if got := KindOf(base); got != KindAuth {
		t.Errorf("KindOf(base) = %s, want auth", got)
	}
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %s, want auth", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want internal", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransientNetwork, true},
		{KindProviderRateLimit, true},
		{KindInternal, true},
		{KindAuth, false},
		{KindNotFound, false},
		{KindUnsupportedConversion, false},
		{KindIntegrity, false},
		{KindStagingExhausted, false},
	}
	for _, tt := range tests {
		err := Errorf(tt.kind, "op", "boom")
		if got := Retryable(err); got != tt.retryable {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.retryable)
		}
	}

	// Unclassified errors default to retryable so an unmapped provider
	// error cannot silently burn a job.
	if !Retryable(errors.New("plain")) {
		t.Error("Retryable(plain) = false, want true")
	}
}

func TestRedeliverable(t *testing.T) {
	if !Redeliverable(Errorf(KindStagingExhausted, "staging", "full")) {
		t.Error("staging_exhausted not redeliverable")
	}
	if Redeliverable(Errorf(KindTransientNetwork, "op", "reset")) {
		t.Error("transient_network reported redeliverable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindNotFound, "gcp.publish", errors.New("image gone"))
	want := "gcp.publish: not_found: image gone"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &Error{Kind: KindAuth, Op: "oci.launch"}
	if bare.Error() != "oci.launch: auth" {
		t.Errorf("Error() = %q", bare.Error())
	}

	if !errors.Is(err, err.Err) {
		t.Error("Unwrap chain broken")
	}
}
