package gcp

import (
	"fmt"
	"testing"
)

func recoveredComposeSink(sizes ...int64) *composeSink {
	s := &composeSink{name: "jobs/disk.raw", resumed: true}
	for i, size := range sizes {
		s.parts = append(s.parts, fmt.Sprintf("%s%08d", s.partPrefix(), i))
		s.sizes = append(s.sizes, size)
	}
	return s
}

func TestDropUnackedTrimsPartsBeyondOffset(t *testing.T) {
	// Two part objects survived the crash but only the first was
	// checkpointed; the chunk re-sent at offset 16 must overwrite the
	// second part object, keeping the compose source list duplicate-free.
	s := recoveredComposeSink(16, 16)
	s.dropUnacked(16)

	if len(s.parts) != 1 {
		t.Fatalf("kept %d parts, want 1", len(s.parts))
	}
	want := fmt.Sprintf("%s%08d", s.partPrefix(), 0)
	if s.parts[0] != want {
		t.Errorf("kept part = %q, want %q", s.parts[0], want)
	}
}

func TestDropUnackedKeepsFullyAckedParts(t *testing.T) {
	s := recoveredComposeSink(16, 16, 7)
	s.dropUnacked(39)

	if len(s.parts) != 3 {
		t.Fatalf("kept %d parts, want all 3", len(s.parts))
	}
}
