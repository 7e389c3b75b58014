package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func stageFile(t *testing.T, s *LocalStore, name string, content []byte) {
	t.Helper()
	path := filepath.Join(s.Workdir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.Put(context.Background(), name, path); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()
	content := []byte("disk bytes")

	stageFile(t, s, "disk.raw", content)

	size, exists, err := s.Stat(ctx, "disk.raw")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !exists || size != int64(len(content)) {
		t.Fatalf("Stat = %d, %v; want %d, true", size, exists, len(content))
	}

	path, err := s.Fetch(ctx, "disk.raw")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("fetched %q, want %q", got, content)
	}

	// The workdir copy was moved, not duplicated.
	if _, err := os.Stat(filepath.Join(s.Workdir(), "disk.raw")); !os.IsNotExist(err) {
		t.Error("Put left the source file in the workdir")
	}

	if err := s.Delete(ctx, "disk.raw"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, exists, _ := s.Stat(ctx, "disk.raw"); exists {
		t.Error("object survived delete")
	}

	// Deleting a missing object is not an error.
	if err := s.Delete(ctx, "disk.raw"); err != nil {
		t.Errorf("Delete(missing) = %v", err)
	}
}

func TestLocalStoreFetchMissing(t *testing.T) {
	s := newLocalStore(t)
	if _, err := s.Fetch(context.Background(), "nope.raw"); err == nil {
		t.Fatal("Fetch(missing) succeeded")
	}
}

func TestLocalStoreURI(t *testing.T) {
	s := newLocalStore(t)
	uri := s.URI("disk.raw")
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "/disk.raw") {
		t.Errorf("URI = %q", uri)
	}
}

func TestLocalStoreAvailableRespectsCapacity(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	before, err := s.Available(ctx)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if before <= 0 {
		t.Fatalf("Available = %d before staging anything", before)
	}

	stageFile(t, s, "disk.raw", make([]byte, 4096))

	after, err := s.Available(ctx)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if after > before {
		t.Errorf("Available grew from %d to %d after staging a file", before, after)
	}
}
