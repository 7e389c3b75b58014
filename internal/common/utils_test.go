package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Disk", "my-disk"},
		{"vol-0abc123", "vol-0abc123"},
		{"ocid1.instance.oc1..aaaa", "ocid1instanceoc1aaaa"},
		{"UPPER_case", "upper_case"},
		{"weird/chars\\here", "weirdcharshere"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileSizeAndSHA256(t *testing.T) {
	content := []byte("some disk bytes")
	path := filepath.Join(t.TempDir(), "disk.raw")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	size, err := FileSize(path)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("FileSize = %d, want %d", size, len(content))
	}

	sum := sha256.Sum256(content)
	digest, err := FileSHA256(path)
	if err != nil {
		t.Fatalf("FileSHA256: %v", err)
	}
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("FileSHA256 = %s", digest)
	}

	if _, err := FileSize(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("FileSize(missing) succeeded")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
	// Idempotent on an existing directory.
	if err := EnsureDir(dir); err != nil {
		t.Errorf("EnsureDir(existing) = %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	out, err := RunCommand(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("out = %q", out)
	}

	if _, err := RunCommand(context.Background(), "false"); err == nil {
		t.Error("RunCommand(false) succeeded")
	}
}

func TestCheckCommand(t *testing.T) {
	if err := CheckCommand("sh"); err != nil {
		t.Errorf("CheckCommand(sh) = %v", err)
	}
	if err := CheckCommand("definitely-not-a-command-xyz"); err == nil {
		t.Error("CheckCommand(missing) = nil")
	}
}
