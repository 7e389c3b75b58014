package convert

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
)

func TestConvertSameFormatPassesThrough(t *testing.T) {
	c := New(logger.New(false), 1)

	out, err := c.Convert(context.Background(), "/staging/disk.qcow2",
		migrate.FormatQCOW2, migrate.FormatQCOW2, "/staging/out.qcow2")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out != "/staging/disk.qcow2" {
		t.Errorf("out = %q, want the source path back", out)
	}
}

func TestConvertRejectsUnsupportedFormats(t *testing.T) {
	c := New(logger.New(false), 1)
	ctx := context.Background()

	tests := []struct {
		src, dst migrate.Format
	}{
		{"vdi", migrate.FormatRaw},
		{migrate.FormatRaw, "ova"},
		{"", migrate.FormatVHD},
	}
	for _, tt := range tests {
		_, err := c.Convert(ctx, "/staging/disk", tt.src, tt.dst, "/staging/out")
		if migrate.KindOf(err) != migrate.KindUnsupportedConversion {
			t.Errorf("Convert(%s -> %s) err = %v, want unsupported_conversion", tt.src, tt.dst, err)
		}
	}
}

func TestCopyFileLeavesSourceIntact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.raw")
	content := []byte("raw disk bytes")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	dst := filepath.Join(dir, "work.raw")

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("copy = %q, want %q", got, content)
	}

	// Growing the scratch copy must not change the staged source; a resume
	// re-validates the source artifact by size.
	f, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write(make([]byte, 1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()
	info, err := os.Stat(src)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("source size = %d after resizing the copy, want %d", info.Size(), len(content))
	}
}

func TestConvertSlotAcquisitionHonorsContext(t *testing.T) {
	c := New(logger.New(false), 1)

	// Occupy the only slot so the next conversion blocks on admission.
	c.slots <- struct{}{}
	defer func() { <-c.slots }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Convert(ctx, "/staging/disk.raw", migrate.FormatRaw, migrate.FormatQCOW2, "/staging/out.qcow2")
	if migrate.KindOf(err) != migrate.KindStagingExhausted {
		t.Fatalf("err = %v, want staging_exhausted", err)
	}
}
