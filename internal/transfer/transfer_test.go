package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
	"github.com/kumoproj/kumo/internal/store/memory"
)

// recordingDriver captures the offsets and resume IDs the manager hands to
// its upload sink. Only UploadDisk and DeleteArtifact matter here.
type recordingDriver struct {
	sink     *recordingSink
	resumeID string
	deleted  []string
}

func (d *recordingDriver) Provider() migrate.Provider   { return migrate.ProviderAWS }
func (d *recordingDriver) TargetFormat() migrate.Format { return migrate.FormatVHD }

func (d *recordingDriver) ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error) {
	return nil, errors.New("not implemented")
}

func (d *recordingDriver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	d.resumeID = resumeID
	if d.sink == nil {
		d.sink = &recordingSink{name: name}
	}
	return d.sink, nil
}

func (d *recordingDriver) PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error) {
	return "", errors.New("not implemented")
}

func (d *recordingDriver) LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error) {
	return "", errors.New("not implemented")
}

func (d *recordingDriver) DeleteArtifact(ctx context.Context, art *migrate.Artifact) error {
	d.deleted = append(d.deleted, art.URI)
	return nil
}

type recordingSink struct {
	name    string
	offsets []int64
	data    []byte
	// preloaded simulates bytes acknowledged by a previous process before a
	// crash; Commit counts them toward the reported size.
	preloaded int64
}

func (s *recordingSink) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	s.offsets = append(s.offsets, offset)
	s.data = append(s.data, data...)
	return nil
}

func (s *recordingSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	return &migrate.Artifact{
		URI:       "fake://bucket/" + s.name,
		SizeBytes: s.preloaded + int64(len(s.data)),
		Provider:  migrate.ProviderAWS,
	}, nil
}

func (s *recordingSink) Abort(ctx context.Context) error { return nil }
func (s *recordingSink) UploadID() string                { return "upload-77" }

// slotSink stores chunks by offset the way the provider sinks do: a chunk
// re-sent after a resume overwrites its slot instead of growing the object.
type slotSink struct {
	name  string
	slots map[int64][]byte
	wrote []int64
}

func (s *slotSink) seed(offset int64, data []byte) {
	if s.slots == nil {
		s.slots = make(map[int64][]byte)
	}
	s.slots[offset] = append([]byte(nil), data...)
}

func (s *slotSink) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	s.seed(offset, data)
	s.wrote = append(s.wrote, offset)
	return nil
}

func (s *slotSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	var size int64
	for _, chunk := range s.slots {
		size += int64(len(chunk))
	}
	return &migrate.Artifact{
		URI:       "fake://bucket/" + s.name,
		SizeBytes: size,
		Provider:  migrate.ProviderAWS,
	}, nil
}

func (s *slotSink) Abort(ctx context.Context) error { return nil }
func (s *slotSink) UploadID() string                { return "upload-77" }

type slotDriver struct {
	recordingDriver
	slot *slotSink
}

func (d *slotDriver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	d.resumeID = resumeID
	return d.slot, nil
}

func writeTestFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.vhd")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func testArtifact(content []byte) *migrate.Artifact {
	sum := sha256.Sum256(content)
	return &migrate.Artifact{
		URI:       "file:///staging/image.vhd",
		Format:    migrate.FormatVHD,
		SizeBytes: int64(len(content)),
		SHA256:    hex.EncodeToString(sum[:]),
	}
}

func TestTransferUploadsInChunks(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef0123456")
	path := writeTestFile(t, content)
	st := memory.New(time.Minute)
	driver := &recordingDriver{}
	m := NewManager(st, logger.New(false), 16)
	job := migrate.NewJob(migrate.Descriptor{Provider: migrate.ProviderGCP}, migrate.Descriptor{Provider: migrate.ProviderAWS})
	ctx := context.Background()

	remote, err := m.Transfer(ctx, job, driver, path, testArtifact(content), "obj/image.vhd")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	wantOffsets := []int64{0, 16, 32}
	if len(driver.sink.offsets) != len(wantOffsets) {
		t.Fatalf("offsets = %v, want %v", driver.sink.offsets, wantOffsets)
	}
	for i, off := range wantOffsets {
		if driver.sink.offsets[i] != off {
			t.Errorf("offset[%d] = %d, want %d", i, driver.sink.offsets[i], off)
		}
	}
	if remote.SizeBytes != int64(len(content)) {
		t.Errorf("remote size = %d, want %d", remote.SizeBytes, len(content))
	}
	if remote.Format != migrate.FormatVHD {
		t.Errorf("remote format = %s, want vhd", remote.Format)
	}

	// Checkpoint is dropped once the upload verifies.
	cp, err := st.GetCheckpoint(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("checkpoint survived a verified transfer: %+v", cp)
	}
}

func TestTransferResumesFromCheckpoint(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef0123456")
	path := writeTestFile(t, content)
	st := memory.New(time.Minute)
	driver := &recordingDriver{sink: &recordingSink{name: "obj/image.vhd", preloaded: 16}}
	m := NewManager(st, logger.New(false), 16)
	job := migrate.NewJob(migrate.Descriptor{Provider: migrate.ProviderGCP}, migrate.Descriptor{Provider: migrate.ProviderAWS})
	ctx := context.Background()

	if err := st.SaveCheckpoint(ctx, &migrate.TransferCheckpoint{
		JobID:       job.ID,
		UploadID:    "upload-77",
		AckedOffset: 16,
		ChunkCount:  1,
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if _, err := m.Transfer(ctx, job, driver, path, testArtifact(content), "obj/image.vhd"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if driver.resumeID != "upload-77" {
		t.Errorf("resumeID = %q, want upload-77", driver.resumeID)
	}
	// Acked bytes are never re-sent: the first chunk starts at the
	// checkpointed offset.
	if len(driver.sink.offsets) == 0 || driver.sink.offsets[0] != 16 {
		t.Fatalf("offsets = %v, want first write at 16", driver.sink.offsets)
	}
	if string(driver.sink.data) != string(content[16:]) {
		t.Errorf("resumed upload sent %q, want %q", driver.sink.data, content[16:])
	}
}

func TestTransferResumeOverwritesUnackedChunk(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef0123456")
	path := writeTestFile(t, content)
	st := memory.New(time.Minute)
	// The provider acknowledged two chunks, but the worker died after the
	// second upload and before its checkpoint write, so the checkpoint
	// trails the provider by one chunk.
	sink := &slotSink{name: "obj/image.vhd"}
	sink.seed(0, content[0:16])
	sink.seed(16, content[16:32])
	driver := &slotDriver{slot: sink}
	m := NewManager(st, logger.New(false), 16)
	job := migrate.NewJob(migrate.Descriptor{Provider: migrate.ProviderGCP}, migrate.Descriptor{Provider: migrate.ProviderAWS})
	ctx := context.Background()

	if err := st.SaveCheckpoint(ctx, &migrate.TransferCheckpoint{
		JobID:       job.ID,
		UploadID:    "upload-77",
		AckedOffset: 16,
		ChunkCount:  1,
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	remote, err := m.Transfer(ctx, job, driver, path, testArtifact(content), "obj/image.vhd")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	// The duplicated chunk lands in its existing slot, so the committed
	// object is exactly the source file, not the source plus a stray chunk.
	if remote.SizeBytes != int64(len(content)) {
		t.Errorf("remote size = %d, want %d", remote.SizeBytes, len(content))
	}
	wantWrites := []int64{16, 32}
	if len(sink.wrote) != len(wantWrites) {
		t.Fatalf("writes = %v, want %v", sink.wrote, wantWrites)
	}
	for i, off := range wantWrites {
		if sink.wrote[i] != off {
			t.Errorf("write[%d] at offset %d, want %d", i, sink.wrote[i], off)
		}
	}
}

func TestTransferRejectsSizeMismatch(t *testing.T) {
	content := []byte("0123456789abcdef")
	path := writeTestFile(t, content)
	st := memory.New(time.Minute)
	m := NewManager(st, logger.New(false), 16)
	job := migrate.NewJob(migrate.Descriptor{}, migrate.Descriptor{})

	art := testArtifact(content)
	art.SizeBytes = 999

	_, err := m.Transfer(context.Background(), job, &recordingDriver{}, path, art, "obj/image.vhd")
	if migrate.KindOf(err) != migrate.KindIntegrity {
		t.Fatalf("err = %v, want integrity kind", err)
	}
}

func TestTransferChecksumMismatchInvalidatesCheckpoint(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef")
	path := writeTestFile(t, content)
	st := memory.New(time.Minute)
	driver := &recordingDriver{}
	m := NewManager(st, logger.New(false), 16)
	job := migrate.NewJob(migrate.Descriptor{}, migrate.Descriptor{})
	ctx := context.Background()

	art := testArtifact(content)
	art.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err := m.Transfer(ctx, job, driver, path, art, "obj/image.vhd")
	if migrate.KindOf(err) != migrate.KindIntegrity {
		t.Fatalf("err = %v, want integrity kind", err)
	}

	// Nothing may resume from poisoned state: checkpoint gone, remote gone.
	cp, err := st.GetCheckpoint(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("checkpoint survived integrity failure: %+v", cp)
	}
	if len(driver.deleted) != 1 {
		t.Errorf("deleted = %v, want the corrupt remote object", driver.deleted)
	}
}

func TestTransferMissingLocalFile(t *testing.T) {
	st := memory.New(time.Minute)
	m := NewManager(st, logger.New(false), 0)
	job := migrate.NewJob(migrate.Descriptor{}, migrate.Descriptor{})

	_, err := m.Transfer(context.Background(), job, &recordingDriver{}, "/nonexistent/image.vhd", &migrate.Artifact{}, "obj")
	if migrate.KindOf(err) != migrate.KindNotFound {
		t.Fatalf("err = %v, want not_found kind", err)
	}
}
