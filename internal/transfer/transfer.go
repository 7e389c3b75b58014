// Package transfer moves converted disk images from staging into
// target-provider storage. Transfers are chunked and resumable: the acked
// offset is persisted per job, and after a crash only unacknowledged bytes
// are re-uploaded.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/store"
)

// DefaultChunkSize is used when the manager is constructed with a
// non-positive chunk size.
const DefaultChunkSize = 64 * 1024 * 1024

// Manager performs resumable chunked transfers.
type Manager struct {
	store     store.JobStore
	logger    *logger.Logger
	chunkSize int64
}

// NewManager creates a transfer manager persisting checkpoints in st.
func NewManager(st store.JobStore, log *logger.Logger, chunkSize int64) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Manager{store: st, logger: log, chunkSize: chunkSize}
}

// Transfer uploads the local file behind src into the target provider's
// storage via driver, resuming from a persisted checkpoint when one exists.
// The uploaded object's size and checksum must match the source artifact;
// a mismatch fails with an integrity error and invalidates the checkpoint
// so nothing resumes from poisoned state.
func (m *Manager) Transfer(ctx context.Context, job *migrate.Job, driver cloud.Driver, localPath string, src *migrate.Artifact, objectName string) (*migrate.Artifact, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, migrate.NewError(migrate.KindNotFound, "transfer", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	size := info.Size()
	if src.SizeBytes > 0 && src.SizeBytes != size {
		return nil, migrate.Errorf(migrate.KindIntegrity, "transfer",
			"staged file size %d does not match artifact size %d", size, src.SizeBytes)
	}

	var offset int64
	var resumeID string
	cp, err := m.store.GetCheckpoint(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer checkpoint: %w", err)
	}
	if cp != nil {
		offset = cp.AckedOffset
		resumeID = cp.UploadID
		m.logger.Infof("Resuming transfer for job %s at offset %d", job.ID, offset)
	}

	sink, err := driver.UploadDisk(ctx, job.Target, objectName, size, resumeID)
	if err != nil {
		return nil, err
	}

	// Rebuild the running checksum over already-acknowledged bytes by
	// re-reading them locally; they are never sent again.
	hasher := sha256.New()
	if offset > 0 {
		if _, err := io.CopyN(hasher, f, offset); err != nil {
			return nil, fmt.Errorf("failed to rehash acked bytes: %w", err)
		}
	}

	chunkCount := 0
	if cp != nil {
		chunkCount = cp.ChunkCount
	}
	buf := make([]byte, m.chunkSize)
	for offset < size {
		if err := ctx.Err(); err != nil {
			return nil, migrate.NewError(migrate.KindTransientNetwork, "transfer", err)
		}
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// Final short chunk.
		} else if err != nil {
			return nil, fmt.Errorf("failed to read chunk at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if err := sink.WriteChunk(ctx, offset, buf[:n]); err != nil {
			return nil, err
		}
		hasher.Write(buf[:n])
		offset += int64(n)
		chunkCount++
		if err := m.store.SaveCheckpoint(ctx, &migrate.TransferCheckpoint{
			JobID:       job.ID,
			UploadID:    sink.UploadID(),
			AckedOffset: offset,
			ChunkCount:  chunkCount,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist transfer checkpoint: %w", err)
		}
	}

	remote, err := sink.Commit(ctx)
	if err != nil {
		return nil, err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if remote.SizeBytes != size || (src.SHA256 != "" && digest != src.SHA256) {
		// Poisoned transfer: drop the checkpoint so a fresh conversion and
		// transfer start clean, and release the bad remote object.
		if err := m.store.DeleteCheckpoint(ctx, job.ID); err != nil {
			m.logger.Warningf("Failed to delete checkpoint for job %s: %v", job.ID, err)
		}
		if err := driver.DeleteArtifact(ctx, remote); err != nil {
			m.logger.Warningf("Failed to delete corrupt remote artifact: %v", err)
		}
		return nil, migrate.Errorf(migrate.KindIntegrity, "transfer",
			"uploaded artifact does not match source: size %d vs %d, sha256 %s vs %s",
			remote.SizeBytes, size, digest, src.SHA256)
	}

	if err := m.store.DeleteCheckpoint(ctx, job.ID); err != nil {
		m.logger.Warningf("Failed to delete checkpoint for job %s: %v", job.ID, err)
	}

	remote.Format = src.Format
	remote.SHA256 = digest
	return remote, nil
}
