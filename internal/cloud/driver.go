// Package cloud defines the provider capability contract that normalizes
// the AWS, Azure, GCP, and OCI APIs for the migration pipeline, and the
// registry that selects a driver for a job descriptor.
package cloud

import (
	"context"

	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
)

// UploadSink is a chunked, resumable upload into target-provider storage.
// The transfer manager writes sequential chunks; a chunk is only considered
// acknowledged once WriteChunk returns nil, and acknowledged chunks are
// never re-uploaded after a resume.
type UploadSink interface {
	// WriteChunk uploads len(data) bytes at offset. Offsets arrive in order.
	// After a resume the first chunk may duplicate one the provider already
	// holds but the caller never checkpointed; the write must overwrite that
	// chunk's slot rather than grow the object.
	WriteChunk(ctx context.Context, offset int64, data []byte) error

	// Commit finalizes the upload and returns the target-side artifact,
	// including the size the provider reports.
	Commit(ctx context.Context) (*migrate.Artifact, error)

	// Abort releases provider-side upload state. Best-effort.
	Abort(ctx context.Context) error

	// UploadID identifies the provider-side upload so a redelivered task
	// can reattach to it.
	UploadID() string
}

// Driver is the capability set every provider implements. Drivers are
// stateless between calls except for credentials; one driver instance
// serves one provider for the lifetime of the process, scoped per call to
// the job's descriptor and credentials reference.
type Driver interface {
	// Provider returns the provider this driver serves.
	Provider() migrate.Provider

	// TargetFormat returns the disk format this provider requires for
	// imported images.
	TargetFormat() migrate.Format

	// ExportDisk exports the source VM's disk and lands it in staging,
	// returning the staging artifact.
	ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error)

	// UploadDisk opens a chunked upload of size bytes into the target's
	// storage under name. A non-empty resumeID reattaches to a previous
	// upload after a crash.
	UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (UploadSink, error)

	// PublishImage registers the uploaded disk as a bootable image and
	// returns the provider image ID.
	PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error)

	// LaunchInstance boots an instance from the published image and returns
	// the provider instance ID.
	LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error)

	// DeleteArtifact removes a provider-side artifact. Best-effort: the
	// pipeline logs failures but never escalates them.
	DeleteArtifact(ctx context.Context, art *migrate.Artifact) error
}
