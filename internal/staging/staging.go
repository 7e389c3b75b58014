// Package staging provides the shared staging storage that holds exported
// and converted disk images between pipeline stages. Two backends exist: a
// local directory for single-node deployments and an S3-compatible object
// store so horizontally scaled workers can hand artifacts to each other.
package staging

import (
	"context"
)

// Store is the staging storage contract consumed by the pipeline.
type Store interface {
	// Put stores the local file at path under name.
	Put(ctx context.Context, name, path string) error

	// Fetch materializes name as a local file and returns its path.
	Fetch(ctx context.Context, name string) (string, error)

	// Stat returns the size of name and whether it exists.
	Stat(ctx context.Context, name string) (int64, bool, error)

	// Delete removes name. Missing objects are not an error.
	Delete(ctx context.Context, name string) error

	// Available returns the free staging capacity in bytes. The dispatcher
	// uses this for admission control on export and convert tasks.
	Available(ctx context.Context) (int64, error)

	// Workdir returns a local scratch directory for in-flight files.
	Workdir() string

	// URI returns the canonical artifact URI for name.
	URI(name string) string
}
