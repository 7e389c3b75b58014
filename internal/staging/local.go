package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kumoproj/kumo/internal/common"
)

// LocalStore keeps staged artifacts in a directory on the worker's disk.
type LocalStore struct {
	dir           string
	capacityBytes int64
}

// NewLocalStore creates a directory-backed staging store. capacityGB bounds
// admission; the actual filesystem free space is also consulted.
func NewLocalStore(dir string, capacityGB int64) (*LocalStore, error) {
	if err := common.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	if err := common.EnsureDir(filepath.Join(dir, "work")); err != nil {
		return nil, fmt.Errorf("failed to create staging workdir: %w", err)
	}
	return &LocalStore{dir: dir, capacityBytes: capacityGB * 1024 * 1024 * 1024}, nil
}

func (s *LocalStore) objectPath(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// Put moves the file into the staging directory. A cross-device rename
// falls back to copy.
func (s *LocalStore) Put(ctx context.Context, name, path string) error {
	dst := s.objectPath(name)
	if path == dst {
		return nil
	}
	if err := os.Rename(path, dst); err == nil {
		return nil
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to copy into staging: %w", err)
	}
	return os.Remove(path)
}

// Fetch returns the local path of a staged object.
func (s *LocalStore) Fetch(ctx context.Context, name string) (string, error) {
	p := s.objectPath(name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("staged object %s not found: %w", name, err)
	}
	return p, nil
}

// Stat returns the size of a staged object and whether it exists.
func (s *LocalStore) Stat(ctx context.Context, name string) (int64, bool, error) {
	info, err := os.Stat(s.objectPath(name))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

// Delete removes a staged object.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	err := os.Remove(s.objectPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Available returns the smaller of the configured capacity headroom and the
// filesystem free space.
func (s *LocalStore) Available(ctx context.Context) (int64, error) {
	free, err := common.GetAvailableDiskSpace(s.dir, 0)
	if err != nil {
		return 0, err
	}
	if s.capacityBytes <= 0 {
		return free, nil
	}
	var used int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			used += info.Size()
		}
	}
	headroom := s.capacityBytes - used
	if headroom < 0 {
		headroom = 0
	}
	if headroom < free {
		return headroom, nil
	}
	return free, nil
}

// Workdir returns the scratch directory for in-flight files.
func (s *LocalStore) Workdir() string {
	return filepath.Join(s.dir, "work")
}

// URI returns a file:// URI for a staged object.
func (s *LocalStore) URI(name string) string {
	return "file://" + s.objectPath(name)
}
