package staging

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kumoproj/kumo/internal/common"
)

// MinioConfig holds connection details for the S3-compatible staging backend.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Workdir   string
}

// MinioStore stages artifacts in an S3-compatible bucket so that workers on
// different hosts can pick up each other's stage outputs.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	workdir string
}

// NewMinioStore creates the client and ensures the staging bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check staging bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create staging bucket: %w", err)
		}
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/tmp/kumo-staging"
	}
	if err := common.EnsureDir(cfg.Workdir); err != nil {
		return nil, fmt.Errorf("failed to create staging workdir: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, workdir: cfg.Workdir}, nil
}

// Put uploads the local file under name.
func (s *MinioStore) Put(ctx context.Context, name, path string) error {
	if _, err := s.client.FPutObject(ctx, s.bucket, name, path, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed to upload %s to staging: %w", name, err)
	}
	return nil
}

// Fetch downloads name into the workdir and returns the local path.
func (s *MinioStore) Fetch(ctx context.Context, name string) (string, error) {
	local := filepath.Join(s.workdir, filepath.Base(name))
	if err := s.client.FGetObject(ctx, s.bucket, name, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("failed to fetch %s from staging: %w", name, err)
	}
	return local, nil
}

// Stat returns the object size and whether it exists.
func (s *MinioStore) Stat(ctx context.Context, name string) (int64, bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size, true, nil
}

// Delete removes the object.
func (s *MinioStore) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil
		}
		return err
	}
	return nil
}

// Available reports the free space of the local workdir, which is where
// conversions run regardless of the remote backend.
func (s *MinioStore) Available(ctx context.Context) (int64, error) {
	return common.GetAvailableDiskSpace(s.workdir, 0)
}

// Workdir returns the local scratch directory.
func (s *MinioStore) Workdir() string { return s.workdir }

// URI returns an s3:// URI for a staged object.
func (s *MinioStore) URI(name string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, name)
}
