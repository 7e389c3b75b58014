package azure

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/pageblob"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/migrate"
)

// UploadDisk opens a page-blob upload under name in the target storage
// account's container. Page blobs accept writes at arbitrary 512-aligned
// offsets, so resuming just reattaches to the same blob; a non-empty
// resumeID skips blob creation.
func (d *Driver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	if size%512 != 0 {
		return nil, migrate.Errorf(migrate.KindIntegrity, "azure.upload",
			"page blob size %d is not 512-aligned; disk is not a fixed VHD", size)
	}
	s, err := d.sessionFor(tgt)
	if err != nil {
		return nil, err
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", tgt.StorageAccount)
	svc, err := azblob.NewClient(serviceURL, s.credential, nil)
	if err != nil {
		return nil, migrate.NewError(migrate.KindInternal, "azure.upload", err)
	}
	if _, err := svc.CreateContainer(ctx, tgt.Bucket, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil, classify("azure.upload", err)
		}
	}

	blobURL := serviceURL + tgt.Bucket + "/" + name
	pb, err := pageblob.NewClient(blobURL, s.credential, nil)
	if err != nil {
		return nil, migrate.NewError(migrate.KindInternal, "azure.upload", err)
	}
	sink := &pageBlobSink{
		service:   svc,
		pageBlob:  pb,
		container: tgt.Bucket,
		name:      name,
		url:       blobURL,
	}
	if resumeID != "" {
		d.logger.Infof("Reattached to page blob %s", name)
		return sink, nil
	}
	if _, err := pb.Create(ctx, size, nil); err != nil {
		return nil, classify("azure.upload", err)
	}
	return sink, nil
}

// pageBlobSink writes sequential chunks as page ranges. The blob was sized
// at creation, so Commit only verifies the reported length.
type pageBlobSink struct {
	service   *azblob.Client
	pageBlob  *pageblob.Client
	container string
	name      string
	url       string
}

func (s *pageBlobSink) UploadID() string { return s.url }

func (s *pageBlobSink) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	_, err := s.pageBlob.UploadPages(ctx,
		streaming.NopCloser(bytes.NewReader(data)),
		blob.HTTPRange{Offset: offset, Count: int64(len(data))},
		nil)
	if err != nil {
		return classify("azure.upload", err)
	}
	return nil
}

func (s *pageBlobSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	props, err := s.pageBlob.GetProperties(ctx, nil)
	if err != nil {
		return nil, classify("azure.upload", err)
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return &migrate.Artifact{
		URI:       s.url,
		SizeBytes: size,
		Provider:  migrate.ProviderAzure,
	}, nil
}

func (s *pageBlobSink) Abort(ctx context.Context) error {
	if _, err := s.service.DeleteBlob(ctx, s.container, s.name, nil); err != nil {
		return classify("azure.upload", err)
	}
	return nil
}

func (d *Driver) deleteBlob(ctx context.Context, blobURL string) error {
	account, container, name, err := splitBlobURL(blobURL)
	if err != nil {
		return err
	}
	s, err := d.sessionFor(migrate.Descriptor{Provider: migrate.ProviderAzure})
	if err != nil {
		return err
	}
	svc, err := azblob.NewClient(fmt.Sprintf("https://%s.blob.core.windows.net/", account), s.credential, nil)
	if err != nil {
		return migrate.NewError(migrate.KindInternal, "azure.cleanup", err)
	}
	if _, err := svc.DeleteBlob(ctx, container, name, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return classify("azure.cleanup", err)
	}
	return nil
}

func splitBlobURL(blobURL string) (account, container, name string, err error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return "", "", "", migrate.Errorf(migrate.KindNotFound, "azure.cleanup", "malformed blob URL %q", blobURL)
	}
	account, _, _ = strings.Cut(u.Host, ".")
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if account == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", migrate.Errorf(migrate.KindNotFound, "azure.cleanup", "malformed blob URL %q", blobURL)
	}
	return account, parts[0], parts[1], nil
}
