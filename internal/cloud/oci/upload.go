package oci

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/migrate"
)

// UploadDisk opens an Object Storage multipart upload under name in the
// target bucket. A non-empty resumeID reattaches to an in-progress upload
// and recovers the committed part list from the service.
func (d *Driver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	provider, err := d.configFor(tgt)
	if err != nil {
		return nil, err
	}
	namespace, err := d.getNamespace(ctx, provider)
	if err != nil {
		return nil, err
	}
	if err := d.ensureBucket(ctx, provider, namespace, tgt.Compartment, tgt.Bucket); err != nil {
		return nil, err
	}
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(provider)
	if err != nil {
		return nil, migrate.NewError(migrate.KindInternal, "oci.upload", err)
	}

	sink := &multipartSink{
		client:    client,
		namespace: namespace,
		bucket:    tgt.Bucket,
		object:    name,
		region:    tgt.Region,
	}
	if resumeID != "" {
		sink.uploadID = resumeID
		if err := sink.recoverParts(ctx); err != nil {
			return nil, err
		}
		d.logger.Infof("Reattached to multipart upload %s with %d parts", resumeID, len(sink.parts))
		return sink, nil
	}

	resp, err := client.CreateMultipartUpload(ctx, objectstorage.CreateMultipartUploadRequest{
		NamespaceName: &namespace,
		BucketName:    &tgt.Bucket,
		CreateMultipartUploadDetails: objectstorage.CreateMultipartUploadDetails{
			Object: &name,
		},
	})
	if err != nil {
		return nil, classify("oci.upload", err)
	}
	sink.uploadID = *resp.UploadId
	return sink, nil
}

// multipartSink streams sequential chunks as Object Storage multipart
// parts, numbered by chunk arrival order.
type multipartSink struct {
	client    objectstorage.ObjectStorageClient
	namespace string
	bucket    string
	object    string
	region    string
	uploadID  string
	parts     []objectstorage.CommitMultipartUploadPartDetails
	sizes     []int64
	resumed   bool
}

func (m *multipartSink) UploadID() string { return m.uploadID }

func (m *multipartSink) recoverParts(ctx context.Context) error {
	type recoveredPart struct {
		details objectstorage.CommitMultipartUploadPartDetails
		size    int64
	}
	var recovered []recoveredPart
	var page *string
	for {
		resp, err := m.client.ListMultipartUploadParts(ctx, objectstorage.ListMultipartUploadPartsRequest{
			NamespaceName: &m.namespace,
			BucketName:    &m.bucket,
			ObjectName:    &m.object,
			UploadId:      &m.uploadID,
			Page:          page,
		})
		if err != nil {
			return classify("oci.upload", err)
		}
		for _, p := range resp.Items {
			var size int64
			if p.Size != nil {
				size = *p.Size
			}
			recovered = append(recovered, recoveredPart{
				details: objectstorage.CommitMultipartUploadPartDetails{
					PartNum: p.PartNumber,
					Etag:    p.Etag,
				},
				size: size,
			})
		}
		if resp.OpcNextPage == nil {
			break
		}
		page = resp.OpcNextPage
	}
	sort.Slice(recovered, func(i, j int) bool {
		return *recovered[i].details.PartNum < *recovered[j].details.PartNum
	})
	for _, p := range recovered {
		m.parts = append(m.parts, p.details)
		m.sizes = append(m.sizes, p.size)
	}
	m.resumed = true
	return nil
}

// dropUnacked trims recovered parts at or beyond offset. A crash between a
// part upload and the caller's checkpoint write leaves the service holding
// more parts than the caller acked; the re-sent chunk must land in that
// part's slot, not be appended after it.
func (m *multipartSink) dropUnacked(offset int64) {
	var acked int64
	keep := 0
	for i, size := range m.sizes {
		if acked+size > offset {
			break
		}
		acked += size
		keep = i + 1
	}
	m.parts = m.parts[:keep]
	m.sizes = m.sizes[:keep]
}

func (m *multipartSink) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	if m.resumed {
		m.dropUnacked(offset)
		m.resumed = false
	}
	partNum := len(m.parts) + 1
	length := int64(len(data))
	resp, err := m.client.UploadPart(ctx, objectstorage.UploadPartRequest{
		NamespaceName:  &m.namespace,
		BucketName:     &m.bucket,
		ObjectName:     &m.object,
		UploadId:       &m.uploadID,
		UploadPartNum:  common.Int(partNum),
		ContentLength:  &length,
		UploadPartBody: io.NopCloser(bytes.NewReader(data)),
	})
	if err != nil {
		return classify("oci.upload", err)
	}
	m.parts = append(m.parts, objectstorage.CommitMultipartUploadPartDetails{
		PartNum: common.Int(partNum),
		Etag:    resp.ETag,
	})
	m.sizes = append(m.sizes, length)
	return nil
}

func (m *multipartSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	_, err := m.client.CommitMultipartUpload(ctx, objectstorage.CommitMultipartUploadRequest{
		NamespaceName: &m.namespace,
		BucketName:    &m.bucket,
		ObjectName:    &m.object,
		UploadId:      &m.uploadID,
		CommitMultipartUploadDetails: objectstorage.CommitMultipartUploadDetails{
			PartsToCommit: m.parts,
		},
	})
	if err != nil {
		return nil, classify("oci.upload", err)
	}
	head, err := m.client.HeadObject(ctx, objectstorage.HeadObjectRequest{
		NamespaceName: &m.namespace,
		BucketName:    &m.bucket,
		ObjectName:    &m.object,
	})
	if err != nil {
		return nil, classify("oci.upload", err)
	}
	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &migrate.Artifact{
		URI:       objectURI(m.region, m.namespace, m.bucket, m.object),
		SizeBytes: size,
		Provider:  migrate.ProviderOCI,
	}, nil
}

func (m *multipartSink) Abort(ctx context.Context) error {
	_, err := m.client.AbortMultipartUpload(ctx, objectstorage.AbortMultipartUploadRequest{
		NamespaceName: &m.namespace,
		BucketName:    &m.bucket,
		ObjectName:    &m.object,
		UploadId:      &m.uploadID,
	})
	if err != nil {
		return classify("oci.upload", err)
	}
	return nil
}
