package aws

import (
	"bytes"
	"context"
	"sort"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/migrate"
)

// UploadDisk opens an S3 multipart upload under name in the target bucket.
// A non-empty resumeID reattaches to an in-progress multipart upload and
// recovers the already-uploaded part list from the service.
func (d *Driver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	cs, err := d.clientsFor(ctx, tgt)
	if err != nil {
		return nil, err
	}
	if err := d.ensureBucket(ctx, cs, tgt.Bucket, tgt.Region); err != nil {
		return nil, err
	}

	sink := &multipartSink{
		s3:     cs.s3,
		bucket: tgt.Bucket,
		key:    name,
		size:   size,
	}
	if resumeID != "" {
		sink.uploadID = resumeID
		if err := sink.recoverParts(ctx); err != nil {
			return nil, err
		}
		d.logger.Infof("Reattached to multipart upload %s with %d parts", resumeID, len(sink.parts))
		return sink, nil
	}

	resp, err := cs.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &tgt.Bucket,
		Key:    &name,
	})
	if err != nil {
		return nil, classify("aws.upload", err)
	}
	sink.uploadID = awssdk.ToString(resp.UploadId)
	return sink, nil
}

// multipartSink streams sequential chunks as S3 multipart parts. Part
// numbers follow chunk arrival order, which is valid because the transfer
// manager writes strictly increasing offsets.
type multipartSink struct {
	s3       *s3.Client
	bucket   string
	key      string
	uploadID string
	size     int64
	parts    []s3types.CompletedPart
	sizes    []int64
	resumed  bool
}

func (m *multipartSink) UploadID() string { return m.uploadID }

func (m *multipartSink) recoverParts(ctx context.Context) error {
	type recoveredPart struct {
		completed s3types.CompletedPart
		size      int64
	}
	var recovered []recoveredPart
	var marker *string
	for {
		resp, err := m.s3.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           &m.bucket,
			Key:              &m.key,
			UploadId:         &m.uploadID,
			PartNumberMarker: marker,
		})
		if err != nil {
			return classify("aws.upload", err)
		}
		for _, p := range resp.Parts {
			recovered = append(recovered, recoveredPart{
				completed: s3types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber},
				size:      awssdk.ToInt64(p.Size),
			})
		}
		if !awssdk.ToBool(resp.IsTruncated) {
			break
		}
		marker = resp.NextPartNumberMarker
	}
	sort.Slice(recovered, func(i, j int) bool {
		return awssdk.ToInt32(recovered[i].completed.PartNumber) < awssdk.ToInt32(recovered[j].completed.PartNumber)
	})
	for _, p := range recovered {
		m.parts = append(m.parts, p.completed)
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
	partNumber := int32(len(m.parts) + 1)
	resp, err := m.s3.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &m.bucket,
		Key:           &m.key,
		UploadId:      &m.uploadID,
		PartNumber:    awssdk.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: awssdk.Int64(int64(len(data))),
	})
	if err != nil {
		return classify("aws.upload", err)
	}
	m.parts = append(m.parts, s3types.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: awssdk.Int32(partNumber),
	})
	m.sizes = append(m.sizes, int64(len(data)))
	return nil
}

func (m *multipartSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	_, err := m.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &m.bucket,
		Key:      &m.key,
		UploadId: &m.uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: m.parts,
		},
	})
	if err != nil {
		return nil, classify("aws.upload", err)
	}
	head, err := m.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &m.bucket, Key: &m.key})
	if err != nil {
		return nil, classify("aws.upload", err)
	}
	return &migrate.Artifact{
		URI:       "s3://" + m.bucket + "/" + m.key,
		SizeBytes: awssdk.ToInt64(head.ContentLength),
		Provider:  migrate.ProviderAWS,
	}, nil
}

func (m *multipartSink) Abort(ctx context.Context) error {
	_, err := m.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &m.bucket,
		Key:      &m.key,
		UploadId: &m.uploadID,
	})
	if err != nil {
		return classify("aws.upload", err)
	}
	return nil
}
