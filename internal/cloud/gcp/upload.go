package gcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/migrate"
)

// composeBatch is the Cloud Storage compose source limit per call.
const composeBatch = 32

// UploadDisk opens a chunked upload into the target bucket. Each chunk is
// written as its own part object so an interrupted transfer loses at most
// one chunk; Commit composes the parts into the final object. A non-empty
// resumeID reattaches by listing the surviving part objects.
func (d *Driver) UploadDisk(ctx context.Context, tgt migrate.Descriptor, name string, size int64, resumeID string) (cloud.UploadSink, error) {
	cs, err := d.clientsFor(ctx, tgt)
	if err != nil {
		return nil, err
	}

	sink := &composeSink{
		storage: cs.storage,
		bucket:  tgt.Bucket,
		name:    name,
	}
	if resumeID != "" {
		if err := sink.recoverParts(ctx); err != nil {
			return nil, err
		}
		d.logger.Infof("Reattached to upload %s with %d parts", name, len(sink.parts))
	}
	return sink, nil
}

// composeSink writes sequential chunks as part objects under a shared
// prefix, then composes them into the destination object on Commit.
type composeSink struct {
	storage *gcs.Client
	bucket  string
	name    string
	parts   []string
	sizes   []int64
	resumed bool
}

func (s *composeSink) UploadID() string { return s.name }

func (s *composeSink) partPrefix() string { return s.name + ".part-" }

func (s *composeSink) recoverParts(ctx context.Context) error {
	type recoveredPart struct {
		name string
		size int64
	}
	var recovered []recoveredPart
	it := s.storage.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: s.partPrefix()})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return classify("gcp.upload", err)
		}
		recovered = append(recovered, recoveredPart{name: attrs.Name, size: attrs.Size})
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].name < recovered[j].name })
	s.parts = s.parts[:0]
	s.sizes = s.sizes[:0]
	for _, p := range recovered {
		s.parts = append(s.parts, p.name)
		s.sizes = append(s.sizes, p.size)
	}
	s.resumed = true
	return nil
}

// dropUnacked trims recovered part objects at or beyond offset. A crash
// between a part write and the caller's checkpoint write leaves the bucket
// holding more parts than the caller acked; the re-sent chunk must
// overwrite that part object, not be written after it.
func (s *composeSink) dropUnacked(offset int64) {
	var acked int64
	keep := 0
	for i, size := range s.sizes {
		if acked+size > offset {
			break
		}
		acked += size
		keep = i + 1
	}
	s.parts = s.parts[:keep]
	s.sizes = s.sizes[:keep]
}

func (s *composeSink) WriteChunk(ctx context.Context, offset int64, data []byte) error {
	if s.resumed {
		s.dropUnacked(offset)
		s.resumed = false
	}
	partName := fmt.Sprintf("%s%08d", s.partPrefix(), len(s.parts))
	w := s.storage.Bucket(s.bucket).Object(partName).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify("gcp.upload", err)
	}
	if err := w.Close(); err != nil {
		return classify("gcp.upload", err)
	}
	s.parts = append(s.parts, partName)
	s.sizes = append(s.sizes, int64(len(data)))
	return nil
}

func (s *composeSink) Commit(ctx context.Context) (*migrate.Artifact, error) {
	bucket := s.storage.Bucket(s.bucket)

	// Compose iteratively: fold up to 32 sources per call into an
	// accumulator until one object remains.
	sources := s.parts
	round := 0
	for len(sources) > 1 {
		var next []string
		for i := 0; i < len(sources); i += composeBatch {
			end := i + composeBatch
			if end > len(sources) {
				end = len(sources)
			}
			objs := make([]*gcs.ObjectHandle, 0, end-i)
			for _, src := range sources[i:end] {
				objs = append(objs, bucket.Object(src))
			}
			accName := fmt.Sprintf("%s.compose-%d-%08d", s.name, round, i/composeBatch)
			if end == len(sources) && i == 0 {
				accName = s.name
			}
			if _, err := bucket.Object(accName).ComposerFrom(objs...).Run(ctx); err != nil {
				return nil, classify("gcp.upload", err)
			}
			next = append(next, accName)
		}
		sources = next
		round++
	}
	if len(sources) == 1 && sources[0] != s.name {
		// Single part: copy it into the destination name.
		if _, err := bucket.Object(s.name).CopierFrom(bucket.Object(sources[0])).Run(ctx); err != nil {
			return nil, classify("gcp.upload", err)
		}
	}
	if len(sources) == 0 {
		return nil, migrate.Errorf(migrate.KindInternal, "gcp.upload", "no parts to compose for %s", s.name)
	}

	s.cleanupIntermediates(ctx)

	attrs, err := bucket.Object(s.name).Attrs(ctx)
	if err != nil {
		return nil, classify("gcp.upload", err)
	}
	return &migrate.Artifact{
		URI:       fmt.Sprintf("gs://%s/%s", s.bucket, s.name),
		SizeBytes: attrs.Size,
		Provider:  migrate.ProviderGCP,
	}, nil
}

func (s *composeSink) Abort(ctx context.Context) error {
	s.cleanupIntermediates(ctx)
	if err := s.storage.Bucket(s.bucket).Object(s.name).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return classify("gcp.upload", err)
	}
	return nil
}

// cleanupIntermediates removes part and accumulator objects. Best-effort.
func (s *composeSink) cleanupIntermediates(ctx context.Context) {
	bucket := s.storage.Bucket(s.bucket)
	for _, prefix := range []string{s.partPrefix(), s.name + ".compose-"} {
		it := bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) || err != nil {
				break
			}
			if strings.HasPrefix(attrs.Name, prefix) {
				bucket.Object(attrs.Name).Delete(ctx)
			}
		}
	}
}
