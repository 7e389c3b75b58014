// Package gcp implements the GCP driver. Disk export goes through a
// temporary image exported to Cloud Storage, image import runs through
// gcloud's import tooling, and uploads land in a Cloud Storage bucket.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/common"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
)

// Driver implements GCP cloud operations.
type Driver struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*clientSet
}

type clientSet struct {
	images    *compute.ImagesClient
	instances *compute.InstancesClient
	storage   *gcs.Client
}

// NewDriver creates a new GCP driver instance.
func NewDriver(log *logger.Logger) *Driver {
	return &Driver{
		logger:  log,
		clients: make(map[string]*clientSet),
	}
}

// Provider returns the provider this driver serves.
func (d *Driver) Provider() migrate.Provider { return migrate.ProviderGCP }

// TargetFormat returns the disk format the import tooling consumes.
func (d *Driver) TargetFormat() migrate.Format { return migrate.FormatRaw }

// clientsFor resolves the descriptor's credentials reference into a client
// set. An empty reference uses application default credentials.
func (d *Driver) clientsFor(ctx context.Context, desc migrate.Descriptor) (*clientSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.clients[desc.CredentialsRef]; ok {
		return cs, nil
	}

	var opts []option.ClientOption
	if prefix, ok := strings.CutPrefix(desc.CredentialsRef, "env:"); ok {
		credJSON := os.Getenv(prefix + "_CREDENTIALS_JSON")
		if credJSON == "" {
			return nil, migrate.Errorf(migrate.KindAuth, "gcp.credentials",
				"credentials reference %q resolves to empty service account key", desc.CredentialsRef)
		}
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	images, err := compute.NewImagesRESTClient(ctx, opts...)
	if err != nil {
		return nil, migrate.NewError(migrate.KindAuth, "gcp.credentials", err)
	}
	instances, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		images.Close()
		return nil, migrate.NewError(migrate.KindAuth, "gcp.credentials", err)
	}
	storageClient, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		images.Close()
		instances.Close()
		return nil, migrate.NewError(migrate.KindAuth, "gcp.credentials", err)
	}

	cs := &clientSet{images: images, instances: instances, storage: storageClient}
	d.clients[desc.CredentialsRef] = cs
	return cs, nil
}

// ExportDisk creates a temporary image from the source disk, exports it to
// Cloud Storage as a VMDK via gcloud, and downloads the object into
// staging. The temporary image and the bucket object are cleaned up.
func (d *Driver) ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error) {
	cs, err := d.clientsFor(ctx, src)
	if err != nil {
		return nil, err
	}

	suffix := strconv.FormatInt(time.Now().Unix(), 36)
	tempImage := fmt.Sprintf("kumo-export-%s-%s", common.SanitizeName(src.DiskID), suffix)
	sourceDisk := fmt.Sprintf("projects/%s/zones/%s/disks/%s", src.Project, src.Zone, src.DiskID)

	d.logger.Infof("Creating temporary image %s from disk %s", tempImage, src.DiskID)
	op, err := cs.images.Insert(ctx, &computepb.InsertImageRequest{
		Project: src.Project,
		ImageResource: &computepb.Image{
			Name:       &tempImage,
			SourceDisk: &sourceDisk,
		},
	})
	if err != nil {
		return nil, classify("gcp.export", err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, classify("gcp.export", err)
	}
	defer func() {
		delOp, err := cs.images.Delete(ctx, &computepb.DeleteImageRequest{Project: src.Project, Image: tempImage})
		if err == nil {
			err = delOp.Wait(ctx)
		}
		if err != nil {
			d.logger.Warningf("Failed to delete temporary image %s: %v", tempImage, err)
		}
	}()

	object := fmt.Sprintf("kumo-export/%s.vmdk", tempImage)
	gsURI := fmt.Sprintf("gs://%s/%s", src.Bucket, object)
	d.logger.Info("Exporting image to Cloud Storage (this may take a while)...")
	if out, err := common.RunCommand(ctx, "gcloud", "compute", "images", "export",
		"--project", src.Project,
		"--image", tempImage,
		"--destination-uri", gsURI,
		"--export-format", "vmdk",
		"--quiet"); err != nil {
		d.logger.Debugf("gcloud export output: %s", out)
		return nil, migrate.NewError(migrate.KindInternal, "gcp.export", err)
	}
	defer func() {
		if err := cs.storage.Bucket(src.Bucket).Object(object).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			d.logger.Warningf("Failed to delete export object %s: %v", gsURI, err)
		}
	}()

	name := fmt.Sprintf("%s-export.vmdk", common.SanitizeName(src.DiskID))
	localPath := filepath.Join(stage.Workdir(), name)
	if err := d.downloadObject(ctx, cs, src.Bucket, object, localPath); err != nil {
		return nil, err
	}
	defer os.Remove(localPath)

	size, err := common.FileSize(localPath)
	if err != nil {
		return nil, err
	}
	digest, err := common.FileSHA256(localPath)
	if err != nil {
		return nil, err
	}
	if err := stage.Put(ctx, name, localPath); err != nil {
		return nil, err
	}
	d.logger.Successf("Disk exported: %s", name)

	return &migrate.Artifact{
		URI:       stage.URI(name),
		Format:    migrate.FormatVMDK,
		SizeBytes: size,
		SHA256:    digest,
	}, nil
}

func (d *Driver) downloadObject(ctx context.Context, cs *clientSet, bucket, object, localPath string) error {
	r, err := cs.storage.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return classify("gcp.download", err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(r); err != nil {
		os.Remove(localPath)
		return cloud.WrapNetwork("gcp.download", err, migrate.KindTransientNetwork)
	}
	return nil
}

// PublishImage imports the uploaded raw disk from Cloud Storage as a
// Compute Engine image via gcloud's import tooling.
func (d *Driver) PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error) {
	imageName := fmt.Sprintf("kumo-image-%s", strconv.FormatInt(time.Now().Unix(), 36))
	d.logger.Infof("Importing image %s from %s", imageName, art.URI)
	if out, err := common.RunCommand(ctx, "gcloud", "compute", "images", "import", imageName,
		"--project", tgt.Project,
		"--source-file", art.URI,
		"--data-disk",
		"--quiet"); err != nil {
		d.logger.Debugf("gcloud import output: %s", out)
		return "", migrate.NewError(migrate.KindInternal, "gcp.publish", err)
	}
	d.logger.Successf("Image import completed: %s", imageName)
	return imageName, nil
}

// LaunchInstance boots an instance from the imported image and waits for
// the insert operation to finish.
func (d *Driver) LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error) {
	cs, err := d.clientsFor(ctx, tgt)
	if err != nil {
		return "", err
	}

	machineType := tgt.InstanceType
	if machineType == "" {
		machineType = "e2-standard-2"
	}
	instanceName := fmt.Sprintf("kumo-vm-%s", strconv.FormatInt(time.Now().Unix(), 36))
	machineTypeURL := fmt.Sprintf("zones/%s/machineTypes/%s", tgt.Zone, machineType)
	sourceImage := fmt.Sprintf("projects/%s/global/images/%s", tgt.Project, imageID)
	autoDelete := true
	boot := true

	iface := &computepb.NetworkInterface{}
	if tgt.Subnet != "" {
		iface.Subnetwork = &tgt.Subnet
	}
	op, err := cs.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project: tgt.Project,
		Zone:    tgt.Zone,
		InstanceResource: &computepb.Instance{
			Name:        &instanceName,
			MachineType: &machineTypeURL,
			Disks: []*computepb.AttachedDisk{{
				AutoDelete: &autoDelete,
				Boot:       &boot,
				InitializeParams: &computepb.AttachedDiskInitializeParams{
					SourceImage: &sourceImage,
				},
			}},
			NetworkInterfaces: []*computepb.NetworkInterface{iface},
		},
	})
	if err != nil {
		return "", classify("gcp.launch", err)
	}
	if err := op.Wait(ctx); err != nil {
		return "", classify("gcp.launch", err)
	}
	d.logger.Successf("Instance created: %s", instanceName)
	return instanceName, nil
}

// DeleteArtifact removes a Cloud Storage object or a Compute Engine image,
// routed by the artifact URI.
func (d *Driver) DeleteArtifact(ctx context.Context, art *migrate.Artifact) error {
	cs, err := d.clientsFor(ctx, migrate.Descriptor{Provider: migrate.ProviderGCP})
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(art.URI, "gs://"):
		bucket, object, err := splitGSURI(art.URI)
		if err != nil {
			return err
		}
		if err := cs.storage.Bucket(bucket).Object(object).Delete(ctx); err != nil {
			if errors.Is(err, gcs.ErrObjectNotExist) {
				return nil
			}
			return classify("gcp.cleanup", err)
		}
		return nil
	case strings.HasPrefix(art.URI, "projects/"):
		parts := strings.Split(art.URI, "/")
		if len(parts) < 5 {
			return migrate.Errorf(migrate.KindNotFound, "gcp.cleanup", "malformed image URI %q", art.URI)
		}
		op, err := cs.images.Delete(ctx, &computepb.DeleteImageRequest{
			Project: parts[1],
			Image:   parts[len(parts)-1],
		})
		if err != nil {
			return classify("gcp.cleanup", err)
		}
		return classify("gcp.cleanup", op.Wait(ctx))
	}
	return migrate.Errorf(migrate.KindNotFound, "gcp.cleanup", "unrecognized artifact URI %q", art.URI)
}

// classify maps a Google API error to the engine's error taxonomy using the
// HTTP status code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return migrate.NewError(cloud.ClassifyHTTP(apiErr.Code), op, err)
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return migrate.NewError(migrate.KindNotFound, op, err)
	}
	return cloud.WrapNetwork(op, err, migrate.KindInternal)
}

func splitGSURI(uri string) (bucket, object string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", migrate.Errorf(migrate.KindNotFound, "gcp", "not a gs URI: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", migrate.Errorf(migrate.KindNotFound, "gcp", "malformed gs URI: %q", uri)
	}
	return parts[0], parts[1], nil
}
