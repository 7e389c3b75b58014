// Package oci implements the OCI driver. OCI is a publish-and-launch
// target: uploads land in Object Storage via multipart uploads, images are
// imported with the paravirtualized launch mode, and instances boot from
// the imported image. Disk export from OCI is not supported.
package oci

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"
	"github.com/oracle/oci-go-sdk/v65/identity"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
)

const (
	imagePollInterval = 30 * time.Second
	imageTimeout      = 2 * time.Hour
)

// Driver implements OCI cloud operations.
type Driver struct {
	logger *logger.Logger

	mu        sync.Mutex
	providers map[string]common.ConfigurationProvider
}

// NewDriver creates a new OCI driver instance.
func NewDriver(log *logger.Logger) *Driver {
	return &Driver{
		logger:    log,
		providers: make(map[string]common.ConfigurationProvider),
	}
}

// Provider returns the provider this driver serves.
func (d *Driver) Provider() migrate.Provider { return migrate.ProviderOCI }

// TargetFormat returns the disk format OCI image import consumes.
func (d *Driver) TargetFormat() migrate.Format { return migrate.FormatQCOW2 }

// configFor resolves the descriptor's credentials reference into an OCI
// configuration provider. An empty reference uses the default config file
// and instance-principal chain.
func (d *Driver) configFor(desc migrate.Descriptor) (common.ConfigurationProvider, error) {
	key := desc.Region + "/" + desc.CredentialsRef
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.providers[key]; ok {
		return p, nil
	}

	var provider common.ConfigurationProvider
	if prefix, ok := strings.CutPrefix(desc.CredentialsRef, "env:"); ok {
		tenancy := os.Getenv(prefix + "_TENANCY_OCID")
		user := os.Getenv(prefix + "_USER_OCID")
		fingerprint := os.Getenv(prefix + "_FINGERPRINT")
		privateKey := os.Getenv(prefix + "_PRIVATE_KEY")
		if tenancy == "" || user == "" || fingerprint == "" || privateKey == "" {
			return nil, migrate.Errorf(migrate.KindAuth, "oci.credentials",
				"credentials reference %q resolves to incomplete API key", desc.CredentialsRef)
		}
		provider = common.NewRawConfigurationProvider(tenancy, user, desc.Region, fingerprint, privateKey, nil)
	} else {
		provider = common.DefaultConfigProvider()
	}
	d.providers[key] = provider
	return provider, nil
}

// ExportDisk is not supported: OCI is a migration target only.
func (d *Driver) ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error) {
	return nil, migrate.Errorf(migrate.KindUnsupportedConversion, "oci.export",
		"disk export from oci is not supported")
}

// getNamespace retrieves the Object Storage namespace for the tenancy.
func (d *Driver) getNamespace(ctx context.Context, provider common.ConfigurationProvider) (string, error) {
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(provider)
	if err != nil {
		return "", migrate.NewError(migrate.KindInternal, "oci", err)
	}
	resp, err := client.GetNamespace(ctx, objectstorage.GetNamespaceRequest{})
	if err != nil {
		return "", classify("oci", err)
	}
	return *resp.Value, nil
}

// ensureBucket creates the bucket in the compartment if it does not exist.
func (d *Driver) ensureBucket(ctx context.Context, provider common.ConfigurationProvider, namespace, compartmentID, bucketName string) error {
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(provider)
	if err != nil {
		return migrate.NewError(migrate.KindInternal, "oci.bucket", err)
	}
	_, err = client.HeadBucket(ctx, objectstorage.HeadBucketRequest{
		NamespaceName: &namespace,
		BucketName:    &bucketName,
	})
	if err == nil {
		return nil
	}
	if serviceErr, ok := common.IsServiceError(err); !ok || serviceErr.GetHTTPStatusCode() != 404 {
		return classify("oci.bucket", err)
	}
	_, err = client.CreateBucket(ctx, objectstorage.CreateBucketRequest{
		NamespaceName: &namespace,
		CreateBucketDetails: objectstorage.CreateBucketDetails{
			Name:          &bucketName,
			CompartmentId: &compartmentID,
		},
	})
	if err != nil {
		return classify("oci.bucket", err)
	}
	d.logger.Successf("Created bucket: %s", bucketName)
	return nil
}

// PublishImage imports the uploaded disk from Object Storage as a custom
// image and waits for it to become available.
func (d *Driver) PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error) {
	provider, err := d.configFor(tgt)
	if err != nil {
		return "", err
	}
	client, err := core.NewComputeClientWithConfigurationProvider(provider)
	if err != nil {
		return "", migrate.NewError(migrate.KindInternal, "oci.publish", err)
	}

	displayName := fmt.Sprintf("kumo-image-%s", strconv.FormatInt(time.Now().Unix(), 36))
	sourceURI := art.URI
	resp, err := client.CreateImage(ctx, core.CreateImageRequest{
		CreateImageDetails: core.CreateImageDetails{
			CompartmentId: &tgt.Compartment,
			DisplayName:   &displayName,
			LaunchMode:    core.CreateImageDetailsLaunchModeParavirtualized,
			ImageSourceDetails: core.ImageSourceViaObjectStorageUriDetails{
				SourceUri:       &sourceURI,
				OperatingSystem: common.String("Generic Linux"),
			},
		},
	})
	if err != nil {
		return "", classify("oci.publish", err)
	}
	imageID := *resp.Image.Id
	d.logger.Infof("Custom image import started: %s", imageID)

	if err := d.waitForImageAvailable(ctx, client, imageID); err != nil {
		return "", err
	}
	d.logger.Successf("Image import completed: %s", imageID)
	return imageID, nil
}

func (d *Driver) waitForImageAvailable(ctx context.Context, client core.ComputeClient, imageID string) error {
	return cloud.WaitFor(ctx, imagePollInterval, imageTimeout, func(ctx context.Context) (bool, error) {
		resp, err := client.GetImage(ctx, core.GetImageRequest{ImageId: &imageID})
		if err != nil {
			return false, classify("oci.publish", err)
		}
		switch resp.Image.LifecycleState {
		case core.ImageLifecycleStateAvailable:
			return true, nil
		case core.ImageLifecycleStateDeleted, core.ImageLifecycleStateDisabled:
			return false, migrate.Errorf(migrate.KindInternal, "oci.publish",
				"image import failed with state %s", resp.Image.LifecycleState)
		}
		d.logger.Debugf("Image %s lifecycle state: %s", imageID, resp.Image.LifecycleState)
		return false, nil
	})
}

// LaunchInstance boots an instance from the imported image in the first
// availability domain of the target compartment.
func (d *Driver) LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error) {
	provider, err := d.configFor(tgt)
	if err != nil {
		return "", err
	}
	ad, err := d.firstAvailabilityDomain(ctx, provider, tgt.Compartment)
	if err != nil {
		return "", err
	}
	client, err := core.NewComputeClientWithConfigurationProvider(provider)
	if err != nil {
		return "", migrate.NewError(migrate.KindInternal, "oci.launch", err)
	}

	shape := tgt.InstanceType
	if shape == "" {
		shape = "VM.Standard.E4.Flex"
	}
	displayName := fmt.Sprintf("kumo-vm-%s", strconv.FormatInt(time.Now().Unix(), 36))
	resp, err := client.LaunchInstance(ctx, core.LaunchInstanceRequest{
		LaunchInstanceDetails: core.LaunchInstanceDetails{
			AvailabilityDomain: &ad,
			CompartmentId:      &tgt.Compartment,
			DisplayName:        &displayName,
			Shape:              &shape,
			SourceDetails: core.InstanceSourceViaImageDetails{
				ImageId: &imageID,
			},
			CreateVnicDetails: &core.CreateVnicDetails{
				SubnetId: &tgt.Subnet,
			},
		},
	})
	if err != nil {
		return "", classify("oci.launch", err)
	}
	instanceID := *resp.Instance.Id
	d.logger.Successf("Instance launched: %s", instanceID)
	return instanceID, nil
}

func (d *Driver) firstAvailabilityDomain(ctx context.Context, provider common.ConfigurationProvider, compartmentID string) (string, error) {
	client, err := identity.NewIdentityClientWithConfigurationProvider(provider)
	if err != nil {
		return "", migrate.NewError(migrate.KindInternal, "oci.launch", err)
	}
	resp, err := client.ListAvailabilityDomains(ctx, identity.ListAvailabilityDomainsRequest{
		CompartmentId: &compartmentID,
	})
	if err != nil {
		return "", classify("oci.launch", err)
	}
	if len(resp.Items) == 0 {
		return "", migrate.Errorf(migrate.KindNotFound, "oci.launch", "no availability domains in compartment")
	}
	return *resp.Items[0].Name, nil
}

// DeleteArtifact removes an Object Storage object or a custom image,
// routed by the artifact URI.
func (d *Driver) DeleteArtifact(ctx context.Context, art *migrate.Artifact) error {
	provider, err := d.configFor(migrate.Descriptor{Provider: migrate.ProviderOCI})
	if err != nil {
		return err
	}
	switch {
	case strings.Contains(art.URI, "objectstorage."):
		namespace, bucket, object, err := splitObjectURI(art.URI)
		if err != nil {
			return err
		}
		client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(provider)
		if err != nil {
			return migrate.NewError(migrate.KindInternal, "oci.cleanup", err)
		}
		_, err = client.DeleteObject(ctx, objectstorage.DeleteObjectRequest{
			NamespaceName: &namespace,
			BucketName:    &bucket,
			ObjectName:    &object,
		})
		if err != nil {
			if serviceErr, ok := common.IsServiceError(err); ok && serviceErr.GetHTTPStatusCode() == 404 {
				return nil
			}
			return classify("oci.cleanup", err)
		}
		return nil
	case strings.HasPrefix(art.URI, "ocid1.image."):
		client, err := core.NewComputeClientWithConfigurationProvider(provider)
		if err != nil {
			return migrate.NewError(migrate.KindInternal, "oci.cleanup", err)
		}
		if _, err := client.DeleteImage(ctx, core.DeleteImageRequest{ImageId: &art.URI}); err != nil {
			return classify("oci.cleanup", err)
		}
		return nil
	}
	return migrate.Errorf(migrate.KindNotFound, "oci.cleanup", "unrecognized artifact URI %q", art.URI)
}

// objectURI builds the canonical Object Storage URI for an object.
func objectURI(region, namespace, bucket, object string) string {
	return fmt.Sprintf("https://objectstorage.%s.oraclecloud.com/n/%s/b/%s/o/%s",
		region, namespace, bucket, url.PathEscape(object))
}

func splitObjectURI(uri string) (namespace, bucket, object string, err error) {
	u, perr := url.Parse(uri)
	if perr != nil {
		return "", "", "", migrate.Errorf(migrate.KindNotFound, "oci", "malformed object URI %q", uri)
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	// Path shape: n/<namespace>/b/<bucket>/o/<object>
	if len(parts) < 6 || parts[0] != "n" || parts[2] != "b" || parts[4] != "o" {
		return "", "", "", migrate.Errorf(migrate.KindNotFound, "oci", "malformed object URI %q", uri)
	}
	object, perr = url.PathUnescape(strings.Join(parts[5:], "/"))
	if perr != nil {
		return "", "", "", migrate.Errorf(migrate.KindNotFound, "oci", "malformed object URI %q", uri)
	}
	return parts[1], parts[3], object, nil
}

// classify maps an OCI SDK error to the engine's error taxonomy using the
// service error status code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if serviceErr, ok := common.IsServiceError(err); ok {
		return migrate.NewError(cloud.ClassifyHTTP(serviceErr.GetHTTPStatusCode()), op, err)
	}
	return cloud.WrapNetwork(op, err, migrate.KindInternal)
}
