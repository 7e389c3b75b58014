// Package azure implements the Azure driver. Disk export snapshots the
// managed disk and downloads it over a SAS URL, uploads land in a page
// blob, and publication registers the blob as a managed image.
package azure

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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/common"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
)

const snapshotSASSeconds = 7200

// Driver implements Azure cloud operations.
type Driver struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	subscriptionID string
	credential     azcore.TokenCredential
}

// NewDriver creates a new Azure driver instance.
func NewDriver(log *logger.Logger) *Driver {
	return &Driver{
		logger:   log,
		sessions: make(map[string]*session),
	}
}

// Provider returns the provider this driver serves.
func (d *Driver) Provider() migrate.Provider { return migrate.ProviderAzure }

// TargetFormat returns the disk format Azure managed images require.
func (d *Driver) TargetFormat() migrate.Format { return migrate.FormatVHD }

// sessionFor resolves the descriptor's credentials reference into a token
// credential and subscription. An empty reference uses the default
// credential chain and AZURE_SUBSCRIPTION_ID.
func (d *Driver) sessionFor(desc migrate.Descriptor) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[desc.CredentialsRef]; ok {
		return s, nil
	}

	var s session
	if prefix, ok := strings.CutPrefix(desc.CredentialsRef, "env:"); ok {
		tenantID := os.Getenv(prefix + "_TENANT_ID")
		clientID := os.Getenv(prefix + "_CLIENT_ID")
		clientSecret := os.Getenv(prefix + "_CLIENT_SECRET")
		s.subscriptionID = os.Getenv(prefix + "_SUBSCRIPTION_ID")
		if tenantID == "" || clientID == "" || clientSecret == "" || s.subscriptionID == "" {
			return nil, migrate.Errorf(migrate.KindAuth, "azure.credentials",
				"credentials reference %q resolves to incomplete service principal", desc.CredentialsRef)
		}
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, migrate.NewError(migrate.KindAuth, "azure.credentials", err)
		}
		s.credential = cred
	} else {
		s.subscriptionID = os.Getenv("AZURE_SUBSCRIPTION_ID")
		if s.subscriptionID == "" {
			return nil, migrate.Errorf(migrate.KindAuth, "azure.credentials", "AZURE_SUBSCRIPTION_ID is not set")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, migrate.NewError(migrate.KindAuth, "azure.credentials", err)
		}
		s.credential = cred
	}
	d.sessions[desc.CredentialsRef] = &s
	return &s, nil
}

func (d *Driver) computeFactory(desc migrate.Descriptor) (*armcompute.ClientFactory, error) {
	s, err := d.sessionFor(desc)
	if err != nil {
		return nil, err
	}
	factory, err := armcompute.NewClientFactory(s.subscriptionID, s.credential, nil)
	if err != nil {
		return nil, migrate.NewError(migrate.KindInternal, "azure", err)
	}
	return factory, nil
}

// ExportDisk snapshots the source managed disk, grants temporary read
// access, downloads the VHD over the SAS URL into staging, and cleans the
// snapshot up.
func (d *Driver) ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error) {
	factory, err := d.computeFactory(src)
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 36)
	snapshotName := fmt.Sprintf("kumo-ss-%s-%s", common.SanitizeName(src.DiskID), timestamp)
	if len(snapshotName) > 80 {
		snapshotName = snapshotName[:80]
	}

	d.logger.Infof("Creating snapshot: %s", snapshotName)
	if err := d.createSnapshot(ctx, factory, src.ResourceGroup, snapshotName, src.DiskID); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.revokeSnapshotAccess(ctx, factory, src.ResourceGroup, snapshotName); err != nil {
			d.logger.Warningf("Failed to revoke access to snapshot %s: %v", snapshotName, err)
		}
		if err := d.deleteSnapshot(ctx, factory, src.ResourceGroup, snapshotName); err != nil {
			d.logger.Warningf("Failed to delete snapshot %s - manual cleanup may be required", snapshotName)
		}
	}()

	sasURL, err := d.grantSnapshotAccess(ctx, factory, src.ResourceGroup, snapshotName)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-export.vhd", common.SanitizeName(src.DiskID))
	localPath := filepath.Join(stage.Workdir(), name)
	d.logger.Info("Downloading disk (this may take a while)...")
	if err := d.downloadFromSASURL(ctx, sasURL, localPath); err != nil {
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
		Format:    migrate.FormatVHD,
		SizeBytes: size,
		SHA256:    digest,
	}, nil
}

func (d *Driver) createSnapshot(ctx context.Context, factory *armcompute.ClientFactory, resourceGroup, snapshotName, diskName string) error {
	disksClient := factory.NewDisksClient()
	disk, err := disksClient.Get(ctx, resourceGroup, diskName, nil)
	if err != nil {
		return classify("azure.export", err)
	}
	snapshotsClient := factory.NewSnapshotsClient()
	createOption := armcompute.DiskCreateOptionCopy
	poller, err := snapshotsClient.BeginCreateOrUpdate(ctx, resourceGroup, snapshotName,
		armcompute.Snapshot{
			Location: disk.Location,
			Properties: &armcompute.SnapshotProperties{
				CreationData: &armcompute.CreationData{
					CreateOption:     &createOption,
					SourceResourceID: disk.ID,
				},
			},
		}, nil)
	if err != nil {
		return classify("azure.export", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return classify("azure.export", err)
	}
	return nil
}

func (d *Driver) grantSnapshotAccess(ctx context.Context, factory *armcompute.ClientFactory, resourceGroup, snapshotName string) (string, error) {
	snapshotsClient := factory.NewSnapshotsClient()
	accessLevel := armcompute.AccessLevelRead
	poller, err := snapshotsClient.BeginGrantAccess(ctx, resourceGroup, snapshotName,
		armcompute.GrantAccessData{
			Access:            &accessLevel,
			DurationInSeconds: to.Ptr(int32(snapshotSASSeconds)),
		}, nil)
	if err != nil {
		return "", classify("azure.export", err)
	}
	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify("azure.export", err)
	}
	if result.AccessSAS == nil || *result.AccessSAS == "" {
		return "", migrate.Errorf(migrate.KindInternal, "azure.export", "no access SAS returned for snapshot %s", snapshotName)
	}
	return *result.AccessSAS, nil
}

func (d *Driver) downloadFromSASURL(ctx context.Context, sasURL, destFile string) error {
	blobClient, err := blob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return migrate.NewError(migrate.KindInternal, "azure.export", err)
	}
	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destFile, err)
	}
	defer out.Close()
	if _, err := blobClient.DownloadFile(ctx, out, nil); err != nil {
		os.Remove(destFile)
		return classify("azure.export", err)
	}
	return nil
}

func (d *Driver) revokeSnapshotAccess(ctx context.Context, factory *armcompute.ClientFactory, resourceGroup, snapshotName string) error {
	poller, err := factory.NewSnapshotsClient().BeginRevokeAccess(ctx, resourceGroup, snapshotName, nil)
	if err != nil {
		return classify("azure.export", err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return classify("azure.export", err)
}

func (d *Driver) deleteSnapshot(ctx context.Context, factory *armcompute.ClientFactory, resourceGroup, snapshotName string) error {
	poller, err := factory.NewSnapshotsClient().BeginDelete(ctx, resourceGroup, snapshotName, nil)
	if err != nil {
		return classify("azure.export", err)
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return classify("azure.export", err)
}

// PublishImage registers the uploaded page blob as a managed image.
func (d *Driver) PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error) {
	factory, err := d.computeFactory(tgt)
	if err != nil {
		return "", err
	}

	imageName := fmt.Sprintf("kumo-image-%s", strconv.FormatInt(time.Now().Unix(), 36))
	imagesClient := factory.NewImagesClient()
	osType := armcompute.OperatingSystemTypesLinux
	osState := armcompute.OperatingSystemStateTypesGeneralized
	hyperVGen := armcompute.HyperVGenerationTypesV1
	poller, err := imagesClient.BeginCreateOrUpdate(ctx, tgt.ResourceGroup, imageName,
		armcompute.Image{
			Location: &tgt.Region,
			Properties: &armcompute.ImageProperties{
				HyperVGeneration: &hyperVGen,
				StorageProfile: &armcompute.ImageStorageProfile{
					OSDisk: &armcompute.ImageOSDisk{
						OSType:  &osType,
						OSState: &osState,
						BlobURI: &art.URI,
					},
				},
			},
		}, nil)
	if err != nil {
		return "", classify("azure.publish", err)
	}
	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify("azure.publish", err)
	}
	imageID := *result.Image.ID
	d.logger.Successf("Managed image created: %s", imageName)
	return imageID, nil
}

// LaunchInstance creates a network interface on the target subnet and boots
// a VM from the managed image.
func (d *Driver) LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error) {
	s, err := d.sessionFor(tgt)
	if err != nil {
		return "", err
	}
	factory, err := d.computeFactory(tgt)
	if err != nil {
		return "", err
	}
	netFactory, err := armnetwork.NewClientFactory(s.subscriptionID, s.credential, nil)
	if err != nil {
		return "", migrate.NewError(migrate.KindInternal, "azure.launch", err)
	}

	suffix := strconv.FormatInt(time.Now().Unix(), 36)
	vmName := "kumo-vm-" + suffix
	nicName := "kumo-nic-" + suffix

	nicPoller, err := netFactory.NewInterfacesClient().BeginCreateOrUpdate(ctx, tgt.ResourceGroup, nicName,
		armnetwork.Interface{
			Location: &tgt.Region,
			Properties: &armnetwork.InterfacePropertiesFormat{
				IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
					Name: to.Ptr("primary"),
					Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
						Subnet:                    &armnetwork.Subnet{ID: &tgt.Subnet},
						PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
					},
				}},
			},
		}, nil)
	if err != nil {
		return "", classify("azure.launch", err)
	}
	nic, err := nicPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify("azure.launch", err)
	}
	d.logger.Infof("Created network interface %s", nicName)

	vmSize := tgt.InstanceType
	if vmSize == "" {
		vmSize = "Standard_D2s_v3"
	}
	vmPoller, err := factory.NewVirtualMachinesClient().BeginCreateOrUpdate(ctx, tgt.ResourceGroup, vmName,
		armcompute.VirtualMachine{
			Location: &tgt.Region,
			Properties: &armcompute.VirtualMachineProperties{
				HardwareProfile: &armcompute.HardwareProfile{
					VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(vmSize)),
				},
				StorageProfile: &armcompute.StorageProfile{
					ImageReference: &armcompute.ImageReference{ID: &imageID},
					OSDisk: &armcompute.OSDisk{
						CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					},
				},
				NetworkProfile: &armcompute.NetworkProfile{
					NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
						ID: nic.ID,
					}},
				},
			},
		}, nil)
	if err != nil {
		return "", classify("azure.launch", err)
	}
	vm, err := vmPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify("azure.launch", err)
	}
	d.logger.Successf("Virtual machine created: %s", vmName)
	return *vm.VirtualMachine.ID, nil
}

// DeleteArtifact removes an uploaded page blob or a managed image, routed
// by the artifact URI shape.
func (d *Driver) DeleteArtifact(ctx context.Context, art *migrate.Artifact) error {
	switch {
	case strings.Contains(art.URI, ".blob.core.windows.net/"):
		return d.deleteBlob(ctx, art.URI)
	case strings.HasPrefix(art.URI, "/subscriptions/"):
		factory, err := d.computeFactory(migrate.Descriptor{Provider: migrate.ProviderAzure})
		if err != nil {
			return err
		}
		parts := strings.Split(art.URI, "/")
		name := parts[len(parts)-1]
		group := resourceGroupFromID(art.URI)
		poller, err := factory.NewImagesClient().BeginDelete(ctx, group, name, nil)
		if err != nil {
			return classify("azure.cleanup", err)
		}
		_, err = poller.PollUntilDone(ctx, nil)
		return classify("azure.cleanup", err)
	}
	return migrate.Errorf(migrate.KindNotFound, "azure.cleanup", "unrecognized artifact URI %q", art.URI)
}

func resourceGroupFromID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		if strings.EqualFold(p, "resourceGroups") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// classify maps an Azure SDK error to the engine's error taxonomy using the
// response status code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return migrate.NewError(cloud.ClassifyHTTP(respErr.StatusCode), op, err)
	}
	return cloud.WrapNetwork(op, err, migrate.KindInternal)
}
