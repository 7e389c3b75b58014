// Package aws implements the AWS driver. Disk export uses EC2 instance
// export tasks into S3, image publication uses the VM Import/Export
// service, and uploads land in S3 via multipart uploads.
package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/common"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/staging"
)

const (
	vmImportRoleName = "vmimport"
	pollInterval     = 15 * time.Second
	exportTimeout    = 2 * time.Hour
	importTimeout    = 2 * time.Hour
	launchTimeout    = 10 * time.Minute
)

// Driver implements AWS cloud operations.
type Driver struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*clientSet
}

type clientSet struct {
	ec2 *ec2.Client
	s3  *s3.Client
	iam *iam.Client
}

// NewDriver creates a new AWS driver instance.
func NewDriver(log *logger.Logger) *Driver {
	return &Driver{
		logger:  log,
		clients: make(map[string]*clientSet),
	}
}

// Provider returns the provider this driver serves.
func (d *Driver) Provider() migrate.Provider { return migrate.ProviderAWS }

// TargetFormat returns the disk format VM Import/Export expects.
func (d *Driver) TargetFormat() migrate.Format { return migrate.FormatVHD }

// clientsFor returns the cached client set for the descriptor's region and
// credentials reference, creating it on first use.
func (d *Driver) clientsFor(ctx context.Context, desc migrate.Descriptor) (*clientSet, error) {
	key := desc.Region + "/" + desc.CredentialsRef
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.clients[key]; ok {
		return cs, nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(desc.Region)}
	if prefix, ok := strings.CutPrefix(desc.CredentialsRef, "env:"); ok {
		accessKey := os.Getenv(prefix + "_ACCESS_KEY_ID")
		secretKey := os.Getenv(prefix + "_SECRET_ACCESS_KEY")
		if accessKey == "" || secretKey == "" {
			return nil, migrate.Errorf(migrate.KindAuth, "aws.credentials",
				"credentials reference %q resolves to empty access keys", desc.CredentialsRef)
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, os.Getenv(prefix+"_SESSION_TOKEN"))))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, migrate.NewError(migrate.KindAuth, "aws.credentials", err)
	}

	cs := &clientSet{
		ec2: ec2.NewFromConfig(cfg),
		s3:  s3.NewFromConfig(cfg),
		iam: iam.NewFromConfig(cfg),
	}
	d.clients[key] = cs
	return cs, nil
}

// ExportDisk exports the source instance's disk as a VHD into S3 via an
// instance export task, then downloads the object into staging.
func (d *Driver) ExportDisk(ctx context.Context, src migrate.Descriptor, stage staging.Store) (*migrate.Artifact, error) {
	cs, err := d.clientsFor(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := d.ensureBucket(ctx, cs, src.Bucket, src.Region); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("kumo-export/%s/", common.SanitizeName(src.InstanceID))
	resp, err := cs.ec2.CreateInstanceExportTask(ctx, &ec2.CreateInstanceExportTaskInput{
		InstanceId:        &src.InstanceID,
		TargetEnvironment: ec2types.ExportEnvironmentVmware,
		ExportToS3Task: &ec2types.ExportToS3TaskSpecification{
			DiskImageFormat: ec2types.DiskImageFormatVhd,
			S3Bucket:        &src.Bucket,
			S3Prefix:        &prefix,
		},
	})
	if err != nil {
		return nil, classify("aws.export", err)
	}
	taskID := awssdk.ToString(resp.ExportTask.ExportTaskId)
	d.logger.Infof("Started export task %s for instance %s", taskID, src.InstanceID)

	if err := d.waitForExportTask(ctx, cs, taskID); err != nil {
		return nil, err
	}
	d.logger.Successf("Export task %s completed", taskID)

	// The export service names the object <prefix><task-id>.vhd.
	key := prefix + taskID + ".vhd"
	name := fmt.Sprintf("%s-export.vhd", common.SanitizeName(src.InstanceID))
	localPath := filepath.Join(stage.Workdir(), name)
	if err := d.downloadObject(ctx, cs, src.Bucket, key, localPath); err != nil {
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

	// The intermediate S3 object is no longer needed once staged.
	if _, err := cs.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &src.Bucket, Key: &key}); err != nil {
		d.logger.Warningf("Failed to delete export object s3://%s/%s: %v", src.Bucket, key, err)
	}

	return &migrate.Artifact{
		URI:       stage.URI(name),
		Format:    migrate.FormatVHD,
		SizeBytes: size,
		SHA256:    digest,
	}, nil
}

func (d *Driver) waitForExportTask(ctx context.Context, cs *clientSet, taskID string) error {
	return cloud.WaitFor(ctx, pollInterval, exportTimeout, func(ctx context.Context) (bool, error) {
		resp, err := cs.ec2.DescribeExportTasks(ctx, &ec2.DescribeExportTasksInput{
			ExportTaskIds: []string{taskID},
		})
		if err != nil {
			return false, classify("aws.export", err)
		}
		if len(resp.ExportTasks) == 0 {
			return false, migrate.Errorf(migrate.KindNotFound, "aws.export", "export task %s not found", taskID)
		}
		task := resp.ExportTasks[0]
		switch task.State {
		case ec2types.ExportTaskStateCompleted:
			return true, nil
		case ec2types.ExportTaskStateCancelled, ec2types.ExportTaskStateCancelling:
			return false, migrate.Errorf(migrate.KindInternal, "aws.export",
				"export task %s cancelled: %s", taskID, awssdk.ToString(task.StatusMessage))
		}
		d.logger.Debugf("Export task %s state: %s", taskID, task.State)
		return false, nil
	})
}

func (d *Driver) downloadObject(ctx context.Context, cs *clientSet, bucket, key, localPath string) error {
	resp, err := cs.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return classify("aws.download", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(resp.Body); err != nil {
		os.Remove(localPath)
		return cloud.WrapNetwork("aws.download", err, migrate.KindTransientNetwork)
	}
	return nil
}

// ensureBucket creates the bucket if it does not exist.
func (d *Driver) ensureBucket(ctx context.Context, cs *clientSet, bucket, region string) error {
	_, err := cs.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	if err == nil {
		return nil
	}
	if migrate.KindOf(classify("aws.bucket", err)) != migrate.KindNotFound {
		return classify("aws.bucket", err)
	}

	input := &s3.CreateBucketInput{Bucket: &bucket}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := cs.s3.CreateBucket(ctx, input); err != nil {
		return classify("aws.bucket", err)
	}
	d.logger.Successf("Created bucket: %s", bucket)
	return nil
}

// PublishImage imports the uploaded VHD as an AMI via VM Import/Export and
// waits for the import task to complete.
func (d *Driver) PublishImage(ctx context.Context, tgt migrate.Descriptor, art *migrate.Artifact) (string, error) {
	cs, err := d.clientsFor(ctx, tgt)
	if err != nil {
		return "", err
	}
	if err := d.ensureVMImportRole(ctx, cs, tgt.Bucket); err != nil {
		return "", err
	}

	bucket, key, err := splitS3URI(art.URI)
	if err != nil {
		return "", err
	}
	resp, err := cs.ec2.ImportImage(ctx, &ec2.ImportImageInput{
		Description: awssdk.String("kumo migrated image"),
		RoleName:    awssdk.String(vmImportRoleName),
		DiskContainers: []ec2types.ImageDiskContainer{{
			Format: awssdk.String("VHD"),
			UserBucket: &ec2types.UserBucket{
				S3Bucket: &bucket,
				S3Key:    &key,
			},
		}},
	})
	if err != nil {
		return "", classify("aws.publish", err)
	}
	taskID := awssdk.ToString(resp.ImportTaskId)
	d.logger.Infof("Started image import task %s", taskID)

	var imageID string
	err = cloud.WaitFor(ctx, pollInterval, importTimeout, func(ctx context.Context) (bool, error) {
		tasks, err := cs.ec2.DescribeImportImageTasks(ctx, &ec2.DescribeImportImageTasksInput{
			ImportTaskIds: []string{taskID},
		})
		if err != nil {
			return false, classify("aws.publish", err)
		}
		if len(tasks.ImportImageTasks) == 0 {
			return false, migrate.Errorf(migrate.KindNotFound, "aws.publish", "import task %s not found", taskID)
		}
		task := tasks.ImportImageTasks[0]
		status := awssdk.ToString(task.Status)
		switch status {
		case "completed":
			imageID = awssdk.ToString(task.ImageId)
			return true, nil
		case "deleted", "deleting":
			return false, migrate.Errorf(migrate.KindInternal, "aws.publish",
				"import task %s failed: %s", taskID, awssdk.ToString(task.StatusMessage))
		}
		d.logger.Debugf("Import task %s status: %s", taskID, status)
		return false, nil
	})
	if err != nil {
		return "", err
	}
	d.logger.Successf("Image import completed: %s", imageID)
	return imageID, nil
}

// LaunchInstance boots an instance from the imported AMI and waits for it
// to reach the running state.
func (d *Driver) LaunchInstance(ctx context.Context, tgt migrate.Descriptor, imageID string) (string, error) {
	cs, err := d.clientsFor(ctx, tgt)
	if err != nil {
		return "", err
	}

	instanceType := tgt.InstanceType
	if instanceType == "" {
		instanceType = "m5.large"
	}
	input := &ec2.RunInstancesInput{
		ImageId:      &imageID,
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
	}
	if tgt.Subnet != "" {
		input.SubnetId = &tgt.Subnet
	}
	resp, err := cs.ec2.RunInstances(ctx, input)
	if err != nil {
		return "", classify("aws.launch", err)
	}
	if len(resp.Instances) == 0 {
		return "", migrate.Errorf(migrate.KindInternal, "aws.launch", "run instances returned no instances")
	}
	instanceID := awssdk.ToString(resp.Instances[0].InstanceId)
	d.logger.Infof("Launched instance %s from image %s", instanceID, imageID)

	err = cloud.WaitFor(ctx, 5*time.Second, launchTimeout, func(ctx context.Context) (bool, error) {
		desc, err := cs.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return false, classify("aws.launch", err)
		}
		for _, r := range desc.Reservations {
			for _, inst := range r.Instances {
				if inst.State == nil {
					continue
				}
				switch inst.State.Name {
				case ec2types.InstanceStateNameRunning:
					return true, nil
				case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
					return false, migrate.Errorf(migrate.KindInternal, "aws.launch",
						"instance %s terminated during launch", instanceID)
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	d.logger.Successf("Instance %s is running", instanceID)
	return instanceID, nil
}

// DeleteArtifact removes an S3 object or deregisters an AMI, routed by the
// artifact URI.
func (d *Driver) DeleteArtifact(ctx context.Context, art *migrate.Artifact) error {
	// Region and credentials for cleanup ride on the artifact owner's
	// descriptor fields embedded in the URI host for S3; AMIs carry none,
	// so the default chain and region config apply.
	switch {
	case strings.HasPrefix(art.URI, "s3://"):
		bucket, key, err := splitS3URI(art.URI)
		if err != nil {
			return err
		}
		cs, err := d.clientsFor(ctx, migrate.Descriptor{Provider: migrate.ProviderAWS, Region: regionFromEnv()})
		if err != nil {
			return err
		}
		if _, err := cs.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key}); err != nil {
			return classify("aws.cleanup", err)
		}
		return nil
	case strings.HasPrefix(art.URI, "ami-"):
		cs, err := d.clientsFor(ctx, migrate.Descriptor{Provider: migrate.ProviderAWS, Region: regionFromEnv()})
		if err != nil {
			return err
		}
		if _, err := cs.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: &art.URI}); err != nil {
			return classify("aws.cleanup", err)
		}
		return nil
	}
	return migrate.Errorf(migrate.KindNotFound, "aws.cleanup", "unrecognized artifact URI %q", art.URI)
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return os.Getenv("AWS_DEFAULT_REGION")
}

// ensureVMImportRole creates the vmimport service role if it is missing.
// VM Import/Export requires a role with this exact name trusted by the
// vmie.amazonaws.com service principal.
func (d *Driver) ensureVMImportRole(ctx context.Context, cs *clientSet, bucket string) error {
	_, err := cs.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: awssdk.String(vmImportRoleName)})
	if err == nil {
		return nil
	}
	var notFound *iamtypes.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return classify("aws.vmimport", err)
	}

	trustPolicy := `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "vmie.amazonaws.com"},
    "Action": "sts:AssumeRole",
    "Condition": {"StringEquals": {"sts:Externalid": "vmimport"}}
  }]
}`
	if _, err := cs.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 awssdk.String(vmImportRoleName),
		AssumeRolePolicyDocument: &trustPolicy,
	}); err != nil {
		return classify("aws.vmimport", err)
	}

	rolePolicy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": ["s3:GetBucketLocation", "s3:GetObject", "s3:ListBucket"],
      "Resource": ["arn:aws:s3:::%s", "arn:aws:s3:::%s/*"]
    },
    {
      "Effect": "Allow",
      "Action": ["ec2:ModifySnapshotAttribute", "ec2:CopySnapshot", "ec2:RegisterImage", "ec2:Describe*"],
      "Resource": "*"
    }
  ]
}`, bucket, bucket)
	if _, err := cs.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       awssdk.String(vmImportRoleName),
		PolicyName:     awssdk.String("vmimport"),
		PolicyDocument: &rolePolicy,
	}); err != nil {
		return classify("aws.vmimport", err)
	}
	d.logger.Successf("Created IAM role: %s", vmImportRoleName)
	return nil
}

// classify maps an AWS SDK error to the engine's error taxonomy using the
// smithy API error code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "Throttling" || code == "ThrottlingException" ||
			code == "RequestLimitExceeded" || code == "TooManyRequestsException" ||
			code == "SlowDown":
			return migrate.NewError(migrate.KindProviderRateLimit, op, err)
		case code == "AuthFailure" || code == "UnauthorizedOperation" ||
			code == "InvalidClientTokenId" || code == "AccessDenied" ||
			code == "ExpiredToken" || code == "SignatureDoesNotMatch":
			return migrate.NewError(migrate.KindAuth, op, err)
		case code == "NoSuchBucket" || code == "NoSuchKey" || code == "NotFound" ||
			strings.HasSuffix(code, ".NotFound") || strings.HasSuffix(code, ".Malformed"):
			return migrate.NewError(migrate.KindNotFound, op, err)
		case code == "InternalError" || code == "ServiceUnavailable" ||
			code == "RequestTimeout":
			return migrate.NewError(migrate.KindTransientNetwork, op, err)
		}
		return migrate.NewError(migrate.KindInternal, op, err)
	}
	return cloud.WrapNetwork(op, err, migrate.KindInternal)
}

func splitS3URI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", migrate.Errorf(migrate.KindNotFound, "aws", "not an s3 URI: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", migrate.Errorf(migrate.KindNotFound, "aws", "malformed s3 URI: %q", uri)
	}
	return parts[0], parts[1], nil
}
