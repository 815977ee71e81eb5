package addons

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

const (
	// StorageDriverAddon is the EKS managed add-on name of the EBS CSI driver.
	StorageDriverAddon = "aws-ebs-csi-driver"

	storageDriverPurpose        = "ebs-csi-driver"
	storageDriverNamespace      = "kube-system"
	storageDriverServiceAccount = "ebs-csi-controller-sa"
	storageDriverPolicy         = "service-role/AmazonEBSCSIDriverPolicy"
)

// StorageDriver installs the EBS CSI driver as an EKS managed add-on bound to
// an IRSA role. An existing add-on is updated in place when its role or
// version differs.
type StorageDriver struct {
	eks     cloud.EKSAPI
	version string
	tags    map[string]string
	timeout time.Duration

	// waiterDelay overrides the add-on waiter's minimum poll delay.
	waiterDelay time.Duration
}

var (
	_ bootstrap.AddonInstaller = (*StorageDriver)(nil)
	_ bootstrap.RoleConsumer   = (*StorageDriver)(nil)
)

// NewStorageDriver creates a StorageDriver. An empty version lets EKS pick
// the default version for the cluster.
func NewStorageDriver(client cloud.EKSAPI, version string, tags map[string]string, timeout time.Duration) *StorageDriver {
	return &StorageDriver{eks: client, version: version, tags: tags, timeout: timeout}
}

func (s *StorageDriver) Name() string { return NameStorageDriver }

// RoleRequest asks for a role bound to the driver's controller service account.
func (s *StorageDriver) RoleRequest(bootstrap.StackOutputs) (bootstrap.RoleRequest, bool) {
	return bootstrap.RoleRequest{
		Purpose:        storageDriverPurpose,
		Namespace:      storageDriverNamespace,
		ServiceAccount: storageDriverServiceAccount,
		Policies:       []string{storageDriverPolicy},
		OutputKey:      bootstrap.OutputStorageDriverRoleARN,
	}, true
}

func (s *StorageDriver) Install(ctx context.Context, bctx bootstrap.BootstrapContext) bootstrap.AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "addons.StorageDriver.Install")
	defer span.End()

	clusterName := bctx.Request.ClusterName
	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("addon_version", s.version),
	)

	roleARN, ok := bctx.RoleARN(storageDriverPurpose)
	if !ok {
		err := fmt.Errorf("no role provisioned for %s", storageDriverPurpose)
		span.RecordError(err)
		return bootstrap.Failed(s.Name(), err)
	}

	current, err := s.describe(ctx, clusterName)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(s.Name(), err)
	}

	var outcome bootstrap.Outcome
	switch {
	case current == nil:
		outcome, err = s.create(ctx, clusterName, roleARN)
	case s.matches(current, roleARN) && current.Status == ekstypes.AddonStatusActive:
		status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("EKS add-on %s already active", StorageDriverAddon)).
			WithResource("eks-addon").
			WithAction("exists").
			WithMetadata("addon_version", aws.ToString(current.AddonVersion)))
		return bootstrap.AlreadyPresent(s.Name())
	case s.matches(current, roleARN) && inProgress(current.Status):
		outcome = bootstrap.OutcomeAlreadyExists
	default:
		outcome, err = s.update(ctx, clusterName, roleARN, current)
	}
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(s.Name(), err)
	}

	if err := s.waitActive(ctx, clusterName); err != nil {
		span.RecordError(err)
		return bootstrap.Failed(s.Name(), err)
	}

	return bootstrap.FromOutcome(s.Name(), outcome)
}

// describe returns the current add-on, or nil when it is not installed.
func (s *StorageDriver) describe(ctx context.Context, clusterName string) (*ekstypes.Addon, error) {
	out, err := s.eks.DescribeAddon(ctx, &eks.DescribeAddonInput{
		ClusterName: aws.String(clusterName),
		AddonName:   aws.String(StorageDriverAddon),
	})
	if err != nil {
		if cloud.ErrorCode(err) == "ResourceNotFoundException" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe EKS add-on %s: %w", StorageDriverAddon, err)
	}
	return out.Addon, nil
}

func (s *StorageDriver) matches(addon *ekstypes.Addon, roleARN string) bool {
	if aws.ToString(addon.ServiceAccountRoleArn) != roleARN {
		return false
	}
	return s.version == "" || aws.ToString(addon.AddonVersion) == s.version
}

func inProgress(st ekstypes.AddonStatus) bool {
	return st == ekstypes.AddonStatusCreating || st == ekstypes.AddonStatusUpdating
}

func (s *StorageDriver) create(ctx context.Context, clusterName, roleARN string) (bootstrap.Outcome, error) {
	input := &eks.CreateAddonInput{
		ClusterName:           aws.String(clusterName),
		AddonName:             aws.String(StorageDriverAddon),
		ServiceAccountRoleArn: aws.String(roleARN),
		ResolveConflicts:      ekstypes.ResolveConflictsOverwrite,
		Tags:                  cloud.BaseTags(s.tags, clusterName, cloud.ResourceTypeAddon),
	}
	if s.version != "" {
		input.AddonVersion = aws.String(s.version)
	}

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Creating EKS add-on %s", StorageDriverAddon)).
		WithResource("eks-addon").
		WithAction("creating").
		WithMetadata("role_arn", roleARN))

	if _, err := s.eks.CreateAddon(ctx, input); err != nil {
		// another run created it between describe and create
		if cloud.ErrorCode(err) == "ResourceInUseException" {
			return bootstrap.OutcomeAlreadyExists, nil
		}
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to create EKS add-on %s: %w", StorageDriverAddon, err)
	}
	return bootstrap.OutcomeCreated, nil
}

func (s *StorageDriver) update(ctx context.Context, clusterName, roleARN string, current *ekstypes.Addon) (bootstrap.Outcome, error) {
	input := &eks.UpdateAddonInput{
		ClusterName:           aws.String(clusterName),
		AddonName:             aws.String(StorageDriverAddon),
		ServiceAccountRoleArn: aws.String(roleARN),
		ResolveConflicts:      ekstypes.ResolveConflictsOverwrite,
	}
	if s.version != "" {
		input.AddonVersion = aws.String(s.version)
	}

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Updating EKS add-on %s in place", StorageDriverAddon)).
		WithResource("eks-addon").
		WithAction("updating").
		WithMetadata("from_role_arn", aws.ToString(current.ServiceAccountRoleArn)).
		WithMetadata("role_arn", roleARN).
		WithMetadata("status", string(current.Status)))

	if _, err := s.eks.UpdateAddon(ctx, input); err != nil {
		return bootstrap.OutcomeAlreadyExists, fmt.Errorf("failed to update EKS add-on %s: %w", StorageDriverAddon, err)
	}
	// an update changes what was there, which counts as an install
	return bootstrap.OutcomeCreated, nil
}

func (s *StorageDriver) waitActive(ctx context.Context, clusterName string) error {
	waiter := eks.NewAddonActiveWaiter(s.eks, func(o *eks.AddonActiveWaiterOptions) {
		if s.waiterDelay > 0 {
			o.MinDelay = s.waiterDelay
			o.MaxDelay = s.waiterDelay
		}
	})

	err := waiter.Wait(ctx, &eks.DescribeAddonInput{
		ClusterName: aws.String(clusterName),
		AddonName:   aws.String(StorageDriverAddon),
	}, s.timeout)
	if err != nil {
		return fmt.Errorf("EKS add-on %s did not become active: %w", StorageDriverAddon, err)
	}

	status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("EKS add-on %s is active", StorageDriverAddon)).
		WithResource("eks-addon").
		WithAction("active"))
	return nil
}
