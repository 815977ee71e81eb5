package addons

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	rbacv1 "k8s.io/api/rbac/v1"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	kube "github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

const (
	// AdminBindingName is the ClusterRoleBinding granting the caller cluster-admin.
	AdminBindingName = "eksboot-admin"

	clusterAdminRole = "cluster-admin"
	accessEntryType  = "STANDARD"
)

// AdminAccess grants the caller's own IAM identity cluster-admin: an EKS
// access entry maps the principal to a Kubernetes username, and a
// ClusterRoleBinding binds that username to cluster-admin.
type AdminAccess struct {
	cluster Cluster
	eks     cloud.EKSAPI
	sts     cloud.STSAPI
	tags    map[string]string
}

var _ bootstrap.AddonInstaller = (*AdminAccess)(nil)

// NewAdminAccess creates an AdminAccess.
func NewAdminAccess(cluster Cluster, eksClient cloud.EKSAPI, stsClient cloud.STSAPI, tags map[string]string) *AdminAccess {
	return &AdminAccess{cluster: cluster, eks: eksClient, sts: stsClient, tags: tags}
}

func (a *AdminAccess) Name() string { return NameAdminAccess }

func (a *AdminAccess) Install(ctx context.Context, bctx bootstrap.BootstrapContext) bootstrap.AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "addons.AdminAccess.Install")
	defer span.End()

	clusterName := bctx.Request.ClusterName

	identity, err := a.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		err = fmt.Errorf("failed to get caller identity: %w", err)
		span.RecordError(err)
		return bootstrap.Failed(a.Name(), err)
	}

	principal, err := PrincipalARN(aws.ToString(identity.Arn))
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(a.Name(), err)
	}
	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("principal_arn", principal),
	)

	entryOutcome, err := a.ensureAccessEntry(ctx, clusterName, principal)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(a.Name(), err)
	}

	client, err := a.cluster.Clientset(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(a.Name(), err)
	}

	bindingOutcome, err := kube.EnsureClusterRoleBinding(ctx, client, AdminBindingName, clusterAdminRole, []rbacv1.Subject{{
		Kind:     rbacv1.UserKind,
		APIGroup: rbacv1.GroupName,
		Name:     principal,
	}})
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(a.Name(), err)
	}

	return bootstrap.FromOutcome(a.Name(), entryOutcome.Merge(bindingOutcome))
}

// ensureAccessEntry maps principal to a Kubernetes user of the same name.
// An existing entry, including the one EKS creates for the cluster creator,
// is left as it is.
func (a *AdminAccess) ensureAccessEntry(ctx context.Context, clusterName, principal string) (bootstrap.Outcome, error) {
	_, err := a.eks.CreateAccessEntry(ctx, &eks.CreateAccessEntryInput{
		ClusterName:  aws.String(clusterName),
		PrincipalArn: aws.String(principal),
		Username:     aws.String(principal),
		Type:         aws.String(accessEntryType),
		Tags:         cloud.BaseTags(a.tags, clusterName, cloud.ResourceTypeAccessEntry),
	})
	if err != nil {
		if cloud.ErrorCode(err) == "ResourceInUseException" {
			status.Send(ctx, status.NewUpdate(status.LevelInfo, "Access entry for caller already exists").
				WithResource("access-entry").
				WithAction("exists").
				WithMetadata("principal_arn", principal))
			return bootstrap.OutcomeAlreadyExists, nil
		}
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to create access entry for %s: %w", principal, err)
	}

	status.Send(ctx, status.NewUpdate(status.LevelSuccess, "Created access entry for caller").
		WithResource("access-entry").
		WithAction("created").
		WithMetadata("principal_arn", principal))
	return bootstrap.OutcomeCreated, nil
}

// PrincipalARN turns a caller identity ARN into the IAM principal an access
// entry accepts. Assumed-role session ARNs
// (arn:aws:sts::123456789012:assumed-role/Admin/session) become the role ARN
// (arn:aws:iam::123456789012:role/Admin); other ARNs pass through. Role
// paths are not recoverable from a session ARN.
func PrincipalARN(callerARN string) (string, error) {
	parsed, err := arn.Parse(callerARN)
	if err != nil {
		return "", fmt.Errorf("invalid caller ARN %q: %w", callerARN, err)
	}
	if parsed.Service != "sts" {
		return callerARN, nil
	}

	parts := strings.Split(parsed.Resource, "/")
	if len(parts) < 2 || parts[0] != "assumed-role" || parts[1] == "" {
		return "", fmt.Errorf("unsupported caller ARN %q: only assumed-role sessions can be mapped to an IAM principal", callerARN)
	}

	return arn.ARN{
		Partition: parsed.Partition,
		Service:   "iam",
		AccountID: parsed.AccountID,
		Resource:  "role/" + parts[1],
	}.String(), nil
}
