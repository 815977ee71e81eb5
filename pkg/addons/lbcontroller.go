package addons

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/applier"
	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/helm"
	kube "github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

const (
	lbControllerPurpose        = "aws-load-balancer-controller"
	lbControllerNamespace      = "kube-system"
	lbControllerServiceAccount = "aws-load-balancer-controller"
	lbControllerRelease        = "aws-load-balancer-controller"

	// RoleARNAnnotation binds a service account to an IAM role through IRSA.
	RoleARNAnnotation = "eks.amazonaws.com/role-arn"

	// elbSubnetTag marks public subnets the controller may place load balancers in.
	elbSubnetTag = "kubernetes.io/role/elb"
)

// LoadBalancerControllerChart is the chart the controller is installed from.
var LoadBalancerControllerChart = helm.ChartRef{
	RepoName: "eks",
	RepoURL:  "https://aws.github.io/eks-charts",
	Name:     "aws-load-balancer-controller",
}

// LoadBalancerController installs the AWS Load Balancer Controller chart with
// a pre-created, role-annotated service account.
type LoadBalancerController struct {
	cluster Cluster
	ec2     cloud.EC2API
	version string
	timeout time.Duration
}

var (
	_ bootstrap.AddonInstaller = (*LoadBalancerController)(nil)
	_ bootstrap.RoleConsumer   = (*LoadBalancerController)(nil)
)

// NewLoadBalancerController creates a LoadBalancerController. ec2Client may be
// nil, which skips the subnet pre-flight check.
func NewLoadBalancerController(cluster Cluster, ec2Client cloud.EC2API, version string, timeout time.Duration) *LoadBalancerController {
	return &LoadBalancerController{cluster: cluster, ec2: ec2Client, version: version, timeout: timeout}
}

func (l *LoadBalancerController) Name() string { return NameLoadBalancerController }

// RoleRequest asks for a role carrying the controller policy the stack
// created. No role is requested when the stack exported neither the policy
// nor a ready-made role.
func (l *LoadBalancerController) RoleRequest(outputs bootstrap.StackOutputs) (bootstrap.RoleRequest, bool) {
	req := bootstrap.RoleRequest{
		Purpose:        lbControllerPurpose,
		Namespace:      lbControllerNamespace,
		ServiceAccount: lbControllerServiceAccount,
		OutputKey:      bootstrap.OutputLBControllerRoleARN,
	}
	if policy := outputs.Get(bootstrap.OutputLBControllerPolicyARN); policy != "" {
		req.Policies = []string{policy}
		return req, true
	}
	return req, outputs.Get(bootstrap.OutputLBControllerRoleARN) != ""
}

func (l *LoadBalancerController) Install(ctx context.Context, bctx bootstrap.BootstrapContext) bootstrap.AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "addons.LoadBalancerController.Install")
	defer span.End()

	clusterName := bctx.Request.ClusterName
	vpcID := bctx.Outputs.VPCID()
	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("vpc_id", vpcID),
		attribute.String("chart_version", l.version),
	)

	roleARN, ok := bctx.RoleARN(lbControllerPurpose)
	if !ok {
		err := fmt.Errorf("no role provisioned for %s; stack exported no %s", lbControllerPurpose, bootstrap.OutputLBControllerPolicyARN)
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}
	if vpcID == "" {
		err := fmt.Errorf("stack outputs carry no %s", bootstrap.OutputVPCID)
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}

	l.checkSubnets(ctx, vpcID, bctx.Outputs.SubnetIDs())

	client, err := l.cluster.Clientset(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}

	saOutcome, err := kube.EnsureServiceAccount(ctx, client, lbControllerNamespace, lbControllerServiceAccount, map[string]string{
		RoleARNAnnotation: roleARN,
	})
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}

	app, err := l.cluster.Applier(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}

	pkgOutcome, err := app.InstallPackage(ctx, applier.Package{
		Name:      lbControllerRelease,
		Namespace: lbControllerNamespace,
		Chart:     LoadBalancerControllerChart,
		Version:   l.version,
		Wait:      true,
		Timeout:   l.timeout,
	}, lbControllerValues(clusterName, bctx.Request.Region, vpcID))
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(l.Name(), err)
	}

	span.SetAttributes(attribute.String("package_outcome", pkgOutcome.String()))

	return bootstrap.FromOutcome(l.Name(), saOutcome.Merge(pkgOutcome.Outcome()))
}

func lbControllerValues(clusterName, region, vpcID string) map[string]any {
	return map[string]any{
		"clusterName": clusterName,
		"region":      region,
		"vpcId":       vpcID,
		"serviceAccount": map[string]any{
			"create": false,
			"name":   lbControllerServiceAccount,
		},
	}
}

// checkSubnets warns when the VPC has no subnet tagged for internet-facing
// load balancers. The install goes ahead either way.
func (l *LoadBalancerController) checkSubnets(ctx context.Context, vpcID string, subnetIDs []string) {
	if l.ec2 == nil {
		return
	}

	in := &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("tag-key"), Values: []string{elbSubnetTag}},
		},
	}
	// only the stack's own public subnets matter when it reports them
	if len(subnetIDs) > 0 {
		in.SubnetIds = subnetIDs
	}

	out, err := l.ec2.DescribeSubnets(ctx, in)
	if err != nil {
		status.Send(ctx, status.NewUpdate(status.LevelWarning, "Could not check load balancer subnets").
			WithResource("subnet").
			WithAction("preflight").
			WithMetadata("vpc_id", vpcID).
			WithError(err))
		return
	}

	if len(out.Subnets) == 0 {
		status.Send(ctx, status.NewUpdate(status.LevelWarning, fmt.Sprintf("No subnets in %s are tagged %s; internet-facing load balancers will not be provisioned", vpcID, elbSubnetTag)).
			WithResource("subnet").
			WithAction("preflight").
			WithMetadata("vpc_id", vpcID))
	}
}
