// Package identity provisions the IAM roles add-on service accounts assume
// through the cluster's OIDC provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// Provisioner implements bootstrap.RoleProvisioner on IAM.
type Provisioner struct {
	iam   cloud.IAMAPI
	sts   cloud.STSAPI
	retry cloud.RetryPolicy
	tags  map[string]string

	mu        sync.Mutex
	partition string
	accountID string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRetryPolicy sets the retry policy for throttled IAM calls.
func WithRetryPolicy(p cloud.RetryPolicy) Option {
	return func(pr *Provisioner) {
		pr.retry = p
	}
}

// WithTags adds user tags to every role created.
func WithTags(tags map[string]string) Option {
	return func(pr *Provisioner) {
		pr.tags = tags
	}
}

// WithAccount pins the partition and account, skipping the caller identity lookup.
func WithAccount(partition, accountID string) Option {
	return func(pr *Provisioner) {
		pr.partition = partition
		pr.accountID = accountID
	}
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(iamClient cloud.IAMAPI, stsClient cloud.STSAPI, opts ...Option) *Provisioner {
	p := &Provisioner{
		iam:   iamClient,
		sts:   stsClient,
		retry: cloud.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureRole returns the ARN of the role for req, creating it if no role of
// that name exists. An existing role is reused; its trust policy is checked
// but never rewritten, and missing permission policies are attached.
func (p *Provisioner) EnsureRole(ctx context.Context, clusterName, issuer string, req bootstrap.RoleRequest) (string, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "identity.EnsureRole")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("purpose", req.Purpose),
		attribute.String("subject", req.Subject()),
	)

	partition, accountID, err := p.accountFor(ctx, req.ProviderARN)
	if err != nil {
		span.RecordError(err)
		return "", classify(fmt.Errorf("failed to resolve caller account: %w", err))
	}

	spec, err := BuildRoleSpec(clusterName, partition, accountID, issuer, req,
		cloud.BaseTags(p.tags, clusterName, cloud.ResourceTypeIdentityRole))
	if err != nil {
		span.RecordError(err)
		return "", bootstrap.Fatal(bootstrap.ReasonInvalidRequest, err)
	}
	span.SetAttributes(attribute.String("role_name", spec.RoleName))

	role, err := p.getRole(ctx, spec.RoleName)
	if err != nil {
		span.RecordError(err)
		return "", classify(fmt.Errorf("failed to look up role %s: %w", spec.RoleName, err))
	}

	if role != nil {
		span.SetAttributes(attribute.String("outcome", bootstrap.OutcomeAlreadyExists.String()))
		status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("IAM role %s already exists, reusing it", spec.RoleName)).
			WithPhase(string(bootstrap.StateAddonsInstalling)).
			WithResource("identity-role").
			WithAction("exists").
			WithMetadata("purpose", req.Purpose))

		if !trustsSubject(aws.ToString(role.AssumeRolePolicyDocument), issuer, req.Namespace, req.ServiceAccount) {
			status.Send(ctx, status.NewUpdate(status.LevelWarning,
				fmt.Sprintf("IAM role %s does not trust %s through this cluster's OIDC provider; the add-on may be unable to assume it", spec.RoleName, req.Subject())).
				WithPhase(string(bootstrap.StateAddonsInstalling)).
				WithResource("identity-role").
				WithAction("trust-mismatch"))
		}
	} else {
		role, err = p.createRole(ctx, spec)
		if err != nil {
			span.RecordError(err)
			return "", classify(fmt.Errorf("failed to create role %s: %w", spec.RoleName, err))
		}
	}

	if err := p.attachPolicies(ctx, spec); err != nil {
		span.RecordError(err)
		return "", classify(err)
	}

	roleARN := aws.ToString(role.Arn)
	span.SetAttributes(attribute.String("role_arn", roleARN))
	return roleARN, nil
}

// accountFor takes the partition and account from providerARN when the stack
// reported one, and from the caller identity otherwise.
func (p *Provisioner) accountFor(ctx context.Context, providerARN string) (string, string, error) {
	if providerARN == "" {
		return p.account(ctx)
	}
	parsed, err := arn.Parse(providerARN)
	if err != nil {
		return "", "", bootstrap.Fatal(bootstrap.ReasonInvalidRequest, fmt.Errorf("invalid OIDC provider ARN %q: %w", providerARN, err))
	}
	return parsed.Partition, parsed.AccountID, nil
}

// account returns the caller's partition and account, looked up once.
func (p *Provisioner) account(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.partition != "" && p.accountID != "" {
		return p.partition, p.accountID, nil
	}

	out, err := cloud.Retry(ctx, p.retry, func(ctx context.Context) (*sts.GetCallerIdentityOutput, error) {
		return p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	})
	if err != nil {
		return "", "", err
	}

	parsed, err := arn.Parse(aws.ToString(out.Arn))
	if err != nil {
		return "", "", fmt.Errorf("unexpected caller ARN %q: %w", aws.ToString(out.Arn), err)
	}

	p.partition = parsed.Partition
	p.accountID = aws.ToString(out.Account)
	if p.accountID == "" {
		p.accountID = parsed.AccountID
	}
	return p.partition, p.accountID, nil
}

// getRole returns the named role, or nil when it does not exist.
func (p *Provisioner) getRole(ctx context.Context, name string) (*iamtypes.Role, error) {
	out, err := cloud.Retry(ctx, p.retry, func(ctx context.Context) (*iam.GetRoleOutput, error) {
		return p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	})
	if err != nil {
		if cloud.ErrorCode(err) == "NoSuchEntity" {
			return nil, nil
		}
		return nil, err
	}
	return out.Role, nil
}

func (p *Provisioner) createRole(ctx context.Context, spec bootstrap.IdentityRoleSpec) (*iamtypes.Role, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "identity.createRole")
	defer span.End()

	span.SetAttributes(attribute.String("role_name", spec.RoleName))

	out, err := cloud.Retry(ctx, p.retry, func(ctx context.Context) (*iam.CreateRoleOutput, error) {
		return p.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(spec.RoleName),
			AssumeRolePolicyDocument: aws.String(spec.TrustPolicy),
			Description:              aws.String(fmt.Sprintf("Service account role %s managed by eksboot", spec.RoleName)),
			Tags:                     cloud.IAMTags(spec.Tags),
		})
	})
	if err != nil {
		// another run created it between our lookup and create
		if cloud.ErrorCode(err) == "EntityAlreadyExists" {
			span.SetAttributes(attribute.String("outcome", bootstrap.OutcomeAlreadyExists.String()))
			role, getErr := p.getRole(ctx, spec.RoleName)
			if getErr != nil {
				return nil, getErr
			}
			if role != nil {
				return role, nil
			}
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", bootstrap.OutcomeCreated.String()))
	status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Created IAM role %s", spec.RoleName)).
		WithPhase(string(bootstrap.StateAddonsInstalling)).
		WithResource("identity-role").
		WithAction("created"))

	return out.Role, nil
}

// attachPolicies attaches every policy in spec not already attached.
func (p *Provisioner) attachPolicies(ctx context.Context, spec bootstrap.IdentityRoleSpec) error {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "identity.attachPolicies")
	defer span.End()

	if len(spec.Policies) == 0 {
		return nil
	}

	attached := make(map[string]bool)
	paginator := iam.NewListAttachedRolePoliciesPaginator(p.iam, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(spec.RoleName),
	})
	for paginator.HasMorePages() {
		page, err := cloud.Retry(ctx, p.retry, func(ctx context.Context) (*iam.ListAttachedRolePoliciesOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to list policies attached to role %s: %w", spec.RoleName, err)
		}
		for _, ap := range page.AttachedPolicies {
			attached[aws.ToString(ap.PolicyArn)] = true
		}
	}

	for _, policyARN := range spec.Policies {
		if attached[policyARN] {
			continue
		}

		_, err := cloud.Retry(ctx, p.retry, func(ctx context.Context) (*iam.AttachRolePolicyOutput, error) {
			return p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  aws.String(spec.RoleName),
				PolicyArn: aws.String(policyARN),
			})
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to attach policy %s to role %s: %w", policyARN, spec.RoleName, err)
		}

		span.SetAttributes(attribute.String(fmt.Sprintf("attached_policy.%s", policyARN), "true"))
	}

	return nil
}

// classify maps IAM errors onto bootstrap error classes. Throttling that
// outlasted the retry budget stays retryable so a later run may succeed.
func classify(err error) error {
	if bootstrap.ReasonOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return bootstrap.Fatal(bootstrap.ReasonTimeout, err)
	case cloud.IsAccessDenied(err):
		return bootstrap.Fatal(bootstrap.ReasonPermissionDenied, err)
	case cloud.IsThrottle(err):
		return bootstrap.Retryable(bootstrap.ReasonThrottled, err)
	default:
		return bootstrap.Fatal(bootstrap.ReasonRoleFailed, err)
	}
}
