package identity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud/cloudtest"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// fakeIAM is a small in-memory IAM backing the mock client.
type fakeIAM struct {
	mu       sync.Mutex
	roles    map[string]*iamtypes.Role
	attached map[string][]string
	creates  int
	attaches int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{roles: map[string]*iamtypes.Role{}, attached: map[string][]string{}}
}

func (f *fakeIAM) client() *cloudtest.MockIAMClient {
	return &cloudtest.MockIAMClient{
		GetRoleFunc: func(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			role, ok := f.roles[aws.ToString(in.RoleName)]
			if !ok {
				return nil, cloudtest.APIError("NoSuchEntity", "The role cannot be found")
			}
			return &iam.GetRoleOutput{Role: role}, nil
		},
		CreateRoleFunc: func(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			name := aws.ToString(in.RoleName)
			if _, ok := f.roles[name]; ok {
				return nil, cloudtest.APIError("EntityAlreadyExists", "Role already exists")
			}
			f.creates++
			role := &iamtypes.Role{
				RoleName:                 in.RoleName,
				Arn:                      aws.String("arn:aws:iam::123456789012:role/" + name),
				AssumeRolePolicyDocument: in.AssumeRolePolicyDocument,
				Tags:                     in.Tags,
			}
			f.roles[name] = role
			return &iam.CreateRoleOutput{Role: role}, nil
		},
		ListAttachedRolePoliciesFunc: func(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			out := &iam.ListAttachedRolePoliciesOutput{}
			for _, p := range f.attached[aws.ToString(in.RoleName)] {
				out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: aws.String(p)})
			}
			return out, nil
		},
		AttachRolePolicyFunc: func(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.attaches++
			name := aws.ToString(in.RoleName)
			f.attached[name] = append(f.attached[name], aws.ToString(in.PolicyArn))
			return &iam.AttachRolePolicyOutput{}, nil
		},
	}
}

func stsFor(account string) *cloudtest.MockSTSClient {
	return &cloudtest.MockSTSClient{
		GetCallerIdentityFunc: func(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			return &sts.GetCallerIdentityOutput{
				Account: aws.String(account),
				Arn:     aws.String("arn:aws:sts::" + account + ":assumed-role/Admin/session"),
			}, nil
		},
	}
}

func fastRetry() cloud.RetryPolicy {
	return cloud.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func ebsRequest() bootstrap.RoleRequest {
	return bootstrap.RoleRequest{
		Purpose:        "ebs-csi",
		Namespace:      "kube-system",
		ServiceAccount: "ebs-csi-controller-sa",
		Policies:       []string{"service-role/AmazonEBSCSIDriverPolicy"},
	}
}

func TestEnsureRole_CreatesScopedRole(t *testing.T) {
	fake := newFakeIAM()
	p := NewProvisioner(fake.client(), stsFor("123456789012"), WithRetryPolicy(fastRetry()), WithTags(map[string]string{"team": "platform"}))

	roleARN, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest())
	if err != nil {
		t.Fatalf("EnsureRole() error = %v", err)
	}
	if roleARN != "arn:aws:iam::123456789012:role/demo-ebs-csi" {
		t.Errorf("roleARN = %q", roleARN)
	}

	role := fake.roles["demo-ebs-csi"]
	var doc PolicyDocument
	if err := json.Unmarshal([]byte(aws.ToString(role.AssumeRolePolicyDocument)), &doc); err != nil {
		t.Fatalf("stored trust policy is not JSON: %v", err)
	}
	sub := doc.Statement[0].Condition["StringEquals"][IssuerHost(testIssuer)+":sub"]
	if sub != "system:serviceaccount:kube-system:ebs-csi-controller-sa" {
		t.Errorf("trust subject = %q", sub)
	}

	if got := fake.attached["demo-ebs-csi"]; len(got) != 1 || got[0] != "arn:aws:iam::aws:policy/service-role/AmazonEBSCSIDriverPolicy" {
		t.Errorf("attached policies = %v", got)
	}

	tags := map[string]string{}
	for _, tag := range role.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	if tags[cloud.TagManagedBy] != cloud.ManagedByValue || tags["team"] != "platform" {
		t.Errorf("role tags = %v", tags)
	}
}

func TestEnsureRole_Idempotent(t *testing.T) {
	fake := newFakeIAM()
	p := NewProvisioner(fake.client(), stsFor("123456789012"), WithRetryPolicy(fastRetry()))

	first, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest())
	if err != nil {
		t.Fatalf("first EnsureRole() error = %v", err)
	}

	recorder := &status.Recorder{}
	ctx, cleanup := status.StartHandler(context.Background(), recorder.Handle)
	second, err := p.EnsureRole(ctx, "demo", testIssuer, ebsRequest())
	cleanup()

	if err != nil {
		t.Fatalf("second EnsureRole() error = %v", err)
	}
	if first != second {
		t.Errorf("ARN changed between runs: %q then %q", first, second)
	}
	if fake.creates != 1 {
		t.Errorf("CreateRole called %d times, want 1", fake.creates)
	}
	if fake.attaches != 1 {
		t.Errorf("AttachRolePolicy called %d times, want 1", fake.attaches)
	}
	for _, u := range recorder.Updates() {
		if u.Level == status.LevelWarning {
			t.Errorf("unexpected warning on reuse: %s", u.Message)
		}
	}
}

func TestEnsureRole_WarnsOnForeignTrustPolicy(t *testing.T) {
	fake := newFakeIAM()
	fake.roles["demo-ebs-csi"] = &iamtypes.Role{
		RoleName:                 aws.String("demo-ebs-csi"),
		Arn:                      aws.String("arn:aws:iam::123456789012:role/demo-ebs-csi"),
		AssumeRolePolicyDocument: aws.String(`{"Version":"2012-10-17","Statement":[]}`),
	}
	p := NewProvisioner(fake.client(), stsFor("123456789012"), WithRetryPolicy(fastRetry()))

	recorder := &status.Recorder{}
	ctx, cleanup := status.StartHandler(context.Background(), recorder.Handle)
	_, err := p.EnsureRole(ctx, "demo", testIssuer, ebsRequest())
	cleanup()

	if err != nil {
		t.Fatalf("EnsureRole() error = %v", err)
	}
	if fake.creates != 0 {
		t.Error("an existing role must not be recreated")
	}

	var warned bool
	for _, u := range recorder.Updates() {
		if u.Level == status.LevelWarning && u.Action == "trust-mismatch" {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a trust-mismatch warning")
	}
}

func TestEnsureRole_AccessDeniedIsFatal(t *testing.T) {
	calls := 0
	client := &cloudtest.MockIAMClient{
		GetRoleFunc: func(context.Context, *iam.GetRoleInput, ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
			calls++
			return nil, cloudtest.AccessDenied()
		},
	}
	p := NewProvisioner(client, stsFor("1"), WithRetryPolicy(fastRetry()))

	_, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest())

	if !bootstrap.IsFatal(err) {
		t.Fatalf("EnsureRole() error = %v, want fatal", err)
	}
	if got := bootstrap.ReasonOf(err); got != bootstrap.ReasonPermissionDenied {
		t.Errorf("reason = %q, want %q", got, bootstrap.ReasonPermissionDenied)
	}
	if calls != 1 {
		t.Errorf("GetRole called %d times, access denied must not be retried", calls)
	}
}

func TestEnsureRole_ThrottlingIsRetried(t *testing.T) {
	fake := newFakeIAM()
	client := fake.client()
	get := client.GetRoleFunc
	throttles := 2
	client.GetRoleFunc = func(ctx context.Context, in *iam.GetRoleInput, opts ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
		if throttles > 0 {
			throttles--
			return nil, cloudtest.Throttle()
		}
		return get(ctx, in, opts...)
	}
	p := NewProvisioner(client, stsFor("1"), WithRetryPolicy(fastRetry()))

	if _, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest()); err != nil {
		t.Fatalf("EnsureRole() error = %v", err)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want 1", fake.creates)
	}
}

func TestEnsureRole_ExhaustedThrottlingIsRetryable(t *testing.T) {
	calls := 0
	client := &cloudtest.MockIAMClient{
		GetRoleFunc: func(context.Context, *iam.GetRoleInput, ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
			calls++
			return nil, cloudtest.Throttle()
		},
	}
	p := NewProvisioner(client, stsFor("1"), WithRetryPolicy(fastRetry()))

	_, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest())

	if !bootstrap.IsRetryable(err) {
		t.Fatalf("EnsureRole() error = %v, want retryable", err)
	}
	if calls != 3 {
		t.Errorf("GetRole called %d times, want 3", calls)
	}
}

func TestEnsureRole_CreateRace(t *testing.T) {
	fake := newFakeIAM()
	client := fake.client()
	get := client.GetRoleFunc
	first := true
	client.GetRoleFunc = func(ctx context.Context, in *iam.GetRoleInput, opts ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
		if first {
			first = false
			// someone else creates the role right after our lookup
			fake.roles[aws.ToString(in.RoleName)] = &iamtypes.Role{
				RoleName: in.RoleName,
				Arn:      aws.String("arn:aws:iam::1:role/" + aws.ToString(in.RoleName)),
			}
			return nil, cloudtest.APIError("NoSuchEntity", "not found")
		}
		return get(ctx, in, opts...)
	}
	p := NewProvisioner(client, stsFor("1"), WithRetryPolicy(fastRetry()))

	roleARN, err := p.EnsureRole(context.Background(), "demo", testIssuer, ebsRequest())
	if err != nil {
		t.Fatalf("EnsureRole() error = %v", err)
	}
	if roleARN != "arn:aws:iam::1:role/demo-ebs-csi" {
		t.Errorf("roleARN = %q", roleARN)
	}
}

func TestEnsureRole_InvalidRequest(t *testing.T) {
	p := NewProvisioner(newFakeIAM().client(), nil, WithAccount("aws", "1"), WithRetryPolicy(fastRetry()))

	req := ebsRequest()
	req.ServiceAccount = "*"

	_, err := p.EnsureRole(context.Background(), "demo", testIssuer, req)
	if got := bootstrap.ReasonOf(err); got != bootstrap.ReasonInvalidRequest {
		t.Fatalf("reason = %q, want %q (err = %v)", got, bootstrap.ReasonInvalidRequest, err)
	}
}

func TestEnsureRole_CallerIdentityLookedUpOnce(t *testing.T) {
	calls := 0
	stsClient := &cloudtest.MockSTSClient{
		GetCallerIdentityFunc: func(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			calls++
			return &sts.GetCallerIdentityOutput{
				Account: aws.String("210987654321"),
				Arn:     aws.String("arn:aws-cn:iam::210987654321:user/ops"),
			}, nil
		},
	}
	fake := newFakeIAM()
	p := NewProvisioner(fake.client(), stsClient, WithRetryPolicy(fastRetry()))

	for _, purpose := range []string{"ebs-csi", "aws-load-balancer-controller"} {
		req := ebsRequest()
		req.Purpose = purpose
		if _, err := p.EnsureRole(context.Background(), "demo", testIssuer, req); err != nil {
			t.Fatalf("EnsureRole(%s) error = %v", purpose, err)
		}
	}

	if calls != 1 {
		t.Errorf("GetCallerIdentity called %d times, want 1", calls)
	}
	if got := fake.attached["demo-ebs-csi"]; len(got) != 1 || got[0] != "arn:aws-cn:iam::aws:policy/service-role/AmazonEBSCSIDriverPolicy" {
		t.Errorf("policies did not use the caller partition: %v", got)
	}
}

func TestEnsureRole_UsesStackProviderARN(t *testing.T) {
	stsClient := &cloudtest.MockSTSClient{
		GetCallerIdentityFunc: func(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			t.Error("caller identity must not be looked up when the provider ARN is known")
			return nil, cloudtest.AccessDenied()
		},
	}
	fake := newFakeIAM()
	p := NewProvisioner(fake.client(), stsClient, WithRetryPolicy(fastRetry()))

	providerARN := "arn:aws-us-gov:iam::111122223333:oidc-provider/" + IssuerHost(testIssuer)
	req := ebsRequest()
	req.ProviderARN = providerARN

	if _, err := p.EnsureRole(context.Background(), "demo", testIssuer, req); err != nil {
		t.Fatalf("EnsureRole() error = %v", err)
	}

	var doc PolicyDocument
	if err := json.Unmarshal([]byte(aws.ToString(fake.roles["demo-ebs-csi"].AssumeRolePolicyDocument)), &doc); err != nil {
		t.Fatalf("stored trust policy is not JSON: %v", err)
	}
	if got := doc.Statement[0].Principal["Federated"]; got != providerARN {
		t.Errorf("federated principal = %q, want %q", got, providerARN)
	}
	if got := fake.attached["demo-ebs-csi"]; len(got) != 1 || got[0] != "arn:aws-us-gov:iam::aws:policy/service-role/AmazonEBSCSIDriverPolicy" {
		t.Errorf("policies did not use the provider partition: %v", got)
	}
}

func TestEnsureRole_MalformedProviderARN(t *testing.T) {
	p := NewProvisioner(newFakeIAM().client(), stsFor("1"), WithRetryPolicy(fastRetry()))

	req := ebsRequest()
	req.ProviderARN = "not-an-arn"

	_, err := p.EnsureRole(context.Background(), "demo", testIssuer, req)
	if got := bootstrap.ReasonOf(err); got != bootstrap.ReasonInvalidRequest {
		t.Fatalf("reason = %q, want %q (err = %v)", got, bootstrap.ReasonInvalidRequest, err)
	}
}

func TestEnsureRole_DeadlineIsTimeout(t *testing.T) {
	client := &cloudtest.MockIAMClient{
		GetRoleFunc: func(ctx context.Context, _ *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := NewProvisioner(client, stsFor("1"), WithRetryPolicy(fastRetry()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.EnsureRole(ctx, "demo", testIssuer, ebsRequest())
	if got := bootstrap.ReasonOf(err); got != bootstrap.ReasonTimeout {
		t.Fatalf("reason = %q, want %q (err = %v)", got, bootstrap.ReasonTimeout, err)
	}
}
