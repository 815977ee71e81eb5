package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakeDeployer struct {
	outputs StackOutputs
	err     error

	// pollsUntilReady simulates a poll loop before the stack completes.
	pollsUntilReady int
	// block makes Deploy wait for ctx to end.
	block bool

	deployCalls  int
	outputsCalls int
	polls        int
}

func (f *fakeDeployer) Deploy(ctx context.Context, req BootstrapRequest) (StackOutputs, error) {
	f.deployCalls++
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("waiting for stack %s: %w", req.StackName, ctx.Err())
	}
	for f.polls < f.pollsUntilReady {
		f.polls++
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs, nil
}

func (f *fakeDeployer) Outputs(ctx context.Context, stackName string) (StackOutputs, error) {
	f.outputsCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs, nil
}

type fakeAccess struct {
	err   error
	calls int
}

func (f *fakeAccess) Configure(ctx context.Context, clusterName string) error {
	f.calls++
	return f.err
}

// fakeRoles remembers created roles so a second run sees them as existing.
type fakeRoles struct {
	mu       sync.Mutex
	err      error
	// block makes EnsureRole wait for ctx to end.
	block    bool
	requests []RoleRequest
	created  map[string]string
	creates  int
}

func (f *fakeRoles) EnsureRole(ctx context.Context, clusterName, issuer string, req RoleRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.block {
		<-ctx.Done()
		return "", Fatal(ReasonRoleFailed, fmt.Errorf("failed to look up role %s-%s: %w", clusterName, req.Purpose, ctx.Err()))
	}
	if f.err != nil {
		return "", f.err
	}
	if f.created == nil {
		f.created = make(map[string]string)
	}
	name := clusterName + "-" + req.Purpose
	if arn, ok := f.created[name]; ok {
		return arn, nil
	}
	f.creates++
	arn := "arn:aws:iam::123456789012:role/" + name
	f.created[name] = arn
	return arn, nil
}

// fakeAddon installs once and reports already-present afterwards.
type fakeAddon struct {
	name      string
	role      *RoleRequest
	err       error
	installed bool
	calls     int
	seen      BootstrapContext
}

func (f *fakeAddon) Name() string { return f.name }

func (f *fakeAddon) Install(ctx context.Context, bctx BootstrapContext) AddonInstallResult {
	f.calls++
	f.seen = bctx
	if f.err != nil {
		return Failed(f.name, f.err)
	}
	if f.role != nil {
		if _, ok := bctx.RoleARN(f.role.Purpose); !ok {
			return Failed(f.name, errors.New("role missing from context"))
		}
	}
	if f.installed {
		return AlreadyPresent(f.name)
	}
	f.installed = true
	return Installed(f.name)
}

type fakeRoleAddon struct {
	*fakeAddon
}

func (f fakeRoleAddon) RoleRequest(outputs StackOutputs) (RoleRequest, bool) {
	return *f.role, true
}

func demoRequest() BootstrapRequest {
	return BootstrapRequest{
		ClusterName:      "demo",
		StackName:        "demo-stack",
		NodeInstanceType: "t3.small",
		NodeCount:        3,
		MinNodes:         1,
		MaxNodes:         5,
	}
}

func demoOutputs() StackOutputs {
	return StackOutputs{
		OutputOIDCIssuerURL: "https://oidc.example/abc",
		OutputVPCID:         "vpc-0123",
	}
}

// standardAddons mirrors the production add-on order.
func standardAddons() []*fakeAddon {
	return []*fakeAddon{
		{name: "storage-driver", role: &RoleRequest{Purpose: "ebs-csi", Namespace: "kube-system", ServiceAccount: "ebs-csi-controller-sa"}},
		{name: "load-balancer-controller", role: &RoleRequest{Purpose: "aws-load-balancer-controller", Namespace: "kube-system", ServiceAccount: "aws-load-balancer-controller"}},
		{name: "metrics-pipeline"},
		{name: "default-storage-class"},
		{name: "admin-access-binding"},
	}
}

func asInstallers(addons []*fakeAddon) []AddonInstaller {
	out := make([]AddonInstaller, 0, len(addons))
	for _, a := range addons {
		if a.role != nil {
			out = append(out, fakeRoleAddon{a})
		} else {
			out = append(out, a)
		}
	}
	return out
}

func totalCalls(addons []*fakeAddon) int {
	n := 0
	for _, a := range addons {
		n += a.calls
	}
	return n
}
