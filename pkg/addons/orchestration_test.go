package addons

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
)

type stackOutputs bootstrap.StackOutputs

func (s stackOutputs) Deploy(context.Context, bootstrap.BootstrapRequest) (bootstrap.StackOutputs, error) {
	return bootstrap.StackOutputs(s), nil
}

func (s stackOutputs) Outputs(context.Context, string) (bootstrap.StackOutputs, error) {
	return bootstrap.StackOutputs(s), nil
}

type reachable struct{}

func (reachable) Configure(context.Context, string) error { return nil }

// namedRoles hands out one ARN per purpose and counts distinct creations.
type namedRoles struct {
	created map[string]string
}

func (r *namedRoles) EnsureRole(_ context.Context, clusterName, _ string, req bootstrap.RoleRequest) (string, error) {
	if r.created == nil {
		r.created = make(map[string]string)
	}
	if arn, ok := r.created[req.Purpose]; ok {
		return arn, nil
	}
	arn := "arn:aws:iam::123456789012:role/" + clusterName + "-" + req.Purpose
	r.created[req.Purpose] = arn
	return arn, nil
}

type orchestrationFixture struct {
	addons  *fakeAddons
	entries *accessEntries
	app     *fakeApplier
	roles   *namedRoles
	cluster *fakeCluster
}

func newFixture() *orchestrationFixture {
	app := &fakeApplier{}
	return &orchestrationFixture{
		addons:  &fakeAddons{},
		entries: &accessEntries{},
		app:     app,
		roles:   &namedRoles{},
		cluster: &fakeCluster{client: fake.NewClientset(), app: app},
	}
}

func (f *orchestrationFixture) orchestrator() *bootstrap.Orchestrator {
	eksClient := f.addons.client()
	eksClient.CreateAccessEntryFunc = f.entries.client().CreateAccessEntryFunc

	storage := NewStorageDriver(eksClient, "", nil, time.Second)
	storage.waiterDelay = time.Millisecond

	installers := []bootstrap.AddonInstaller{
		storage,
		NewLoadBalancerController(f.cluster, subnetsMock(2), "1.13.0", time.Minute),
		NewMetricsPipeline(f.cluster),
		NewDefaultStorageClass(f.cluster),
		NewAdminAccess(f.cluster, eksClient, callerMock("arn:aws:sts::123456789012:assumed-role/Admin/jane"), nil),
	}
	return bootstrap.NewOrchestrator(stackOutputs(testContext().Outputs), reachable{}, f.roles, installers)
}

func outcomes(result bootstrap.BootstrapResult) map[string]bootstrap.AddonOutcome {
	out := make(map[string]bootstrap.AddonOutcome)
	for _, a := range result.Addons {
		out[a.Name] = a.Outcome
	}
	return out
}

func TestInstallAddonsTwice_SecondRunAllAlreadyPresent(t *testing.T) {
	f := newFixture()
	req := testContext().Request

	first := f.orchestrator().InstallAddons(context.Background(), req)
	require.Equal(t, bootstrap.StateReady, first.State, "first run: %v", first.Err)
	for name, outcome := range outcomes(first) {
		assert.Equal(t, bootstrap.AddonInstalled, outcome, name)
	}

	second := f.orchestrator().InstallAddons(context.Background(), req)
	require.Equal(t, bootstrap.StateReady, second.State)
	require.Len(t, second.Addons, 5)
	for name, outcome := range outcomes(second) {
		assert.Equal(t, bootstrap.AddonAlreadyPresent, outcome, name)
	}

	assert.Equal(t, 1, f.addons.creates, "EKS add-on created once")
	assert.Len(t, f.entries.entries, 1, "one access entry")
	assert.Len(t, f.roles.created, 2, "one role per purpose")
}

func TestInstallAddons_LoadBalancerFailureIsIsolated(t *testing.T) {
	f := newFixture()
	f.app.packageErr = errors.New("chart repository unreachable")

	result := f.orchestrator().InstallAddons(context.Background(), testContext().Request)

	assert.Equal(t, bootstrap.StatePartiallyReady, result.State)
	require.Len(t, result.Addons, 5)

	failed := result.FailedAddons()
	require.Len(t, failed, 1)
	assert.Equal(t, NameLoadBalancerController, failed[0].Name)

	got := outcomes(result)
	for _, name := range []string{NameStorageDriver, NameMetricsPipeline, NameDefaultStorageClass, NameAdminAccess} {
		assert.Equal(t, bootstrap.AddonInstalled, got[name], name)
	}
}
