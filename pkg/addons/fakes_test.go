package addons

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/nebari-dev/eks-bootstrap/pkg/applier"
	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud/cloudtest"
)

// fakeApplier remembers what it applied and installed, and reports objects
// and releases as already present from the second time it sees them.
type fakeApplier struct {
	mu       sync.Mutex
	applied  [][]byte
	packages []applier.Package
	values   []map[string]any
	seen     map[string]bool

	applyErr   error
	packageErr error
}

var _ applier.Applier = (*fakeApplier)(nil)

func (f *fakeApplier) Apply(_ context.Context, manifest []byte) (bootstrap.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, manifest)
	if f.applyErr != nil {
		return bootstrap.OutcomeCreated, f.applyErr
	}
	return f.mark("manifest:" + string(manifest)), nil
}

func (f *fakeApplier) InstallPackage(_ context.Context, pkg applier.Package, values map[string]any) (applier.PackageOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.packages = append(f.packages, pkg)
	f.values = append(f.values, values)
	if f.packageErr != nil {
		return applier.PackageInstalled, f.packageErr
	}
	if f.mark("package:"+pkg.Name+"@"+pkg.Version) == bootstrap.OutcomeAlreadyExists {
		return applier.PackageUnchanged, nil
	}
	return applier.PackageInstalled, nil
}

func (f *fakeApplier) mark(key string) bootstrap.Outcome {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return bootstrap.OutcomeAlreadyExists
	}
	f.seen[key] = true
	return bootstrap.OutcomeCreated
}

func (f *fakeApplier) appliedContaining(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.applied {
		if strings.Contains(string(m), s) {
			n++
		}
	}
	return n
}

type fakeCluster struct {
	client k8s.Interface
	app    *fakeApplier
	err    error
}

var _ Cluster = (*fakeCluster)(nil)

func (f *fakeCluster) Clientset(context.Context) (k8s.Interface, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeCluster) Applier(context.Context) (applier.Applier, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.app, nil
}

// fakeAddons is an in-memory EKS add-on backend for one cluster.
type fakeAddons struct {
	mu      sync.Mutex
	addon   *ekstypes.Addon
	creates int
	updates int

	createErr error
	// settle is the status an add-on lands in after create or update.
	settle ekstypes.AddonStatus
}

func (f *fakeAddons) client() *cloudtest.MockEKSClient {
	return &cloudtest.MockEKSClient{
		DescribeAddonFunc: func(_ context.Context, in *eks.DescribeAddonInput, _ ...func(*eks.Options)) (*eks.DescribeAddonOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.addon == nil {
				return nil, cloudtest.APIError("ResourceNotFoundException", "No addon: "+aws.ToString(in.AddonName)+" found in cluster: "+aws.ToString(in.ClusterName))
			}
			addon := *f.addon
			return &eks.DescribeAddonOutput{Addon: &addon}, nil
		},
		CreateAddonFunc: func(_ context.Context, in *eks.CreateAddonInput, _ ...func(*eks.Options)) (*eks.CreateAddonOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.creates++
			if f.createErr != nil {
				return nil, f.createErr
			}
			f.addon = &ekstypes.Addon{
				AddonName:             in.AddonName,
				AddonVersion:          versionOr(in.AddonVersion),
				ServiceAccountRoleArn: in.ServiceAccountRoleArn,
				Status:                f.settled(),
				Tags:                  in.Tags,
			}
			return &eks.CreateAddonOutput{Addon: f.addon}, nil
		},
		UpdateAddonFunc: func(_ context.Context, in *eks.UpdateAddonInput, _ ...func(*eks.Options)) (*eks.UpdateAddonOutput, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.updates++
			f.addon.ServiceAccountRoleArn = in.ServiceAccountRoleArn
			if in.AddonVersion != nil {
				f.addon.AddonVersion = in.AddonVersion
			}
			f.addon.Status = f.settled()
			return &eks.UpdateAddonOutput{}, nil
		},
	}
}

func (f *fakeAddons) settled() ekstypes.AddonStatus {
	if f.settle == "" {
		return ekstypes.AddonStatusActive
	}
	return f.settle
}

func versionOr(v *string) *string {
	if v == nil {
		return aws.String("v1.44.0-eksbuild.1")
	}
	return v
}
