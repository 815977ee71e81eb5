package addons

import (
	"context"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/nebari-dev/eks-bootstrap/pkg/applier"
	"github.com/nebari-dev/eks-bootstrap/pkg/helm"
	kube "github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
)

// Cluster hands installers their view of the bootstrapped cluster. It is
// consulted at install time, after access has been configured.
type Cluster interface {
	Clientset(ctx context.Context) (k8s.Interface, error)
	Applier(ctx context.Context) (applier.Applier, error)
}

// KubeconfigCluster builds clients from a kubeconfig on first use.
type KubeconfigCluster struct {
	clients  *kube.Lazy
	releases applier.Releaser
}

var _ Cluster = (*KubeconfigCluster)(nil)

// NewKubeconfigCluster returns a Cluster for context in the kubeconfig at
// path. An empty context uses the current context, which the access
// configurator points at the new cluster.
func NewKubeconfigCluster(path, contextName string) *KubeconfigCluster {
	return &KubeconfigCluster{
		clients:  kube.NewLazy(path, contextName),
		releases: helm.NewClient(path, contextName),
	}
}

func (c *KubeconfigCluster) Clientset(ctx context.Context) (k8s.Interface, error) {
	clients, err := c.clients.Get(ctx)
	if err != nil {
		return nil, err
	}
	return clients.Typed, nil
}

func (c *KubeconfigCluster) Applier(ctx context.Context) (applier.Applier, error) {
	clients, err := c.clients.Get(ctx)
	if err != nil {
		return nil, err
	}
	return applier.New(clients.Dynamic, clients.Mapper, c.releases), nil
}
