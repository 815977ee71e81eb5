// Package addons implements the add-on installers run once a cluster is
// reachable: the EBS CSI storage driver, the AWS Load Balancer Controller,
// metrics-server, a default gp3 StorageClass and an admin access binding for
// the caller.
//
// Every installer is idempotent. A second run against an unchanged cluster
// reports each add-on as already present.
package addons

import (
	"time"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
)

// Installer names, in run order.
const (
	NameStorageDriver          = "storage-driver"
	NameLoadBalancerController = "load-balancer-controller"
	NameMetricsPipeline        = "metrics-pipeline"
	NameDefaultStorageClass    = "default-storage-class"
	NameAdminAccess            = "admin-access-binding"
)

// Names returns every installer name in run order.
func Names() []string {
	return []string{
		NameStorageDriver,
		NameLoadBalancerController,
		NameMetricsPipeline,
		NameDefaultStorageClass,
		NameAdminAccess,
	}
}

// Versions pins add-on versions. Empty values take the latest available.
type Versions struct {
	StorageDriver          string
	LoadBalancerController string
}

// Config wires the installers to their collaborators.
type Config struct {
	Cluster Cluster
	EKS     cloud.EKSAPI
	EC2     cloud.EC2API
	STS     cloud.STSAPI

	Versions Versions
	Tags     map[string]string

	// EnableLoadBalancerController adds the load balancer controller to the set.
	EnableLoadBalancerController bool

	// AddonTimeout bounds waits for an add-on to become ready.
	AddonTimeout time.Duration
}

// DefaultAddonTimeout is used when Config.AddonTimeout is zero.
const DefaultAddonTimeout = 10 * time.Minute

// New returns the installers in the order they must run.
func New(cfg Config) []bootstrap.AddonInstaller {
	timeout := cfg.AddonTimeout
	if timeout <= 0 {
		timeout = DefaultAddonTimeout
	}

	installers := []bootstrap.AddonInstaller{
		NewStorageDriver(cfg.EKS, cfg.Versions.StorageDriver, cfg.Tags, timeout),
	}
	if cfg.EnableLoadBalancerController {
		installers = append(installers, NewLoadBalancerController(cfg.Cluster, cfg.EC2, cfg.Versions.LoadBalancerController, timeout))
	}
	installers = append(installers,
		NewMetricsPipeline(cfg.Cluster).WithReadyWait(timeout, metricsReadyInterval),
		NewDefaultStorageClass(cfg.Cluster),
		NewAdminAccess(cfg.Cluster, cfg.EKS, cfg.STS, cfg.Tags),
	)
	return installers
}
