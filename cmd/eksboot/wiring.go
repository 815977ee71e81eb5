package main

import (
	"context"

	"github.com/nebari-dev/eks-bootstrap/pkg/access"
	"github.com/nebari-dev/eks-bootstrap/pkg/addons"
	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/config"
	"github.com/nebari-dev/eks-bootstrap/pkg/connectioninfo"
	"github.com/nebari-dev/eks-bootstrap/pkg/identity"
	"github.com/nebari-dev/eks-bootstrap/pkg/kubeconfig"
	"github.com/nebari-dev/eks-bootstrap/pkg/stack"
)

// app builds the components of one command from resolved settings.
type app struct {
	cfg     *config.Config
	clients *cloud.Clients
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	clients, err := cloud.NewClients(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, clients: clients}, nil
}

func (a *app) kubeconfigPath() string {
	if a.cfg.Kubeconfig != "" {
		return a.cfg.Kubeconfig
	}
	return kubeconfig.GetPath()
}

func (a *app) deployer() *stack.Deployer {
	return stack.NewDeployer(a.clients.CloudFormation,
		stack.WithPollInterval(a.cfg.PollInterval),
		stack.WithTimeout(a.cfg.Timeouts.Stack),
	)
}

func (a *app) configurator() *access.Configurator {
	return access.NewConfigurator(a.clients.EKS, a.cfg.Region,
		access.WithKubeconfigPath(a.kubeconfigPath()),
		access.WithProfile(a.cfg.Profile),
		access.WithProbe(a.cfg.ProbeAttempts, access.DefaultProbeInitialInterval, access.DefaultProbeMaxInterval),
	)
}

func (a *app) provisioner() *identity.Provisioner {
	return identity.NewProvisioner(a.clients.IAM, a.clients.STS,
		identity.WithTags(a.cfg.Tags),
	)
}

// installers wires the add-on installers. Cluster clients are built lazily
// from the kubeconfig's current context, which Configure has just set.
func (a *app) installers(enableLBController bool) []bootstrap.AddonInstaller {
	return addons.New(addons.Config{
		Cluster: addons.NewKubeconfigCluster(a.kubeconfigPath(), ""),
		EKS:     a.clients.EKS,
		EC2:     a.clients.EC2,
		STS:     a.clients.STS,
		Versions: addons.Versions{
			StorageDriver:          a.cfg.Addons.StorageDriver,
			LoadBalancerController: a.cfg.Addons.LoadBalancerController,
		},
		Tags:                         a.cfg.Tags,
		EnableLoadBalancerController: enableLBController,
		AddonTimeout:                 a.cfg.Timeouts.Addon,
	})
}

func (a *app) orchestrator(req bootstrap.BootstrapRequest) *bootstrap.Orchestrator {
	return bootstrap.NewOrchestrator(
		a.deployer(),
		a.configurator(),
		a.provisioner(),
		a.installers(req.EnableLBController),
		bootstrap.WithTimeout(a.cfg.Timeouts.Run),
	)
}

func (a *app) collector() *connectioninfo.Collector {
	return connectioninfo.NewCollector(a.clients.EKS, a.deployer(), a.cfg.Region, a.cfg.Profile)
}
