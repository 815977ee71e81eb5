package main

import (
	"maps"

	"github.com/spf13/cobra"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/config"
)

// requestFlags are the cluster flags shared by deploy, install-addons and
// bootstrap. Flags left unset fall back to the settings file.
type requestFlags struct {
	clusterName        string
	stackName          string
	kubernetesVersion  string
	nodeInstanceType   string
	nodeCount          int
	minNodes           int
	maxNodes           int
	enableLogging      bool
	enableLBController bool
}

// bindCluster registers --cluster-name and --stack-name.
func (f *requestFlags) bindCluster(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.clusterName, "cluster-name", "", "EKS cluster name (required)")
	cmd.Flags().StringVar(&f.stackName, "stack-name", "", "CloudFormation stack name (required)")
	// Panic is appropriate in init() since we cannot return errors and this indicates a programming error
	for _, name := range []string{"cluster-name", "stack-name"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

// bindNodes registers the stack shape flags.
func (f *requestFlags) bindNodes(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kubernetesVersion, "kubernetes-version", "", "Kubernetes version for the control plane")
	cmd.Flags().StringVar(&f.nodeInstanceType, "node-instance-type", "t3.small", "EC2 instance type for the node group")
	cmd.Flags().IntVar(&f.nodeCount, "node-count", 3, "Desired node count")
	cmd.Flags().IntVar(&f.minNodes, "min-nodes", 1, "Minimum node count")
	cmd.Flags().IntVar(&f.maxNodes, "max-nodes", 5, "Maximum node count")
	cmd.Flags().BoolVar(&f.enableLogging, "enable-logging", false, "Enable control plane logging")
}

// bindAddons registers add-on selection flags.
func (f *requestFlags) bindAddons(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enableLBController, "enable-lb-controller", true, "Install the AWS Load Balancer Controller")
}

// request builds the BootstrapRequest, taking flags the user set over cfg.
func (f *requestFlags) request(cmd *cobra.Command, cfg *config.Config) bootstrap.BootstrapRequest {
	changed := cmd.Flags().Changed

	req := bootstrap.BootstrapRequest{
		ClusterName:        f.clusterName,
		StackName:          f.stackName,
		Region:             cfg.Region,
		KubernetesVersion:  cfg.KubernetesVersion,
		NodeInstanceType:   cfg.NodeGroup.InstanceType,
		NodeCount:          cfg.NodeGroup.Count,
		MinNodes:           cfg.NodeGroup.MinNodes,
		MaxNodes:           cfg.NodeGroup.MaxNodes,
		EnableLogging:      cfg.EnableLogging,
		EnableLBController: cfg.LBControllerEnabled(),
		Tags:               maps.Clone(cfg.Tags),
	}

	if changed("kubernetes-version") {
		req.KubernetesVersion = f.kubernetesVersion
	}
	if changed("node-instance-type") {
		req.NodeInstanceType = f.nodeInstanceType
	}
	if changed("node-count") {
		req.NodeCount = f.nodeCount
	}
	if changed("min-nodes") {
		req.MinNodes = f.minNodes
	}
	if changed("max-nodes") {
		req.MaxNodes = f.maxNodes
	}
	if changed("enable-logging") {
		req.EnableLogging = f.enableLogging
	}
	if changed("enable-lb-controller") {
		req.EnableLBController = f.enableLBController
	}

	return req
}
