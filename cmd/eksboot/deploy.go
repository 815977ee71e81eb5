package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/stack"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

var (
	deployFlags  requestFlags
	deployDryRun bool

	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Create the cluster stack and wait for it to complete",
		Long: `Submit the CloudFormation cluster template and poll the stack until it
reaches a terminal state. An existing stack for the same cluster is reused.

Only the stack phase runs; use configure-access and install-addons afterwards,
or bootstrap to run every phase.

Use --dry-run to print the template and parameters without submitting them.`,
		RunE: runDeploy,
	}
)

func init() {
	deployFlags.bindCluster(deployCmd)
	deployFlags.bindNodes(deployCmd)
	deployFlags.bindAddons(deployCmd)
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Print the stack template and parameters without deploying")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	// Get cancellable context from cobra (for signal handling)
	ctx := cmd.Context()
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cmd.deploy")
	defer span.End()

	req := deployFlags.request(cmd, settings)
	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
		attribute.Bool("dry_run", deployDryRun),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	if deployDryRun {
		slog.Info("Starting stack deployment (dry-run)", "cluster_name", req.ClusterName, "stack_name", req.StackName)
		printPlan(cmd.OutOrStdout(), stack.NewDeployer(nil).Template(), req)
		return nil
	}

	slog.Info("Starting stack deployment", "cluster_name", req.ClusterName, "stack_name", req.StackName, "region", req.Region)

	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	// Handle context cancellation (from signal interrupt)
	defer func() {
		if ctx.Err() == context.Canceled {
			slog.Warn("Deployment interrupted by user")
		}
	}()

	a, err := newApp(ctx, settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	outputs, err := a.deployer().Deploy(ctx, req)
	if err != nil {
		span.RecordError(err)
		slog.Error("Stack deployment failed", "error", err, "stack_name", req.StackName)
		return deployError(err)
	}

	slog.Info("Stack deployment completed",
		"stack_name", req.StackName,
		"vpc_id", outputs.VPCID(),
		"oidc_issuer", outputs.OIDCIssuer(),
	)
	return nil
}

// deployError keeps a classified deploy error as is so its reason still picks
// the exit code. Anything else is a provisioning failure.
func deployError(err error) error {
	if bootstrap.ReasonOf(err) != "" {
		return err
	}
	return bootstrap.Fatal(bootstrap.ReasonProvisioningFailed, err)
}

// printPlan writes what deploy would submit for req.
func printPlan(w io.Writer, template string, req bootstrap.BootstrapRequest) {
	fmt.Fprintf(w, "Stack %s (cluster %s) would be deployed with:\n", req.StackName, req.ClusterName)
	for _, p := range stack.Parameters(req) {
		fmt.Fprintf(w, "  %s = %s\n", aws.ToString(p.ParameterKey), aws.ToString(p.ParameterValue))
	}
	fmt.Fprintf(w, "\n%s", template)
}
