package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

var (
	installAddonsFlags requestFlags

	installAddonsCmd = &cobra.Command{
		Use:   "install-addons",
		Short: "Install the core add-ons on an existing cluster",
		Long: `Re-read the outputs of an existing cluster stack, re-check cluster access,
provision identity roles and install every add-on in order.

A failed add-on does not stop the others. The command exits 0 when the
cluster is Ready or PartiallyReady and lists failed add-ons as warnings.`,
		RunE: runInstallAddons,
	}
)

func init() {
	installAddonsFlags.bindCluster(installAddonsCmd)
	installAddonsFlags.bindAddons(installAddonsCmd)
}

func runInstallAddons(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cmd.install_addons")
	defer span.End()

	req := installAddonsFlags.request(cmd, settings)
	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
		attribute.Bool("enable_lb_controller", req.EnableLBController),
	)

	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	a, err := newApp(ctx, settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	slog.Info("Installing add-ons", "cluster_name", req.ClusterName, "stack_name", req.StackName)

	result := a.orchestrator(req).InstallAddons(ctx, req)

	span.SetAttributes(attribute.String("state", string(result.State)))
	printSummary(cmd.OutOrStdout(), result, req.ClusterName, req.StackName)

	return resultError(result)
}
