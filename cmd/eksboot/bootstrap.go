package main

import (
	"context"
	"log/slog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

var (
	bootstrapFlags      requestFlags
	bootstrapOutputFile string

	bootstrapCmd = &cobra.Command{
		Use:   "bootstrap",
		Short: "Run every phase: stack, access, identity roles and add-ons",
		Long: `Deploy the cluster stack, configure cluster access, provision identity
roles and install every add-on, then print connection instructions.

The run exits 0 when the cluster is Ready or PartiallyReady and non-zero when
it Failed. Failed add-ons can be retried with install-addons.`,
		RunE: runBootstrap,
	}
)

func init() {
	bootstrapFlags.bindCluster(bootstrapCmd)
	bootstrapFlags.bindNodes(bootstrapCmd)
	bootstrapFlags.bindAddons(bootstrapCmd)
	bootstrapCmd.Flags().StringVarP(&bootstrapOutputFile, "output-file", "o", "", "Also write connection instructions to this file")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cmd.bootstrap")
	defer span.End()

	req := bootstrapFlags.request(cmd, settings)
	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
	)

	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	defer func() {
		if ctx.Err() == context.Canceled {
			slog.Warn("Bootstrap interrupted by user")
		}
	}()

	a, err := newApp(ctx, settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	slog.Info("Starting bootstrap", "cluster_name", req.ClusterName, "stack_name", req.StackName, "region", req.Region)

	result := a.orchestrator(req).Run(ctx, req)

	span.SetAttributes(attribute.String("state", string(result.State)))
	printSummary(cmd.OutOrStdout(), result, req.ClusterName, req.StackName)

	if result.State == bootstrap.StateFailed {
		return resultError(result)
	}

	info, err := a.collector().Collect(ctx, req.ClusterName, "")
	if err != nil {
		// The cluster is up; only the instructions are missing.
		slog.Warn("Could not collect connection info", "error", err)
		return nil
	}

	return emitConnectionInfo(cmd, afero.NewOsFs(), info.WithResult(result), bootstrapOutputFile, "")
}
