package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

var (
	configureAccessCluster string

	configureAccessCmd = &cobra.Command{
		Use:   "configure-access",
		Short: "Point the kubeconfig at a cluster and check it answers",
		Long: `Write a kubeconfig entry for the cluster, make it the current context and
list nodes until the API server answers or the probe budget is spent.`,
		RunE: runConfigureAccess,
	}
)

func init() {
	configureAccessCmd.Flags().StringVar(&configureAccessCluster, "cluster-name", "", "EKS cluster name (required)")
	// Panic is appropriate in init() since we cannot return errors and this indicates a programming error
	if err := configureAccessCmd.MarkFlagRequired("cluster-name"); err != nil {
		panic(err)
	}
}

func runConfigureAccess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cmd.configure_access")
	defer span.End()

	span.SetAttributes(attribute.String("cluster_name", configureAccessCluster))

	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	a, err := newApp(ctx, settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	configurator := a.configurator()
	if err := configurator.Configure(ctx, configureAccessCluster); err != nil {
		span.RecordError(err)
		slog.Error("Failed to configure cluster access", "error", err, "cluster_name", configureAccessCluster)
		return err
	}

	slog.Info("Cluster access configured",
		"cluster_name", configureAccessCluster,
		"kubeconfig", configurator.KubeconfigPath(),
	)
	return nil
}
