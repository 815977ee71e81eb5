package main

import (
	"log/slog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/connectioninfo"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

var (
	connectionInfoCluster        string
	connectionInfoStack          string
	connectionInfoOutputFile     string
	connectionInfoKubeconfigFile string

	connectionInfoCmd = &cobra.Command{
		Use:   "connection-info",
		Short: "Show how to connect to a cluster",
		Long: `Describe the cluster and, when --stack-name is given, its stack outputs,
then print the commands needed to reach it with kubectl. Nothing is changed.`,
		RunE: runConnectionInfo,
	}
)

func init() {
	connectionInfoCmd.Flags().StringVar(&connectionInfoCluster, "cluster-name", "", "EKS cluster name (required)")
	connectionInfoCmd.Flags().StringVar(&connectionInfoStack, "stack-name", "", "CloudFormation stack name")
	connectionInfoCmd.Flags().StringVarP(&connectionInfoOutputFile, "output-file", "o", "", "Also write the instructions to this file")
	connectionInfoCmd.Flags().StringVar(&connectionInfoKubeconfigFile, "kubeconfig-file", "", "Write a standalone kubeconfig for the cluster to this file")
	// Panic is appropriate in init() since we cannot return errors and this indicates a programming error
	if err := connectionInfoCmd.MarkFlagRequired("cluster-name"); err != nil {
		panic(err)
	}
}

func runConnectionInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cmd.connection_info")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", connectionInfoCluster),
		attribute.String("stack_name", connectionInfoStack),
	)

	ctx, cleanupStatus := status.StartHandler(ctx, statusLogHandler())
	defer cleanupStatus()

	a, err := newApp(ctx, settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	info, err := a.collector().Collect(ctx, connectionInfoCluster, connectionInfoStack)
	if err != nil {
		span.RecordError(err)
		return err
	}

	return emitConnectionInfo(cmd, afero.NewOsFs(), info, connectionInfoOutputFile, connectionInfoKubeconfigFile)
}

// emitConnectionInfo prints info and writes the optional output files.
func emitConnectionInfo(cmd *cobra.Command, fs afero.Fs, info connectioninfo.Info, outputFile, kubeconfigFile string) error {
	if err := connectioninfo.Render(cmd.OutOrStdout(), info); err != nil {
		return err
	}

	if outputFile != "" {
		if err := connectioninfo.WriteFile(fs, outputFile, info); err != nil {
			return err
		}
		slog.Info("Connection info written", "file", outputFile)
	}

	if kubeconfigFile != "" {
		if err := connectioninfo.WriteKubeconfig(fs, kubeconfigFile, info); err != nil {
			return err
		}
		slog.Info("Kubeconfig written", "file", kubeconfigFile)
	}

	return nil
}
