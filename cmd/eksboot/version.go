package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/nebari-dev/eks-bootstrap/pkg/addons"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the version information for eksboot.`,
	RunE:  runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	tracer := otel.Tracer("eks-bootstrap")
	_, span := tracer.Start(cmd.Context(), "cmd.version")
	defer span.End()

	slog.Debug("Version command executed", "version", version, "commit", commit)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "eksboot\n")
	fmt.Fprintf(out, "Version: %s\n", version)
	fmt.Fprintf(out, "Commit: %s\n", commit)
	fmt.Fprintf(out, "Add-ons: %v\n", addons.Names())

	return nil
}
