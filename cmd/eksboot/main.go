package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nebari-dev/eks-bootstrap/pkg/config"
	"github.com/nebari-dev/eks-bootstrap/pkg/telemetry"
)

var (
	// Settings resolved from defaults, the config file and root flags
	settings *config.Config

	rootConfigFile string
	rootRegion     string
	rootProfile    string
	rootKubeconfig string
	rootTimeout    time.Duration
	rootVerbose    bool

	// Root command
	rootCmd = &cobra.Command{
		Use:   "eksboot",
		Short: "Bootstrap EKS clusters and their core add-ons",
		Long: `eksboot provisions an EKS cluster from a CloudFormation template, points
the local kubeconfig at it, creates workload identity roles and installs the
core add-ons (EBS CSI driver, AWS Load Balancer Controller, metrics-server,
a default gp3 StorageClass and an admin access binding).

Every step is idempotent: re-running a command against an existing cluster
reports resources as already present instead of failing.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func init() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootConfigFile, "config", config.DefaultFile, "Path to eksboot.yaml settings file")
	flags.StringVar(&rootRegion, "region", "", "AWS region (defaults to AWS_REGION or AWS_DEFAULT_REGION)")
	flags.StringVar(&rootProfile, "profile", "", "AWS profile recorded in the kubeconfig credential")
	flags.StringVar(&rootKubeconfig, "kubeconfig", "", "Kubeconfig file to update (defaults to KUBECONFIG or ~/.kube/config)")
	flags.DurationVar(&rootTimeout, "timeout", 0, "Deadline for the whole run (e.g. '45m', '1h')")
	flags.BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(configureAccessCmd)
	rootCmd.AddCommand(installAddonsCmd)
	rootCmd.AddCommand(connectionInfoCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if rootVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if cmd == versionCmd {
		return nil
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		slog.Error("Failed to load settings", "error", err, "file", rootConfigFile)
		return err
	}
	settings = cfg
	return nil
}

// loadSettings layers defaults, the settings file and root flags.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.Load(cmd.Context(), rootConfigFile, explicit)
	if err != nil {
		return nil, err
	}

	cfg.Merge(&config.Config{
		Region:     rootRegion,
		Profile:    rootProfile,
		Kubeconfig: rootKubeconfig,
		Timeouts:   config.Timeouts{Run: rootTimeout},
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup OpenTelemetry
	_, shutdown, err := telemetry.Setup(ctx, version)
	if err != nil {
		slog.Error("Failed to setup telemetry", "error", err)
		os.Exit(1)
	}

	// Execute root command
	err = rootCmd.ExecuteContext(ctx)

	if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
		slog.Error("Failed to shutdown telemetry", "error", shutdownErr)
	}

	if err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(exitCode(err))
	}
}
