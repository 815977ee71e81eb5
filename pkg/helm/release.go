package helm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// DefaultTimeout bounds a single install or upgrade, waiting included.
const DefaultTimeout = 10 * time.Minute

// ChartRef names a chart in a repository.
type ChartRef struct {
	RepoName string
	RepoURL  string
	Name     string
}

// String returns the repo-qualified chart name Helm resolves, e.g. "eks/aws-load-balancer-controller".
func (c ChartRef) String() string {
	if c.RepoName == "" {
		return c.Name
	}
	return c.RepoName + "/" + c.Name
}

// Release is the desired state of one Helm release.
type Release struct {
	Name      string
	Namespace string
	Chart     ChartRef

	// Version pins the chart version; empty means the repository's latest.
	Version string
	Values  map[string]any

	Wait    bool
	Timeout time.Duration
}

// Action is what Ensure did, or would do, to converge a release.
type Action int

const (
	ActionInstall Action = iota
	ActionUpgrade
	ActionUnchanged
)

func (a Action) String() string {
	switch a {
	case ActionInstall:
		return "install"
	case ActionUpgrade:
		return "upgrade"
	case ActionUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Plan decides how to converge current (nil when no release exists) on desired.
// A deployed release with the same chart version and values is left alone;
// anything else present is upgraded, which also recovers failed releases.
func Plan(current *release.Release, desired Release) Action {
	if current == nil {
		return ActionInstall
	}
	if current.Info == nil || current.Info.Status != release.StatusDeployed {
		return ActionUpgrade
	}
	if desired.Version != "" {
		if current.Chart == nil || current.Chart.Metadata == nil || current.Chart.Metadata.Version != desired.Version {
			return ActionUpgrade
		}
	}
	if !sameValues(current.Config, desired.Values) {
		return ActionUpgrade
	}
	return ActionUnchanged
}

// sameValues compares values by their JSON encoding, which ignores the
// numeric type drift of values round-tripped through release storage.
func sameValues(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// ConfigFactory builds an action configuration for a namespace.
type ConfigFactory func(namespace string) (*action.Configuration, error)

// ChartLoader fetches and loads a chart at a version.
type ChartLoader func(ctx context.Context, opts action.ChartPathOptions, ref ChartRef, version string) (*chart.Chart, error)

// Client converges Helm releases on one cluster.
type Client struct {
	newConfig ConfigFactory
	loadChart ChartLoader
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConfigFactory replaces how action configurations are built.
func WithConfigFactory(f ConfigFactory) ClientOption {
	return func(c *Client) {
		c.newConfig = f
	}
}

// WithChartLoader replaces how charts are fetched.
func WithChartLoader(l ChartLoader) ClientOption {
	return func(c *Client) {
		c.loadChart = l
	}
}

// NewClient creates a Client for context in the kubeconfig at path.
func NewClient(kubeconfigPath, contextName string, opts ...ClientOption) *Client {
	c := &Client{
		newConfig: func(namespace string) (*action.Configuration, error) {
			return NewActionConfig(kubeconfigPath, contextName, namespace)
		},
		loadChart: RepoChartLoader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoChartLoader adds the chart's repository, then locates and loads the chart.
func RepoChartLoader(ctx context.Context, opts action.ChartPathOptions, ref ChartRef, version string) (*chart.Chart, error) {
	if ref.RepoURL != "" {
		if err := AddRepo(ctx, ref.RepoName, ref.RepoURL); err != nil {
			return nil, fmt.Errorf("failed to add Helm repository %s: %w", ref.RepoName, err)
		}
	}

	opts.Version = version
	chartPath, err := opts.LocateChart(ref.String(), cli.New())
	if err != nil {
		return nil, fmt.Errorf("failed to locate chart %s: %w", ref, err)
	}

	loaded, err := loader.Load(chartPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", ref, err)
	}
	return loaded, nil
}

// Ensure installs the release, upgrades it when it differs from desired, or
// leaves it alone, and reports which it did.
func (c *Client) Ensure(ctx context.Context, desired Release) (Action, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "helm.Ensure")
	defer span.End()

	span.SetAttributes(
		attribute.String("release_name", desired.Name),
		attribute.String("namespace", desired.Namespace),
		attribute.String("chart", desired.Chart.String()),
		attribute.String("chart_version", desired.Version),
	)

	if desired.Timeout == 0 {
		desired.Timeout = DefaultTimeout
	}

	cfg, err := c.newConfig(desired.Namespace)
	if err != nil {
		span.RecordError(err)
		return ActionInstall, err
	}

	current, err := action.NewGet(cfg).Run(desired.Name)
	if err != nil {
		if !errors.Is(err, driver.ErrReleaseNotFound) {
			span.RecordError(err)
			return ActionInstall, fmt.Errorf("failed to get release %s: %w", desired.Name, err)
		}
		current = nil
	}

	planned := Plan(current, desired)
	span.SetAttributes(attribute.String("action", planned.String()))

	switch planned {
	case ActionUnchanged:
		status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Helm release %s already up to date, skipping", desired.Name)).
			WithResource("helm-release").
			WithAction("up-to-date").
			WithMetadata("chart_version", desired.Version))
		return ActionUnchanged, nil

	case ActionUpgrade:
		if err := c.upgrade(ctx, cfg, desired); err != nil {
			span.RecordError(err)
			return ActionUpgrade, err
		}
		return ActionUpgrade, nil

	default:
		if err := c.install(ctx, cfg, desired); err != nil {
			span.RecordError(err)
			return ActionInstall, err
		}
		return ActionInstall, nil
	}
}

func (c *Client) install(ctx context.Context, cfg *action.Configuration, desired Release) error {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "helm.install")
	defer span.End()

	client := action.NewInstall(cfg)
	client.Namespace = desired.Namespace
	client.ReleaseName = desired.Name
	client.CreateNamespace = true
	client.Wait = desired.Wait
	client.Timeout = desired.Timeout
	client.Version = desired.Version

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Installing Helm chart %s", desired.Chart)).
		WithResource("helm-release").
		WithAction("installing").
		WithMetadata("chart_version", desired.Version))

	loaded, err := c.loadChart(ctx, client.ChartPathOptions, desired.Chart, desired.Version)
	if err != nil {
		span.RecordError(err)
		return err
	}

	rel, err := client.RunWithContext(ctx, loaded, desired.Values)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to install %s: %w", desired.Name, err)
	}

	span.SetAttributes(
		attribute.String("release_status", string(rel.Info.Status)),
		attribute.Int("release_version", rel.Version),
	)

	status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Helm chart %s installed", desired.Chart)).
		WithResource("helm-release").
		WithAction("installed").
		WithMetadata("release_version", rel.Version))

	return nil
}

func (c *Client) upgrade(ctx context.Context, cfg *action.Configuration, desired Release) error {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "helm.upgrade")
	defer span.End()

	client := action.NewUpgrade(cfg)
	client.Namespace = desired.Namespace
	client.Wait = desired.Wait
	client.Timeout = desired.Timeout
	client.Version = desired.Version

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Upgrading Helm release %s", desired.Name)).
		WithResource("helm-release").
		WithAction("upgrading").
		WithMetadata("chart_version", desired.Version))

	loaded, err := c.loadChart(ctx, client.ChartPathOptions, desired.Chart, desired.Version)
	if err != nil {
		span.RecordError(err)
		return err
	}

	rel, err := client.RunWithContext(ctx, desired.Name, loaded, desired.Values)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upgrade %s: %w", desired.Name, err)
	}

	span.SetAttributes(
		attribute.String("release_status", string(rel.Info.Status)),
		attribute.Int("release_version", rel.Version),
	)

	status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Helm release %s upgraded", desired.Name)).
		WithResource("helm-release").
		WithAction("upgraded").
		WithMetadata("release_version", rel.Version))

	return nil
}
