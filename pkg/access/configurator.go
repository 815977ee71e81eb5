// Package access points the local kubeconfig at a freshly provisioned EKS
// cluster and proves the API server answers before add-ons are installed.
package access

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/kubeconfig"
	"github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

const (
	// DefaultProbeAttempts bounds how many times the node list probe runs
	DefaultProbeAttempts = 10
	// DefaultProbeInitialInterval is the first delay between probes
	DefaultProbeInitialInterval = 5 * time.Second
	// DefaultProbeMaxInterval caps the delay between probes
	DefaultProbeMaxInterval = 30 * time.Second
)

// ClientFactory builds a clientset for one context of a kubeconfig file.
type ClientFactory func(ctx context.Context, path, contextName string) (k8s.Interface, error)

// Configurator implements bootstrap.AccessConfigurator.
type Configurator struct {
	eks            cloud.EKSAPI
	region         string
	kubeconfigPath string
	profile        string
	newClient      ClientFactory
	retry          cloud.RetryPolicy

	probeAttempts uint
	probeInitial  time.Duration
	probeMax      time.Duration
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithKubeconfigPath sets the kubeconfig file to rewrite.
func WithKubeconfigPath(path string) Option {
	return func(c *Configurator) {
		if path != "" {
			c.kubeconfigPath = path
		}
	}
}

// WithProfile records an AWS profile in the exec credential config.
func WithProfile(profile string) Option {
	return func(c *Configurator) {
		c.profile = profile
	}
}

// WithClientFactory replaces how clientsets are built from the kubeconfig.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Configurator) {
		c.newClient = f
	}
}

// WithProbe sets the reachability probe's attempts and backoff bounds.
func WithProbe(attempts uint, initial, maxInterval time.Duration) Option {
	return func(c *Configurator) {
		c.probeAttempts = attempts
		c.probeInitial = initial
		c.probeMax = maxInterval
	}
}

// WithRetryPolicy sets the retry policy for EKS API calls.
func WithRetryPolicy(p cloud.RetryPolicy) Option {
	return func(c *Configurator) {
		c.retry = p
	}
}

// NewConfigurator creates a Configurator for clusters in region.
func NewConfigurator(eksClient cloud.EKSAPI, region string, opts ...Option) *Configurator {
	c := &Configurator{
		eks:            eksClient,
		region:         region,
		kubeconfigPath: kubeconfig.GetPath(),
		newClient:      kubernetes.NewClientset,
		retry:          cloud.DefaultRetryPolicy(),
		probeAttempts:  DefaultProbeAttempts,
		probeInitial:   DefaultProbeInitialInterval,
		probeMax:       DefaultProbeMaxInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KubeconfigPath is the kubeconfig file Configure rewrites.
func (c *Configurator) KubeconfigPath() string {
	return c.kubeconfigPath
}

// Configure writes a kubeconfig entry for clusterName, makes it the current
// context and probes the API server with a node list until it answers or the
// probe budget is spent.
func (c *Configurator) Configure(ctx context.Context, clusterName string) error {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "access.Configure")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("kubeconfig", c.kubeconfigPath),
	)

	entry, err := c.Entry(ctx, clusterName)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := kubeconfig.Merge(c.kubeconfigPath, entry); err != nil {
		span.RecordError(err)
		return bootstrap.Fatal(bootstrap.ReasonUnreachable, err)
	}

	status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Updated kubeconfig %s with context %s", c.kubeconfigPath, entry.Name)).
		WithPhase(string(bootstrap.StateStackReady)).
		WithResource("kubeconfig").
		WithAction("updated"))

	client, err := c.newClient(ctx, c.kubeconfigPath, entry.Name)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Fatal(bootstrap.ReasonUnreachable, fmt.Errorf("failed to build client for %s: %w", clusterName, err))
	}

	attempts, err := c.probe(ctx, client)
	span.SetAttributes(attribute.Int("probe_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bootstrap.Fatal(bootstrap.ReasonTimeout, err)
		}
		return bootstrap.Fatal(bootstrap.ReasonUnreachable, err)
	}

	if ready, err := kubernetes.AnyNodeReady(ctx, client); err == nil && !ready {
		status.Send(ctx, status.NewUpdate(status.LevelWarning, "Cluster API is reachable but no node is Ready yet").
			WithPhase(string(bootstrap.StateStackReady)).
			WithResource("cluster").
			WithAction("nodes-not-ready"))
	}

	status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Cluster %s is reachable", clusterName)).
		WithPhase(string(bootstrap.StateStackReady)).
		WithResource("cluster").
		WithAction("reachable").
		WithMetadata("attempts", attempts))

	return nil
}

// Entry describes clusterName as a kubeconfig entry. The cluster must be ACTIVE.
func (c *Configurator) Entry(ctx context.Context, clusterName string) (kubeconfig.EKSEntry, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "access.Entry")
	defer span.End()

	span.SetAttributes(attribute.String("cluster_name", clusterName))

	out, err := cloud.Retry(ctx, c.retry, func(ctx context.Context) (*eks.DescribeClusterOutput, error) {
		return c.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
	})
	if err != nil {
		span.RecordError(err)
		if cloud.IsAccessDenied(err) {
			return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonPermissionDenied, err)
		}
		return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonUnreachable,
			fmt.Errorf("failed to describe EKS cluster %s: %w", clusterName, err))
	}

	cluster := out.Cluster
	if cluster == nil {
		return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonUnreachable, fmt.Errorf("cluster %s not returned by EKS", clusterName))
	}

	if cluster.Status != ekstypes.ClusterStatusActive {
		err := fmt.Errorf("cluster %s is not active (status: %s)", clusterName, cluster.Status)
		span.RecordError(err)
		return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonUnreachable, err)
	}

	var caData []byte
	if cluster.CertificateAuthority != nil {
		caData, err = base64.StdEncoding.DecodeString(aws.ToString(cluster.CertificateAuthority.Data))
		if err != nil {
			span.RecordError(err)
			return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonUnreachable,
				fmt.Errorf("cluster %s has invalid certificate authority data: %w", clusterName, err))
		}
	}

	name := aws.ToString(cluster.Arn)
	if name == "" {
		name = clusterName
	}

	entry := kubeconfig.EKSEntry{
		Name:        name,
		ClusterName: clusterName,
		Region:      c.region,
		Server:      aws.ToString(cluster.Endpoint),
		CAData:      caData,
		Profile:     c.profile,
	}
	if err := entry.Validate(); err != nil {
		span.RecordError(err)
		return kubeconfig.EKSEntry{}, bootstrap.Fatal(bootstrap.ReasonUnreachable, err)
	}

	span.SetAttributes(attribute.String("cluster_endpoint", entry.Server))
	return entry, nil
}

// probe lists nodes until the API server answers, returning the number of
// attempts made.
func (c *Configurator) probe(ctx context.Context, client k8s.Interface) (int, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "access.probe")
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.probeInitial
	b.MaxInterval = c.probeMax

	attempts := 0
	_, err := backoff.Retry(ctx, func() (int, error) {
		attempts++
		nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
		if err != nil {
			status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Cluster API not reachable yet (attempt %d)", attempts)).
				WithPhase(string(bootstrap.StateStackReady)).
				WithResource("cluster").
				WithAction("probing").
				WithError(err))
			return 0, err
		}
		return len(nodes.Items), nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(c.probeAttempts, 1)),
	)
	if err != nil {
		return attempts, fmt.Errorf("cluster API did not answer after %d attempts: %w", attempts, err)
	}
	return attempts, nil
}
