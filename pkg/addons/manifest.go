package addons

import (
	"context"
	"embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	kube "github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

//go:embed manifests/*.yaml
var manifests embed.FS

func manifest(name string) ([]byte, error) {
	data, err := manifests.ReadFile("manifests/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded manifest %s: %w", name, err)
	}
	return data, nil
}

const (
	metricsServerManifest = "metrics-server.yaml"
	metricsServerName     = "metrics-server"
	metricsNamespace      = "kube-system"
	metricsReadyInterval  = 5 * time.Second
)

// MetricsPipeline applies the metrics-server manifest.
type MetricsPipeline struct {
	cluster Cluster

	// readyTimeout, when set, waits for the metrics-server deployment.
	readyTimeout time.Duration
	interval     time.Duration
}

var _ bootstrap.AddonInstaller = (*MetricsPipeline)(nil)

// NewMetricsPipeline creates a MetricsPipeline.
func NewMetricsPipeline(cluster Cluster) *MetricsPipeline {
	return &MetricsPipeline{cluster: cluster, interval: metricsReadyInterval}
}

// WithReadyWait makes Install wait up to timeout for the deployment to become available.
func (m *MetricsPipeline) WithReadyWait(timeout, interval time.Duration) *MetricsPipeline {
	m.readyTimeout = timeout
	m.interval = interval
	return m
}

func (m *MetricsPipeline) Name() string { return NameMetricsPipeline }

func (m *MetricsPipeline) Install(ctx context.Context, _ bootstrap.BootstrapContext) bootstrap.AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "addons.MetricsPipeline.Install")
	defer span.End()

	data, err := manifest(metricsServerManifest)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(m.Name(), err)
	}

	app, err := m.cluster.Applier(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(m.Name(), err)
	}

	outcome, err := app.Apply(ctx, data)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(m.Name(), err)
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))

	if m.readyTimeout > 0 {
		client, err := m.cluster.Clientset(ctx)
		if err != nil {
			span.RecordError(err)
			return bootstrap.Failed(m.Name(), err)
		}
		if err := kube.WaitForDeploymentReady(ctx, client, metricsNamespace, metricsServerName, m.interval, m.readyTimeout); err != nil {
			span.RecordError(err)
			return bootstrap.Failed(m.Name(), err)
		}
	}

	return bootstrap.FromOutcome(m.Name(), outcome)
}

const (
	storageClassManifest = "gp3-storageclass.yaml"

	// DefaultStorageClassName is the class this tool makes the cluster default.
	DefaultStorageClassName = "gp3"

	// DefaultClassAnnotation marks a StorageClass as the cluster default.
	DefaultClassAnnotation = "storageclass.kubernetes.io/is-default-class"
)

// DefaultStorageClass applies an encrypted gp3 StorageClass marked as the
// cluster default and demotes any other class marked default, such as the
// gp2 class EKS ships with.
type DefaultStorageClass struct {
	cluster Cluster
}

var _ bootstrap.AddonInstaller = (*DefaultStorageClass)(nil)

// NewDefaultStorageClass creates a DefaultStorageClass.
func NewDefaultStorageClass(cluster Cluster) *DefaultStorageClass {
	return &DefaultStorageClass{cluster: cluster}
}

func (d *DefaultStorageClass) Name() string { return NameDefaultStorageClass }

func (d *DefaultStorageClass) Install(ctx context.Context, _ bootstrap.BootstrapContext) bootstrap.AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "addons.DefaultStorageClass.Install")
	defer span.End()

	data, err := manifest(storageClassManifest)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(d.Name(), err)
	}

	app, err := d.cluster.Applier(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(d.Name(), err)
	}

	outcome, err := app.Apply(ctx, data)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(d.Name(), err)
	}

	demoted, err := d.demoteOthers(ctx)
	if err != nil {
		span.RecordError(err)
		return bootstrap.Failed(d.Name(), err)
	}
	if demoted > 0 {
		outcome = bootstrap.OutcomeCreated
	}

	span.SetAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.Int("demoted", demoted),
	)
	return bootstrap.FromOutcome(d.Name(), outcome)
}

// demoteOthers clears the default annotation on every class but ours and
// returns how many it changed.
func (d *DefaultStorageClass) demoteOthers(ctx context.Context) (int, error) {
	client, err := d.cluster.Clientset(ctx)
	if err != nil {
		return 0, err
	}

	classes := client.StorageV1().StorageClasses()
	list, err := classes.List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list storage classes: %w", err)
	}

	demoted := 0
	for i := range list.Items {
		sc := &list.Items[i]
		if sc.Name == DefaultStorageClassName || !isDefaultClass(sc) {
			continue
		}

		updated := sc.DeepCopy()
		updated.Annotations[DefaultClassAnnotation] = "false"
		if _, err := classes.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
			return demoted, fmt.Errorf("failed to demote storage class %s: %w", sc.Name, err)
		}
		demoted++

		status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Storage class %s is no longer the default", sc.Name)).
			WithResource("storageclass").
			WithAction("demoted").
			WithMetadata("default", DefaultStorageClassName))
	}
	return demoted, nil
}

func isDefaultClass(sc *storagev1.StorageClass) bool {
	return sc.Annotations[DefaultClassAnnotation] == "true"
}
