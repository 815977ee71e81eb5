// Package applier is the narrow surface add-on installers use to change a
// cluster: apply a manifest, or install a packaged chart.
package applier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/helm"
)

// FieldManager identifies this tool in server-side apply field ownership.
const FieldManager = "eksboot"

// Package is a chart to install as a named release.
type Package struct {
	Name      string
	Namespace string
	Chart     helm.ChartRef
	Version   string
	Wait      bool
	Timeout   time.Duration
}

// PackageOutcome is what InstallPackage did.
type PackageOutcome int

const (
	PackageInstalled PackageOutcome = iota
	PackageUpgraded
	PackageUnchanged
)

func (o PackageOutcome) String() string {
	switch o {
	case PackageInstalled:
		return "installed"
	case PackageUpgraded:
		return "upgraded"
	case PackageUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Outcome maps a package outcome to the idempotent create outcome. An
// upgrade in place changed the release, so it counts as created.
func (o PackageOutcome) Outcome() bootstrap.Outcome {
	if o == PackageUnchanged {
		return bootstrap.OutcomeAlreadyExists
	}
	return bootstrap.OutcomeCreated
}

// Applier changes cluster state on behalf of add-on installers.
type Applier interface {
	// Apply server-side applies every object in a multi-document manifest.
	// The outcome is OutcomeCreated when any object did not exist before.
	Apply(ctx context.Context, manifest []byte) (bootstrap.Outcome, error)

	// InstallPackage installs pkg, or upgrades it when the release differs.
	InstallPackage(ctx context.Context, pkg Package, values map[string]any) (PackageOutcome, error)
}

// Releaser converges Helm releases. *helm.Client implements it.
type Releaser interface {
	Ensure(ctx context.Context, desired helm.Release) (helm.Action, error)
}

var _ Releaser = (*helm.Client)(nil)

// Cluster implements Applier against a live cluster.
type Cluster struct {
	dynamic  dynamic.Interface
	mapper   meta.RESTMapper
	releases Releaser
}

var _ Applier = (*Cluster)(nil)

// New creates a Cluster applier.
func New(dyn dynamic.Interface, mapper meta.RESTMapper, releases Releaser) *Cluster {
	return &Cluster{dynamic: dyn, mapper: mapper, releases: releases}
}

// Apply decodes manifest and applies each document in order. Empty documents
// are skipped. The first failing object stops the apply.
func (c *Cluster) Apply(ctx context.Context, manifest []byte) (bootstrap.Outcome, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "applier.Apply")
	defer span.End()

	decoder := yaml.NewYAMLOrJSONDecoder(bytes.NewReader(manifest), 4096)

	outcome := bootstrap.OutcomeAlreadyExists
	applied := 0
	for docIndex := 0; ; docIndex++ {
		var obj unstructured.Unstructured
		if err := decoder.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			span.RecordError(err)
			return outcome, fmt.Errorf("failed to decode manifest document %d: %w", docIndex, err)
		}

		if len(obj.Object) == 0 {
			continue
		}

		created, err := c.applyObject(ctx, &obj)
		if err != nil {
			span.RecordError(err)
			return outcome, fmt.Errorf("failed to apply %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
		if created {
			outcome = bootstrap.OutcomeCreated
		}
		applied++
	}

	span.SetAttributes(
		attribute.Int("objects", applied),
		attribute.String("outcome", outcome.String()),
	)
	return outcome, nil
}

// applyObject applies one object and reports whether it was newly created.
func (c *Cluster) applyObject(ctx context.Context, obj *unstructured.Unstructured) (bool, error) {
	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" {
		return false, fmt.Errorf("object has no kind set")
	}

	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return false, fmt.Errorf("failed to get REST mapping for %v: %w", gvk, err)
	}

	var resource dynamic.ResourceInterface = c.dynamic.Resource(mapping.Resource)
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		namespace := obj.GetNamespace()
		if namespace == "" {
			namespace = metav1.NamespaceDefault
			obj.SetNamespace(namespace)
		}
		resource = c.dynamic.Resource(mapping.Resource).Namespace(namespace)
	}

	created := false
	if _, err := resource.Get(ctx, obj.GetName(), metav1.GetOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return false, fmt.Errorf("failed to check existence: %w", err)
		}
		created = true
	}

	data, err := obj.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("failed to marshal object to JSON: %w", err)
	}

	force := true
	_, err = resource.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        &force,
	})
	if err != nil {
		return false, fmt.Errorf("server-side apply failed: %w", err)
	}

	return created, nil
}

// InstallPackage converges pkg through Helm.
func (c *Cluster) InstallPackage(ctx context.Context, pkg Package, values map[string]any) (PackageOutcome, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "applier.InstallPackage")
	defer span.End()

	span.SetAttributes(
		attribute.String("release_name", pkg.Name),
		attribute.String("chart", pkg.Chart.String()),
	)

	if c.releases == nil {
		err := fmt.Errorf("no package manager configured for %s", pkg.Name)
		span.RecordError(err)
		return PackageInstalled, err
	}

	action, err := c.releases.Ensure(ctx, helm.Release{
		Name:      pkg.Name,
		Namespace: pkg.Namespace,
		Chart:     pkg.Chart,
		Version:   pkg.Version,
		Values:    values,
		Wait:      pkg.Wait,
		Timeout:   pkg.Timeout,
	})
	if err != nil {
		span.RecordError(err)
		return PackageInstalled, err
	}

	var outcome PackageOutcome
	switch action {
	case helm.ActionUpgrade:
		outcome = PackageUpgraded
	case helm.ActionUnchanged:
		outcome = PackageUnchanged
	default:
		outcome = PackageInstalled
	}

	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome, nil
}
