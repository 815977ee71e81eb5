// Package helm provides shared Helm SDK utilities for installing and managing
// Helm charts. It wraps common operations like creating action configurations,
// adding Helm repositories and converging a release on a desired chart version.
package helm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/helmpath"
	"helm.sh/helm/v3/pkg/repo"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nebari-dev/eks-bootstrap/pkg/kubernetes"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// KubeconfigGetter is a Helm RESTClientGetter for one context of a
// kubeconfig file. Discovery is built once and shared by every action that
// uses the getter.
type KubeconfigGetter struct {
	path    string
	context string

	once      sync.Once
	discovery discovery.CachedDiscoveryInterface
	err       error
}

// NewKubeconfigGetter returns a getter for context in the kubeconfig at path.
// An empty context uses the file's current context.
func NewKubeconfigGetter(path, contextName string) *KubeconfigGetter {
	return &KubeconfigGetter{path: path, context: contextName}
}

func (k *KubeconfigGetter) ToRESTConfig() (*rest.Config, error) {
	return kubernetes.RESTConfig(k.path, k.context)
}

func (k *KubeconfigGetter) ToDiscoveryClient() (discovery.CachedDiscoveryInterface, error) {
	k.once.Do(func() {
		config, err := k.ToRESTConfig()
		if err != nil {
			k.err = err
			return
		}
		dc, err := discovery.NewDiscoveryClientForConfig(config)
		if err != nil {
			k.err = fmt.Errorf("failed to create discovery client: %w", err)
			return
		}
		k.discovery = memory.NewMemCacheClient(dc)
	})
	return k.discovery, k.err
}

func (k *KubeconfigGetter) ToRESTMapper() (meta.RESTMapper, error) {
	dc, err := k.ToDiscoveryClient()
	if err != nil {
		return nil, err
	}
	return restmapper.NewDeferredDiscoveryRESTMapper(dc), nil
}

func (k *KubeconfigGetter) ToRawKubeConfigLoader() clientcmd.ClientConfig {
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: k.path},
		&clientcmd.ConfigOverrides{CurrentContext: k.context},
	)
}

// NewActionConfig creates a Helm action configuration for namespace. Release
// state is stored with HELM_DRIVER, which defaults to secrets.
func NewActionConfig(kubeconfigPath, contextName, namespace string) (*action.Configuration, error) {
	cfg := new(action.Configuration)

	logf := func(format string, v ...any) {
		slog.Debug(fmt.Sprintf(format, v...), "component", "helm", "namespace", namespace)
	}
	if err := cfg.Init(NewKubeconfigGetter(kubeconfigPath, contextName), namespace, os.Getenv("HELM_DRIVER"), logf); err != nil {
		return nil, fmt.Errorf("failed to initialize Helm action config: %w", err)
	}
	return cfg, nil
}

// AddRepo registers a chart repository in the user's Helm repository file and
// caches its index. A repository already registered under name with the same
// URL and a cached index is left alone, so re-runs work offline.
func AddRepo(ctx context.Context, name, url string) error {
	tracer := otel.Tracer("eks-bootstrap")
	_, span := tracer.Start(ctx, "helm.AddRepo")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo_name", name),
		attribute.String("repo_url", url),
	)

	settings := cli.New()

	repoFile, err := loadRepoFile(settings.RepositoryConfig)
	if err != nil {
		span.RecordError(err)
		return err
	}

	indexPath := filepath.Join(settings.RepositoryCache, helmpath.CacheIndexFile(name))
	if existing := repoFile.Get(name); existing != nil && existing.URL == url {
		if _, err := os.Stat(indexPath); err == nil {
			span.SetAttributes(attribute.Bool("cached", true))
			return nil
		}
	}

	entry := &repo.Entry{Name: name, URL: url}
	chartRepo, err := repo.NewChartRepository(entry, getter.All(settings))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create chart repository: %w", err)
	}
	chartRepo.CachePath = settings.RepositoryCache

	if _, err := chartRepo.DownloadIndexFile(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to download index of repository %s: %w", url, err)
	}

	repoFile.Update(entry)
	if err := os.MkdirAll(filepath.Dir(settings.RepositoryConfig), 0o755); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create Helm config directory: %w", err)
	}
	if err := repoFile.WriteFile(settings.RepositoryConfig, 0o600); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write repository file: %w", err)
	}

	status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Added Helm repository %q", name)).
		WithResource("helm-repo").
		WithAction("added").
		WithMetadata("repo_url", url))

	return nil
}

func loadRepoFile(path string) (*repo.File, error) {
	f, err := repo.LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repo.NewFile(), nil
		}
		return nil, fmt.Errorf("failed to load repository file %s: %w", path, err)
	}
	return f, nil
}
