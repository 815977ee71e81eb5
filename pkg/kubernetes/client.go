package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

// Clients bundles the typed, dynamic and mapping clients for one cluster.
type Clients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
	Mapper  meta.RESTMapper
}

// RESTConfig builds a REST config from the kubeconfig at path. An empty
// contextName uses the file's current context.
// This handles all authentication methods (AWS IAM exec, certificate-based, token-based, etc.)
// via the standard client-go mechanisms
func RESTConfig(path, contextName string) (*rest.Config, error) {
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
	}
	return config, nil
}

// NewClientset creates a typed clientset from the kubeconfig at path.
func NewClientset(ctx context.Context, path, contextName string) (kubernetes.Interface, error) {
	tracer := otel.Tracer("eks-bootstrap")
	_, span := tracer.Start(ctx, "kubernetes.NewClientset")
	defer span.End()

	span.SetAttributes(
		attribute.String("kubeconfig", path),
		attribute.String("context", contextName),
	)

	config, err := RESTConfig(path, contextName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("host", config.Host))

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return clientset, nil
}

// NewClients creates every client an add-on installer may need from the
// kubeconfig at path. API discovery is deferred until the first mapping is
// requested, so building the clients never contacts the cluster.
func NewClients(ctx context.Context, path, contextName string) (*Clients, error) {
	tracer := otel.Tracer("eks-bootstrap")
	_, span := tracer.Start(ctx, "kubernetes.NewClients")
	defer span.End()

	span.SetAttributes(
		attribute.String("kubeconfig", path),
		attribute.String("context", contextName),
	)

	config, err := RESTConfig(path, contextName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	typed, err := kubernetes.NewForConfig(config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	disco, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}

	return &Clients{
		Typed:   typed,
		Dynamic: dyn,
		Mapper:  restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco)),
	}, nil
}

// Lazy builds Clients from a kubeconfig on first use, so it can be created
// before the kubeconfig has been written.
type Lazy struct {
	path        string
	contextName string

	once    sync.Once
	clients *Clients
	err     error
}

// NewLazy returns a Lazy for context in the kubeconfig at path.
func NewLazy(path, contextName string) *Lazy {
	return &Lazy{path: path, contextName: contextName}
}

// Get returns the clients, building them on the first call. A build error
// is returned to every later caller as well.
func (l *Lazy) Get(ctx context.Context) (*Clients, error) {
	l.once.Do(func() {
		l.clients, l.err = NewClients(ctx, l.path, l.contextName)
	})
	return l.clients, l.err
}
