// Package kubeconfig reads and rewrites kubeconfig files, adding EKS cluster
// entries that authenticate through `aws eks get-token`.
package kubeconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const (
	// ExecAPIVersion is the client authentication API the exec plugin speaks
	ExecAPIVersion = "client.authentication.k8s.io/v1beta1"

	// ExecCommand is the binary used to mint cluster tokens
	ExecCommand = "aws"
)

// GetPath returns the path to the kubeconfig file.
// It checks the KUBECONFIG environment variable first, then falls back to ~/.kube/config.
// When KUBECONFIG lists several files the first one is used.
func GetPath() string {
	if kubeconfigEnv := os.Getenv("KUBECONFIG"); kubeconfigEnv != "" {
		if paths := filepath.SplitList(kubeconfigEnv); len(paths) > 0 && paths[0] != "" {
			return paths[0]
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kube", "config")
	}
	return filepath.Join(homeDir, ".kube", "config")
}

// LoadFromPath loads the kubeconfig from the specified path.
func LoadFromPath(path string) (*clientcmdapi.Config, error) {
	return clientcmd.LoadFromFile(path)
}

// LoadOrEmpty loads the kubeconfig at path, returning an empty config when
// the file does not exist yet.
func LoadOrEmpty(path string) (*clientcmdapi.Config, error) {
	config, err := LoadFromPath(path)
	if errors.Is(err, fs.ErrNotExist) {
		return clientcmdapi.NewConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
	}
	return config, nil
}

// EKSEntry describes one EKS cluster as it appears in a kubeconfig.
type EKSEntry struct {
	// Name is used for the cluster, user and context entries. The AWS CLI
	// uses the cluster ARN; any unique name works.
	Name string

	ClusterName string
	Region      string
	Server      string

	// CAData is the decoded PEM certificate authority bundle.
	CAData []byte

	// Profile, when set, is passed to the exec plugin as AWS_PROFILE.
	Profile string
}

// Validate checks the entry has everything a working kubeconfig needs.
func (e EKSEntry) Validate() error {
	switch {
	case e.Name == "":
		return fmt.Errorf("kubeconfig entry name is required")
	case e.ClusterName == "":
		return fmt.Errorf("cluster name is required")
	case e.Region == "":
		return fmt.Errorf("region is required")
	case e.Server == "":
		return fmt.Errorf("cluster %s has no endpoint", e.ClusterName)
	case len(e.CAData) == 0:
		return fmt.Errorf("cluster %s has no certificate authority data", e.ClusterName)
	}
	return nil
}

// ExecConfig is the exec credential plugin configuration for the entry.
func (e EKSEntry) ExecConfig() *clientcmdapi.ExecConfig {
	exec := &clientcmdapi.ExecConfig{
		APIVersion:      ExecAPIVersion,
		Command:         ExecCommand,
		Args:            []string{"--region", e.Region, "eks", "get-token", "--cluster-name", e.ClusterName, "--output", "json"},
		InteractiveMode: clientcmdapi.IfAvailableExecInteractiveMode,
	}
	if e.Profile != "" {
		exec.Env = []clientcmdapi.ExecEnvVar{{Name: "AWS_PROFILE", Value: e.Profile}}
	}
	return exec
}

// Apply adds or replaces the entry in config and makes it the current context.
func Apply(config *clientcmdapi.Config, entry EKSEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	cluster := clientcmdapi.NewCluster()
	cluster.Server = entry.Server
	cluster.CertificateAuthorityData = entry.CAData
	config.Clusters[entry.Name] = cluster

	user := clientcmdapi.NewAuthInfo()
	user.Exec = entry.ExecConfig()
	config.AuthInfos[entry.Name] = user

	ctx := clientcmdapi.NewContext()
	ctx.Cluster = entry.Name
	ctx.AuthInfo = entry.Name
	config.Contexts[entry.Name] = ctx

	config.CurrentContext = entry.Name
	return nil
}

// Merge writes entry into the kubeconfig at path, keeping every other
// cluster, user and context in the file. Writing the same entry twice
// produces the same file.
func Merge(path string, entry EKSEntry) error {
	config, err := LoadOrEmpty(path)
	if err != nil {
		return err
	}

	if err := Apply(config, entry); err != nil {
		return err
	}

	if err := clientcmd.WriteToFile(*config, path); err != nil {
		return fmt.Errorf("failed to write kubeconfig %s: %w", path, err)
	}
	return nil
}

// Standalone builds a kubeconfig containing only entry.
func Standalone(entry EKSEntry) ([]byte, error) {
	config := clientcmdapi.NewConfig()
	if err := Apply(config, entry); err != nil {
		return nil, err
	}
	return WriteBytes(config)
}

// GetContextNames returns the context names in the kubeconfig, sorted.
func GetContextNames(config *clientcmdapi.Config) []string {
	names := make([]string, 0, len(config.Contexts))
	for name := range config.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterByContext creates a new kubeconfig containing only the specified context
// and its associated cluster and user credentials.
func FilterByContext(config *clientcmdapi.Config, contextName string) (*clientcmdapi.Config, error) {
	context, exists := config.Contexts[contextName]
	if !exists {
		return nil, fmt.Errorf("context %q not found in kubeconfig. Available contexts: %v", contextName, GetContextNames(config))
	}

	filtered := clientcmdapi.NewConfig()
	filtered.CurrentContext = contextName
	filtered.Contexts[contextName] = context

	if cluster, exists := config.Clusters[context.Cluster]; exists {
		filtered.Clusters[context.Cluster] = cluster
	}
	if user, exists := config.AuthInfos[context.AuthInfo]; exists {
		filtered.AuthInfos[context.AuthInfo] = user
	}

	return filtered, nil
}

// WriteBytes serializes the kubeconfig to bytes.
func WriteBytes(config *clientcmdapi.Config) ([]byte, error) {
	return clientcmd.Write(*config)
}
