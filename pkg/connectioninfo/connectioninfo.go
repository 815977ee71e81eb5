// Package connectioninfo turns the state of a bootstrapped cluster into
// instructions for reaching it. It reads cluster and stack state but never
// changes either.
package connectioninfo

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/kubeconfig"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// Info is everything a user needs to reach one cluster.
type Info struct {
	ClusterName       string
	ClusterARN        string
	Region            string
	Endpoint          string
	Status            string
	KubernetesVersion string
	CAData            []byte
	Profile           string

	StackName string
	Outputs   bootstrap.StackOutputs

	// State and Addons are set when the info follows an orchestration run.
	State  bootstrap.State
	Addons []bootstrap.AddonInstallResult
}

// KubeconfigEntry returns the kubeconfig entry for the cluster.
func (i Info) KubeconfigEntry() kubeconfig.EKSEntry {
	return kubeconfig.EKSEntry{
		Name:        i.ClusterARN,
		ClusterName: i.ClusterName,
		Region:      i.Region,
		Server:      i.Endpoint,
		CAData:      i.CAData,
		Profile:     i.Profile,
	}
}

// WithResult attaches the outcome of an orchestration run.
func (i Info) WithResult(result bootstrap.BootstrapResult) Info {
	i.State = result.State
	i.Addons = result.Addons
	if len(i.Outputs) == 0 {
		i.Outputs = result.Outputs
	}
	if i.Endpoint == "" {
		i.Endpoint = i.Outputs.Endpoint()
	}
	return i
}

// OutputsReader reads the outputs of an existing stack.
type OutputsReader interface {
	Outputs(ctx context.Context, stackName string) (bootstrap.StackOutputs, error)
}

// Collector gathers Info from EKS and, optionally, the cluster stack.
type Collector struct {
	eks     cloud.EKSAPI
	stacks  OutputsReader
	region  string
	profile string
}

// NewCollector creates a Collector. stacks may be nil.
func NewCollector(eksClient cloud.EKSAPI, stacks OutputsReader, region, profile string) *Collector {
	return &Collector{eks: eksClient, stacks: stacks, region: region, profile: profile}
}

// Collect describes the cluster and reads the stack outputs. A stack that
// cannot be read is reported as a warning, since the cluster may have been
// created some other way.
func (c *Collector) Collect(ctx context.Context, clusterName, stackName string) (Info, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "connectioninfo.Collect")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", clusterName),
		attribute.String("stack_name", stackName),
	)

	out, err := c.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
	if err != nil {
		span.RecordError(err)
		return Info{}, fmt.Errorf("failed to describe cluster %s: %w", clusterName, err)
	}
	if out.Cluster == nil {
		err := fmt.Errorf("cluster %s not found", clusterName)
		span.RecordError(err)
		return Info{}, err
	}

	cluster := out.Cluster
	info := Info{
		ClusterName:       clusterName,
		ClusterARN:        aws.ToString(cluster.Arn),
		Region:            c.region,
		Endpoint:          aws.ToString(cluster.Endpoint),
		Status:            string(cluster.Status),
		KubernetesVersion: aws.ToString(cluster.Version),
		Profile:           c.profile,
		StackName:         stackName,
	}

	if cluster.CertificateAuthority != nil && cluster.CertificateAuthority.Data != nil {
		ca, err := base64.StdEncoding.DecodeString(aws.ToString(cluster.CertificateAuthority.Data))
		if err != nil {
			span.RecordError(err)
			return Info{}, fmt.Errorf("failed to decode cluster certificate authority: %w", err)
		}
		info.CAData = ca
	}

	if c.stacks != nil && stackName != "" {
		outputs, err := c.stacks.Outputs(ctx, stackName)
		if err != nil {
			status.Send(ctx, status.NewUpdate(status.LevelWarning, fmt.Sprintf("Could not read outputs of stack %s", stackName)).
				WithResource("stack").
				WithAction("outputs").
				WithError(err))
		} else {
			info.Outputs = outputs
		}
	}

	// the API leaves the endpoint empty while the cluster is still CREATING
	if info.Endpoint == "" {
		info.Endpoint = info.Outputs.Endpoint()
	}

	return info, nil
}

// Render writes human-readable connection instructions to w.
func Render(w io.Writer, info Info) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Cluster\t%s\n", info.ClusterName)
	if info.ClusterARN != "" {
		fmt.Fprintf(tw, "ARN\t%s\n", info.ClusterARN)
	}
	fmt.Fprintf(tw, "Region\t%s\n", info.Region)
	if info.Endpoint != "" {
		fmt.Fprintf(tw, "Endpoint\t%s\n", info.Endpoint)
	}
	if info.KubernetesVersion != "" {
		fmt.Fprintf(tw, "Kubernetes\t%s\n", info.KubernetesVersion)
	}
	if info.Status != "" {
		fmt.Fprintf(tw, "Status\t%s\n", info.Status)
	}
	if info.State != "" {
		fmt.Fprintf(tw, "Bootstrap\t%s\n", info.State)
	}

	if len(info.Outputs) > 0 {
		fmt.Fprintf(tw, "\nStack outputs (%s)\t\n", info.StackName)
		keys := make([]string, 0, len(info.Outputs))
		for k := range info.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%s\n", k, info.Outputs[k])
		}
	}

	if len(info.Addons) > 0 {
		fmt.Fprintf(tw, "\nAdd-ons\t\n")
		for _, a := range info.Addons {
			line := fmt.Sprintf("  %s\t%s", a.Name, a.Outcome)
			if a.Err != nil {
				line += "\t" + a.Err.Error()
			}
			fmt.Fprintln(tw, line)
		}
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nTo use this cluster with kubectl:\n\n  %s\n  kubectl get nodes\n", updateKubeconfigCommand(info))
	return err
}

func updateKubeconfigCommand(info Info) string {
	args := []string{"aws", "eks", "update-kubeconfig", "--region", info.Region, "--name", info.ClusterName}
	if info.Profile != "" {
		args = append(args, "--profile", info.Profile)
	}
	return strings.Join(args, " ")
}

// WriteFile renders info into path on fs.
func WriteFile(fs afero.Fs, path string, info Info) error {
	var b strings.Builder
	if err := Render(&b, info); err != nil {
		return err
	}
	return writeFile(fs, path, []byte(b.String()))
}

// WriteKubeconfig writes a standalone kubeconfig for the cluster to path on fs.
func WriteKubeconfig(fs afero.Fs, path string, info Info) error {
	data, err := kubeconfig.Standalone(info.KubeconfigEntry())
	if err != nil {
		return err
	}
	return writeFile(fs, path, data)
}

func writeFile(fs afero.Fs, path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
