package connectioninfo

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/spf13/afero"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud/cloudtest"
)

const testCA = "-----BEGIN CERTIFICATE-----\nMIIC\n-----END CERTIFICATE-----\n"

func describeMock() *cloudtest.MockEKSClient {
	return &cloudtest.MockEKSClient{
		DescribeClusterFunc: func(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			return &eks.DescribeClusterOutput{Cluster: &ekstypes.Cluster{
				Name:     in.Name,
				Arn:      aws.String("arn:aws:eks:us-west-2:123456789012:cluster/demo"),
				Endpoint: aws.String("https://ABC.gr7.us-west-2.eks.amazonaws.com"),
				Status:   ekstypes.ClusterStatusActive,
				Version:  aws.String("1.33"),
				CertificateAuthority: &ekstypes.Certificate{
					Data: aws.String(base64.StdEncoding.EncodeToString([]byte(testCA))),
				},
			}}, nil
		},
	}
}

type outputsFunc func(ctx context.Context, stackName string) (bootstrap.StackOutputs, error)

func (f outputsFunc) Outputs(ctx context.Context, stackName string) (bootstrap.StackOutputs, error) {
	return f(ctx, stackName)
}

func TestCollect(t *testing.T) {
	stacks := outputsFunc(func(_ context.Context, stackName string) (bootstrap.StackOutputs, error) {
		if stackName != "demo-stack" {
			t.Errorf("stack name = %q", stackName)
		}
		return bootstrap.StackOutputs{bootstrap.OutputVPCID: "vpc-0abc"}, nil
	})

	info, err := NewCollector(describeMock(), stacks, "us-west-2", "dev").Collect(context.Background(), "demo", "demo-stack")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if info.Endpoint != "https://ABC.gr7.us-west-2.eks.amazonaws.com" {
		t.Errorf("Endpoint = %q", info.Endpoint)
	}
	if string(info.CAData) != testCA {
		t.Error("CA data was not decoded")
	}
	if info.Outputs.VPCID() != "vpc-0abc" {
		t.Errorf("Outputs = %v", info.Outputs)
	}
	if info.KubernetesVersion != "1.33" {
		t.Errorf("KubernetesVersion = %q", info.KubernetesVersion)
	}
}

func TestCollect_StackErrorIsNotFatal(t *testing.T) {
	stacks := outputsFunc(func(context.Context, string) (bootstrap.StackOutputs, error) {
		return nil, errors.New("stack demo-stack does not exist")
	})

	info, err := NewCollector(describeMock(), stacks, "us-west-2", "").Collect(context.Background(), "demo", "demo-stack")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(info.Outputs) != 0 {
		t.Errorf("Outputs = %v, want none", info.Outputs)
	}
}

func TestCollect_ClusterMissing(t *testing.T) {
	eksClient := &cloudtest.MockEKSClient{
		DescribeClusterFunc: func(context.Context, *eks.DescribeClusterInput, ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			return nil, cloudtest.APIError("ResourceNotFoundException", "No cluster found for name: demo.")
		},
	}

	if _, err := NewCollector(eksClient, nil, "us-west-2", "").Collect(context.Background(), "demo", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestCollect_EndpointFallsBackToStackOutput(t *testing.T) {
	eksClient := &cloudtest.MockEKSClient{
		DescribeClusterFunc: func(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			return &eks.DescribeClusterOutput{Cluster: &ekstypes.Cluster{Name: in.Name, Status: ekstypes.ClusterStatusCreating}}, nil
		},
	}
	stacks := outputsFunc(func(context.Context, string) (bootstrap.StackOutputs, error) {
		return bootstrap.StackOutputs{bootstrap.OutputClusterEndpoint: "https://XYZ.gr7.us-west-2.eks.amazonaws.com"}, nil
	})

	info, err := NewCollector(eksClient, stacks, "us-west-2", "").Collect(context.Background(), "demo", "demo-stack")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if info.Endpoint != "https://XYZ.gr7.us-west-2.eks.amazonaws.com" {
		t.Errorf("Endpoint = %q, want the stack output", info.Endpoint)
	}
}

func TestWithResult_EndpointFromRunOutputs(t *testing.T) {
	info := Info{ClusterName: "demo"}.WithResult(bootstrap.BootstrapResult{
		State:   bootstrap.StateReady,
		Outputs: bootstrap.StackOutputs{bootstrap.OutputClusterEndpoint: "https://XYZ.gr7.us-west-2.eks.amazonaws.com"},
	})
	if info.Endpoint != "https://XYZ.gr7.us-west-2.eks.amazonaws.com" {
		t.Errorf("Endpoint = %q", info.Endpoint)
	}

	kept := testInfo().WithResult(bootstrap.BootstrapResult{
		Outputs: bootstrap.StackOutputs{bootstrap.OutputClusterEndpoint: "https://other"},
	})
	if kept.Endpoint != "https://ABC.gr7.us-west-2.eks.amazonaws.com" {
		t.Errorf("API endpoint was overridden: %q", kept.Endpoint)
	}
}

func testInfo() Info {
	return Info{
		ClusterName: "demo",
		ClusterARN:  "arn:aws:eks:us-west-2:123456789012:cluster/demo",
		Region:      "us-west-2",
		Endpoint:    "https://ABC.gr7.us-west-2.eks.amazonaws.com",
		CAData:      []byte(testCA),
		StackName:   "demo-stack",
		Outputs: bootstrap.StackOutputs{
			bootstrap.OutputVPCID:         "vpc-0abc",
			bootstrap.OutputOIDCIssuerURL: "https://oidc.eks.us-west-2.amazonaws.com/id/ABC",
		},
	}
}

func TestRender(t *testing.T) {
	info := testInfo().WithResult(bootstrap.BootstrapResult{
		State: bootstrap.StatePartiallyReady,
		Addons: []bootstrap.AddonInstallResult{
			bootstrap.Installed("storage-driver"),
			bootstrap.Failed("load-balancer-controller", errors.New("chart not found")),
		},
	})

	var buf bytes.Buffer
	if err := Render(&buf, info); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"https://ABC.gr7.us-west-2.eks.amazonaws.com",
		"PartiallyReady",
		"VpcId",
		"load-balancer-controller",
		"chart not found",
		"aws eks update-kubeconfig --region us-west-2 --name demo",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// outputs are sorted by key
	if strings.Index(out, "OidcIssuerUrl") > strings.Index(out, "VpcId") {
		t.Error("stack outputs are not sorted")
	}
}

func TestRender_Profile(t *testing.T) {
	info := testInfo()
	info.Profile = "dev"

	var buf bytes.Buffer
	if err := Render(&buf, info); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "--profile dev") {
		t.Errorf("profile missing from instructions:\n%s", buf.String())
	}
}

func TestWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	if err := WriteFile(fs, "out/connection.txt", testInfo()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := afero.ReadFile(fs, "out/connection.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "demo") {
		t.Errorf("file content = %q", data)
	}

	fi, err := fs.Stat("out/connection.txt")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestWriteKubeconfig(t *testing.T) {
	fs := afero.NewMemMapFs()

	if err := WriteKubeconfig(fs, "kubeconfig", testInfo()); err != nil {
		t.Fatalf("WriteKubeconfig() error = %v", err)
	}

	data, err := afero.ReadFile(fs, "kubeconfig")
	if err != nil {
		t.Fatal(err)
	}
	config, err := clientcmd.Load(data)
	if err != nil {
		t.Fatalf("written kubeconfig does not parse: %v", err)
	}
	if config.CurrentContext != testInfo().ClusterARN {
		t.Errorf("CurrentContext = %q", config.CurrentContext)
	}
}

func TestWriteKubeconfig_IncompleteInfo(t *testing.T) {
	info := testInfo()
	info.Endpoint = ""

	if err := WriteKubeconfig(afero.NewMemMapFs(), "kubeconfig", info); err == nil {
		t.Fatal("expected error for cluster without endpoint")
	}
}
