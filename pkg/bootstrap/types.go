// Package bootstrap holds the data model shared by every bootstrap phase and
// the Orchestrator that sequences them: stack deploy, cluster access, identity
// roles and add-on installation.
package bootstrap

import (
	"fmt"
	"strings"
)

// BootstrapRequest describes the cluster to bootstrap. It is built once by the
// caller and never modified afterwards.
type BootstrapRequest struct {
	ClusterName       string
	StackName         string
	Region            string
	KubernetesVersion string

	NodeInstanceType string
	NodeCount        int
	MinNodes         int
	MaxNodes         int

	EnableLogging      bool
	EnableLBController bool

	Tags map[string]string
}

// Validate checks the request before anything is submitted.
func (r BootstrapRequest) Validate() error {
	var problems []string

	if strings.TrimSpace(r.ClusterName) == "" {
		problems = append(problems, "cluster name is required")
	}
	if strings.TrimSpace(r.StackName) == "" {
		problems = append(problems, "stack name is required")
	}
	if r.NodeInstanceType == "" {
		problems = append(problems, "node instance type is required")
	}
	if r.MinNodes < 0 {
		problems = append(problems, fmt.Sprintf("min nodes must not be negative, got %d", r.MinNodes))
	}
	if r.MaxNodes < 1 {
		problems = append(problems, fmt.Sprintf("max nodes must be at least 1, got %d", r.MaxNodes))
	}
	if r.MinNodes > r.MaxNodes {
		problems = append(problems, fmt.Sprintf("min nodes (%d) exceeds max nodes (%d)", r.MinNodes, r.MaxNodes))
	}
	if r.NodeCount < r.MinNodes || r.NodeCount > r.MaxNodes {
		problems = append(problems, fmt.Sprintf("node count %d is outside [%d, %d]", r.NodeCount, r.MinNodes, r.MaxNodes))
	}

	if len(problems) > 0 {
		return Fatal(ReasonInvalidRequest, fmt.Errorf("invalid bootstrap request: %s", strings.Join(problems, "; ")))
	}
	return nil
}

// Well-known stack output keys.
const (
	OutputClusterName           = "ClusterName"
	OutputClusterEndpoint       = "ClusterEndpoint"
	OutputVPCID                 = "VpcId"
	OutputSubnetIDs             = "PublicSubnetIds"
	OutputOIDCIssuerURL         = "OidcIssuerUrl"
	OutputOIDCProviderARN       = "OidcProviderArn"
	OutputStorageDriverRoleARN  = "EbsCsiDriverRoleArn"
	OutputLBControllerRoleARN   = "LoadBalancerControllerRoleArn"
	OutputLBControllerPolicyARN = "LoadBalancerControllerPolicyArn"
)

// StackOutputs maps stack output keys to values. It is produced once per run
// by the template deployer and only read afterwards.
type StackOutputs map[string]string

// Get returns the value for key, or "" when it is absent.
func (o StackOutputs) Get(key string) string {
	if o == nil {
		return ""
	}
	return o[key]
}

func (o StackOutputs) VPCID() string      { return o.Get(OutputVPCID) }
func (o StackOutputs) OIDCIssuer() string { return o.Get(OutputOIDCIssuerURL) }
func (o StackOutputs) Endpoint() string   { return o.Get(OutputClusterEndpoint) }

// SubnetIDs returns the stack's public subnets, which the template exports as
// one comma separated value.
func (o StackOutputs) SubnetIDs() []string {
	var ids []string
	for _, id := range strings.Split(o.Get(OutputSubnetIDs), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Missing returns the keys from required that are absent or empty.
func (o StackOutputs) Missing(required ...string) []string {
	var missing []string
	for _, key := range required {
		if o.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// IdentityRoleSpec is a fully resolved IAM role: a name, its trust policy and
// the permission policies to attach.
type IdentityRoleSpec struct {
	RoleName    string
	TrustPolicy string
	Policies    []string
	Tags        map[string]string
}

// RoleRequest is what an add-on asks of the identity provisioner: a role for
// exactly one namespace/service account pair.
type RoleRequest struct {
	Purpose        string
	Namespace      string
	ServiceAccount string
	Policies       []string

	// OutputKey names a stack output that may already carry a role ARN for
	// this purpose. When set and present, no role is created.
	OutputKey string

	// ProviderARN is the cluster's IAM OIDC provider. When empty it is
	// derived from the caller account and the issuer.
	ProviderARN string
}

// Subject is the service account subject the role's trust policy is bound to.
func (r RoleRequest) Subject() string {
	return r.Namespace + ":" + r.ServiceAccount
}

// BootstrapContext is what add-on installers receive.
type BootstrapContext struct {
	Request BootstrapRequest
	Outputs StackOutputs

	// Roles maps a RoleRequest.Purpose to the provisioned role ARN.
	Roles map[string]string
}

// RoleARN returns the role provisioned for purpose.
func (c BootstrapContext) RoleARN(purpose string) (string, bool) {
	arn, ok := c.Roles[purpose]
	return arn, ok && arn != ""
}

// AddonOutcome is the per add-on result of an install attempt.
type AddonOutcome string

const (
	AddonInstalled      AddonOutcome = "installed"
	AddonAlreadyPresent AddonOutcome = "already-present"
	AddonFailed         AddonOutcome = "failed"
)

// AddonInstallResult records what happened to one add-on in one run.
type AddonInstallResult struct {
	Name    string
	Outcome AddonOutcome
	Err     error
}

// Installed builds a result for a freshly installed (or updated) add-on.
func Installed(name string) AddonInstallResult {
	return AddonInstallResult{Name: name, Outcome: AddonInstalled}
}

// AlreadyPresent builds a result for an add-on that needed no change.
func AlreadyPresent(name string) AddonInstallResult {
	return AddonInstallResult{Name: name, Outcome: AddonAlreadyPresent}
}

// Failed builds a result for an add-on whose install returned err.
func Failed(name string, err error) AddonInstallResult {
	return AddonInstallResult{Name: name, Outcome: AddonFailed, Err: err}
}

// FromOutcome maps an idempotent create outcome to an add-on result.
func FromOutcome(name string, outcome Outcome) AddonInstallResult {
	if outcome == OutcomeAlreadyExists {
		return AlreadyPresent(name)
	}
	return Installed(name)
}

// BootstrapResult is the aggregate result of one orchestration run.
type BootstrapResult struct {
	State   State
	Outputs StackOutputs
	Addons  []AddonInstallResult

	// Err is the fatal error that ended the run; nil unless State is Failed.
	Err error

	// FailedPhase is the phase that was running when Err occurred.
	FailedPhase State

	// History lists every state the run passed through, in order.
	History []State
}

// FailedAddons returns the results whose outcome is failed.
func (r BootstrapResult) FailedAddons() []AddonInstallResult {
	var failed []AddonInstallResult
	for _, a := range r.Addons {
		if a.Outcome == AddonFailed {
			failed = append(failed, a)
		}
	}
	return failed
}
