package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
)

const (
	// MaxRoleNameLength is the IAM limit on role names
	MaxRoleNameLength = 64

	// Audience is the token audience EKS pod identity webhooks request
	Audience = "sts.amazonaws.com"

	serviceAccountSubjectPrefix = "system:serviceaccount:"
	roleNameHashLength          = 8
)

// PolicyDocument is an IAM policy document.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is a single IAM policy statement.
type Statement struct {
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal,omitempty"`
	Action    string                       `json:"Action"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// RoleName derives the role name for purpose in clusterName. Names longer
// than IAM allows are truncated and suffixed with a hash of the full name so
// distinct inputs keep distinct names.
func RoleName(clusterName, purpose string) string {
	name := clusterName + "-" + purpose
	if len(name) <= MaxRoleNameLength {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:roleNameHashLength]
	keep := MaxRoleNameLength - roleNameHashLength - 1
	return strings.TrimRight(name[:keep], "-") + "-" + suffix
}

// IssuerHost strips the scheme from an OIDC issuer URL. IAM condition keys and
// provider ARNs use the bare host and path.
func IssuerHost(issuer string) string {
	host := strings.TrimPrefix(issuer, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}

// ProviderARN is the ARN of the IAM OIDC provider registered for issuer.
func ProviderARN(partition, accountID, issuer string) string {
	return fmt.Sprintf("arn:%s:iam::%s:oidc-provider/%s", partition, accountID, IssuerHost(issuer))
}

// TrustPolicy builds the trust policy letting exactly one service account
// assume the role through the cluster's OIDC provider. The subject is matched
// with StringEquals so no other service account can ever satisfy it.
func TrustPolicy(providerARN, issuer, namespace, serviceAccount string) (string, error) {
	if namespace == "" || serviceAccount == "" {
		return "", fmt.Errorf("namespace and service account are required, got %q/%q", namespace, serviceAccount)
	}
	if strings.ContainsAny(namespace+serviceAccount, "*?") {
		return "", fmt.Errorf("wildcards are not allowed in a service account subject: %s:%s", namespace, serviceAccount)
	}

	host := IssuerHost(issuer)
	doc := PolicyDocument{
		Version: "2012-10-17",
		Statement: []Statement{{
			Effect:    "Allow",
			Principal: map[string]string{"Federated": providerARN},
			Action:    "sts:AssumeRoleWithWebIdentity",
			Condition: map[string]map[string]string{
				"StringEquals": {
					host + ":sub": serviceAccountSubjectPrefix + namespace + ":" + serviceAccount,
					host + ":aud": Audience,
				},
			},
		}},
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode trust policy: %w", err)
	}
	return string(b), nil
}

// PolicyARN resolves a policy reference. Full ARNs pass through; anything
// else names an AWS managed policy, optionally with its path.
func PolicyARN(partition, ref string) string {
	if strings.HasPrefix(ref, "arn:") {
		return ref
	}
	return fmt.Sprintf("arn:%s:iam::aws:policy/%s", partition, strings.TrimPrefix(ref, "/"))
}

// BuildRoleSpec resolves req into a complete role for clusterName. The trust
// policy names req.ProviderARN when set.
func BuildRoleSpec(clusterName, partition, accountID, issuer string, req bootstrap.RoleRequest, tags map[string]string) (bootstrap.IdentityRoleSpec, error) {
	if req.Purpose == "" {
		return bootstrap.IdentityRoleSpec{}, fmt.Errorf("role purpose is required")
	}
	if issuer == "" {
		return bootstrap.IdentityRoleSpec{}, fmt.Errorf("OIDC issuer is required for role %s", req.Purpose)
	}

	providerARN := req.ProviderARN
	if providerARN == "" {
		providerARN = ProviderARN(partition, accountID, issuer)
	}

	trust, err := TrustPolicy(providerARN, issuer, req.Namespace, req.ServiceAccount)
	if err != nil {
		return bootstrap.IdentityRoleSpec{}, err
	}

	policies := make([]string, 0, len(req.Policies))
	for _, p := range req.Policies {
		policies = append(policies, PolicyARN(partition, p))
	}

	return bootstrap.IdentityRoleSpec{
		RoleName:    RoleName(clusterName, req.Purpose),
		TrustPolicy: trust,
		Policies:    policies,
		Tags:        tags,
	}, nil
}

// trustsSubject reports whether an existing trust policy document, as IAM
// returns it (URL encoded), grants the given issuer subject exactly.
func trustsSubject(document, issuer, namespace, serviceAccount string) bool {
	decoded, err := url.QueryUnescape(document)
	if err != nil {
		decoded = document
	}

	var doc struct {
		Statement []struct {
			Condition map[string]map[string]any `json:"Condition"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return false
	}

	key := IssuerHost(issuer) + ":sub"
	want := serviceAccountSubjectPrefix + namespace + ":" + serviceAccount
	for _, st := range doc.Statement {
		switch v := st.Condition["StringEquals"][key].(type) {
		case string:
			if v == want {
				return true
			}
		case []any:
			if len(v) == 1 && v[0] == want {
				return true
			}
		}
	}
	return false
}
