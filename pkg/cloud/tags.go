package cloud

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

const (
	// TagManagedBy marks every resource this tool creates
	TagManagedBy = "eksboot.nebari.dev/managed-by"
	// TagClusterName records the cluster a resource belongs to
	TagClusterName = "eksboot.nebari.dev/cluster-name"
	// TagResourceType records what kind of resource was tagged
	TagResourceType = "eksboot.nebari.dev/resource-type"

	// ManagedByValue is the value used for the managed-by tag
	ManagedByValue = "eksboot"
)

// Resource type constants for tagging
const (
	ResourceTypeStack        = "stack"
	ResourceTypeIdentityRole = "identity-role"
	ResourceTypeAccessEntry  = "access-entry"
	ResourceTypeAddon        = "addon"
)

// BaseTags merges user tags with the ownership tags. Ownership tags win so a
// user tag cannot disguise who manages a resource.
func BaseTags(user map[string]string, clusterName, resourceType string) map[string]string {
	tags := make(map[string]string, len(user)+3)
	for k, v := range user {
		tags[k] = v
	}
	tags[TagManagedBy] = ManagedByValue
	tags[TagClusterName] = clusterName
	tags[TagResourceType] = resourceType
	return tags
}

// IsManaged reports whether tags carry this tool's managed-by marker.
func IsManaged(tags map[string]string) bool {
	return tags[TagManagedBy] == ManagedByValue
}

// CloudFormationTags converts a tag map to CloudFormation tags, sorted by key.
func CloudFormationTags(tags map[string]string) []cfntypes.Tag {
	out := make([]cfntypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// IAMTags converts a tag map to IAM tags, sorted by key.
func IAMTags(tags map[string]string) []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
