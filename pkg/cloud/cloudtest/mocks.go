// Package cloudtest provides function-field mocks of the AWS client
// interfaces for use in tests.
package cloudtest

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
)

// MockCloudFormationClient is a mock implementation of cloud.CloudFormationAPI
type MockCloudFormationClient struct {
	CreateStackFunc    func(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DescribeStacksFunc func(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

func (m *MockCloudFormationClient) CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	if m.CreateStackFunc != nil {
		return m.CreateStackFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("CreateStackFunc not implemented")
}

func (m *MockCloudFormationClient) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if m.DescribeStacksFunc != nil {
		return m.DescribeStacksFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("DescribeStacksFunc not implemented")
}

// MockEKSClient is a mock implementation of cloud.EKSAPI
type MockEKSClient struct {
	CreateAccessEntryFunc func(ctx context.Context, params *eks.CreateAccessEntryInput, optFns ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error)
	CreateAddonFunc       func(ctx context.Context, params *eks.CreateAddonInput, optFns ...func(*eks.Options)) (*eks.CreateAddonOutput, error)
	DescribeAddonFunc     func(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error)
	DescribeClusterFunc   func(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
	UpdateAddonFunc       func(ctx context.Context, params *eks.UpdateAddonInput, optFns ...func(*eks.Options)) (*eks.UpdateAddonOutput, error)
}

func (m *MockEKSClient) CreateAccessEntry(ctx context.Context, params *eks.CreateAccessEntryInput, optFns ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error) {
	if m.CreateAccessEntryFunc != nil {
		return m.CreateAccessEntryFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("CreateAccessEntryFunc not implemented")
}

func (m *MockEKSClient) CreateAddon(ctx context.Context, params *eks.CreateAddonInput, optFns ...func(*eks.Options)) (*eks.CreateAddonOutput, error) {
	if m.CreateAddonFunc != nil {
		return m.CreateAddonFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("CreateAddonFunc not implemented")
}

func (m *MockEKSClient) DescribeAddon(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error) {
	if m.DescribeAddonFunc != nil {
		return m.DescribeAddonFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("DescribeAddonFunc not implemented")
}

func (m *MockEKSClient) DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	if m.DescribeClusterFunc != nil {
		return m.DescribeClusterFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("DescribeClusterFunc not implemented")
}

func (m *MockEKSClient) UpdateAddon(ctx context.Context, params *eks.UpdateAddonInput, optFns ...func(*eks.Options)) (*eks.UpdateAddonOutput, error) {
	if m.UpdateAddonFunc != nil {
		return m.UpdateAddonFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("UpdateAddonFunc not implemented")
}

// MockIAMClient is a mock implementation of cloud.IAMAPI
type MockIAMClient struct {
	AttachRolePolicyFunc         func(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	CreateRoleFunc               func(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRoleFunc                  func(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListAttachedRolePoliciesFunc func(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
}

func (m *MockIAMClient) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	if m.AttachRolePolicyFunc != nil {
		return m.AttachRolePolicyFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("AttachRolePolicyFunc not implemented")
}

func (m *MockIAMClient) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	if m.CreateRoleFunc != nil {
		return m.CreateRoleFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("CreateRoleFunc not implemented")
}

func (m *MockIAMClient) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if m.GetRoleFunc != nil {
		return m.GetRoleFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("GetRoleFunc not implemented")
}

func (m *MockIAMClient) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	if m.ListAttachedRolePoliciesFunc != nil {
		return m.ListAttachedRolePoliciesFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("ListAttachedRolePoliciesFunc not implemented")
}

// MockSTSClient is a mock implementation of cloud.STSAPI
type MockSTSClient struct {
	GetCallerIdentityFunc func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func (m *MockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.GetCallerIdentityFunc != nil {
		return m.GetCallerIdentityFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("GetCallerIdentityFunc not implemented")
}

// MockEC2Client is a mock implementation of cloud.EC2API
type MockEC2Client struct {
	DescribeSubnetsFunc func(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

func (m *MockEC2Client) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if m.DescribeSubnetsFunc != nil {
		return m.DescribeSubnetsFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("DescribeSubnetsFunc not implemented")
}

// Compile-time verification that the mocks implement the client interfaces
var (
	_ cloud.CloudFormationAPI = (*MockCloudFormationClient)(nil)
	_ cloud.EKSAPI            = (*MockEKSClient)(nil)
	_ cloud.IAMAPI            = (*MockIAMClient)(nil)
	_ cloud.STSAPI            = (*MockSTSClient)(nil)
	_ cloud.EC2API            = (*MockEC2Client)(nil)
)
