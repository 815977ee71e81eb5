// Package stack submits the cluster's CloudFormation stack and waits for it to
// settle, returning the stack outputs every later bootstrap phase depends on.
package stack

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/cloud"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

//go:embed templates/cluster.yaml
var clusterTemplate string

const (
	// DefaultPollInterval is how often stack status is described while waiting
	DefaultPollInterval = 15 * time.Second

	// DefaultTimeout bounds the whole deploy, submit included
	DefaultTimeout = 40 * time.Minute

	// DefaultMaxDescribeErrors is how many consecutive transient describe
	// failures the poll loop tolerates before giving up
	DefaultMaxDescribeErrors = 5
)

// RequiredOutputs are the outputs a completed stack must declare.
var RequiredOutputs = []string{bootstrap.OutputVPCID, bootstrap.OutputOIDCIssuerURL}

// Deployer implements bootstrap.TemplateDeployer on CloudFormation.
type Deployer struct {
	client            cloud.CloudFormationAPI
	template          string
	pollInterval      time.Duration
	timeout           time.Duration
	maxDescribeErrors int
	retry             cloud.RetryPolicy
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithPollInterval sets the interval between stack status checks.
func WithPollInterval(d time.Duration) Option {
	return func(dep *Deployer) {
		if d > 0 {
			dep.pollInterval = d
		}
	}
}

// WithTimeout sets the overall deadline for Deploy.
func WithTimeout(d time.Duration) Option {
	return func(dep *Deployer) {
		if d > 0 {
			dep.timeout = d
		}
	}
}

// WithTemplate replaces the embedded cluster template.
func WithTemplate(body string) Option {
	return func(dep *Deployer) {
		dep.template = body
	}
}

// WithMaxDescribeErrors sets how many consecutive transient describe errors are tolerated.
func WithMaxDescribeErrors(n int) Option {
	return func(dep *Deployer) {
		dep.maxDescribeErrors = n
	}
}

// WithRetryPolicy sets the retry policy for submit and the initial lookup.
func WithRetryPolicy(p cloud.RetryPolicy) Option {
	return func(dep *Deployer) {
		dep.retry = p
	}
}

// NewDeployer creates a Deployer using client.
func NewDeployer(client cloud.CloudFormationAPI, opts ...Option) *Deployer {
	d := &Deployer{
		client:            client,
		template:          clusterTemplate,
		pollInterval:      DefaultPollInterval,
		timeout:           DefaultTimeout,
		maxDescribeErrors: DefaultMaxDescribeErrors,
		retry:             cloud.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Template returns the template body Deploy submits.
func (d *Deployer) Template() string {
	return d.template
}

// Deploy submits the stack, or attaches to an existing one with the same
// name, and waits for a terminal state.
func (d *Deployer) Deploy(ctx context.Context, req bootstrap.BootstrapRequest) (bootstrap.StackOutputs, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "stack.Deploy")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
		attribute.String("timeout", d.timeout.String()),
	)

	if strings.TrimSpace(req.ClusterName) == "" || strings.TrimSpace(req.StackName) == "" {
		err := bootstrap.Fatal(bootstrap.ReasonInvalidRequest, errors.New("cluster name and stack name are required"))
		span.RecordError(err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	existing, err := cloud.Retry(ctx, d.retry, func(ctx context.Context) (*types.Stack, error) {
		return d.describe(ctx, req.StackName)
	})
	if err != nil {
		span.RecordError(err)
		return nil, d.classify(ctx, fmt.Errorf("failed to look up stack %s: %w", req.StackName, err))
	}

	if existing != nil {
		if owner := stackParameter(existing, "ClusterName"); owner != "" && owner != req.ClusterName {
			err := bootstrap.Fatal(bootstrap.ReasonInvalidRequest,
				fmt.Errorf("stack %s already exists for cluster %q, not %q", req.StackName, owner, req.ClusterName))
			span.RecordError(err)
			return nil, err
		}

		switch classify(existing.StackStatus) {
		case phaseSucceeded:
			status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Stack %s already exists, reusing it", req.StackName)).
				WithPhase(string(bootstrap.StateStackCreating)).
				WithResource("stack").
				WithAction("exists").
				WithMetadata("stack_status", string(existing.StackStatus)))
			span.SetAttributes(attribute.String("outcome", bootstrap.OutcomeAlreadyExists.String()))
			return outputsOf(existing)
		case phaseFailed:
			err := provisioningFailed(existing)
			span.RecordError(err)
			return nil, err
		}

		status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Stack %s is %s, attaching", req.StackName, existing.StackStatus)).
			WithPhase(string(bootstrap.StateStackCreating)).
			WithResource("stack").
			WithAction("attaching"))
	} else {
		outcome, err := d.submit(ctx, req)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		span.SetAttributes(attribute.String("outcome", outcome.String()))
	}

	stack, err := d.waitForTerminal(ctx, req.StackName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return outputsOf(stack)
}

// Outputs reads the outputs of an existing stack. The stack must have
// completed successfully; nothing is created.
func (d *Deployer) Outputs(ctx context.Context, stackName string) (bootstrap.StackOutputs, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "stack.Outputs")
	defer span.End()

	span.SetAttributes(attribute.String("stack_name", stackName))

	stack, err := cloud.Retry(ctx, d.retry, func(ctx context.Context) (*types.Stack, error) {
		return d.describe(ctx, stackName)
	})
	if err != nil {
		span.RecordError(err)
		return nil, d.classify(ctx, fmt.Errorf("failed to describe stack %s: %w", stackName, err))
	}
	if stack == nil {
		err := bootstrap.Fatal(bootstrap.ReasonProvisioningFailed, fmt.Errorf("stack %s does not exist; run deploy first", stackName))
		span.RecordError(err)
		return nil, err
	}
	if classify(stack.StackStatus) != phaseSucceeded {
		err := bootstrap.Fatal(bootstrap.ReasonProvisioningFailed,
			fmt.Errorf("stack %s is %s, expected a completed stack", stackName, stack.StackStatus))
		span.RecordError(err)
		return nil, err
	}

	return outputsOf(stack)
}

// submit creates the stack. An existing stack of the same name is the
// idempotent path, reported as OutcomeAlreadyExists.
func (d *Deployer) submit(ctx context.Context, req bootstrap.BootstrapRequest) (bootstrap.Outcome, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "stack.submit")
	defer span.End()

	input := &cloudformation.CreateStackInput{
		StackName:    aws.String(req.StackName),
		TemplateBody: aws.String(d.template),
		Parameters:   Parameters(req),
		Capabilities: []types.Capability{types.CapabilityCapabilityIam, types.CapabilityCapabilityNamedIam},
		OnFailure:    types.OnFailureRollback,
		Tags:         Tags(req),
	}

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Submitting stack %s", req.StackName)).
		WithPhase(string(bootstrap.StateStackCreating)).
		WithResource("stack").
		WithAction("creating").
		WithMetadata("cluster_name", req.ClusterName).
		WithMetadata("node_count", req.NodeCount))

	_, err := cloud.Retry(ctx, d.retry, func(ctx context.Context) (*cloudformation.CreateStackOutput, error) {
		return d.client.CreateStack(ctx, input)
	})
	if err != nil {
		var exists *types.AlreadyExistsException
		if errors.As(err, &exists) {
			status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Stack %s was created concurrently, attaching", req.StackName)).
				WithPhase(string(bootstrap.StateStackCreating)).
				WithResource("stack").
				WithAction("exists"))
			return bootstrap.OutcomeAlreadyExists, nil
		}
		span.RecordError(err)
		return bootstrap.OutcomeCreated, d.classify(ctx, fmt.Errorf("failed to create stack %s: %w", req.StackName, err))
	}

	return bootstrap.OutcomeCreated, nil
}

// waitForTerminal polls until the stack reaches a terminal state or ctx expires.
func (d *Deployer) waitForTerminal(ctx context.Context, stackName string) (*types.Stack, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "stack.waitForTerminal")
	defer span.End()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	polls := 0
	consecutiveErrors := 0
	var lastStatus types.StackStatus

	for {
		select {
		case <-ctx.Done():
			span.SetAttributes(attribute.Int("polls", polls))
			err := fmt.Errorf("stack %s still %s after %d polls: %w", stackName, orUnknown(lastStatus), polls, ctx.Err())
			span.RecordError(err)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, bootstrap.Fatal(bootstrap.ReasonTimeout, err)
			}
			return nil, bootstrap.Fatal(bootstrap.ReasonProvisioningFailed, err)

		case <-ticker.C:
			polls++
			stack, err := d.describe(ctx, stackName)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				if cloud.IsTransient(err) && consecutiveErrors < d.maxDescribeErrors {
					consecutiveErrors++
					status.Send(ctx, status.NewUpdate(status.LevelWarning, fmt.Sprintf("Describing stack %s failed, will retry", stackName)).
						WithPhase(string(bootstrap.StateStackCreating)).
						WithResource("stack").
						WithAction("polling").
						WithError(err))
					continue
				}
				span.RecordError(err)
				return nil, d.classify(ctx, fmt.Errorf("failed to describe stack %s: %w", stackName, err))
			}
			consecutiveErrors = 0

			if stack == nil {
				err := bootstrap.Fatal(bootstrap.ReasonProvisioningFailed, fmt.Errorf("stack %s disappeared while waiting", stackName))
				span.RecordError(err)
				return nil, err
			}

			lastStatus = stack.StackStatus
			switch classify(stack.StackStatus) {
			case phaseSucceeded:
				span.SetAttributes(attribute.Int("polls", polls))
				status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Stack %s is %s", stackName, stack.StackStatus)).
					WithPhase(string(bootstrap.StateStackCreating)).
					WithResource("stack").
					WithAction("ready"))
				return stack, nil
			case phaseFailed:
				err := provisioningFailed(stack)
				span.RecordError(err)
				return nil, err
			}

			status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Stack %s is %s", stackName, stack.StackStatus)).
				WithPhase(string(bootstrap.StateStackCreating)).
				WithResource("stack").
				WithAction("polling").
				WithMetadata("poll", polls))
		}
	}
}

// describe returns the named stack, or nil when it does not exist.
func (d *Deployer) describe(ctx context.Context, stackName string) (*types.Stack, error) {
	out, err := d.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if isStackNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return &out.Stacks[0], nil
}

// classify turns an API error into a fatal bootstrap error.
func (d *Deployer) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return bootstrap.Fatal(bootstrap.ReasonTimeout, err)
	case cloud.IsAccessDenied(err):
		return bootstrap.Fatal(bootstrap.ReasonPermissionDenied, err)
	default:
		return bootstrap.Fatal(bootstrap.ReasonProvisioningFailed, err)
	}
}

// CloudFormation reports a missing stack as a ValidationError.
func isStackNotFound(err error) bool {
	return cloud.ErrorCode(err) == "ValidationError" && strings.Contains(cloud.ErrorMessage(err), "does not exist")
}

// Parameters binds the request to the template parameters.
func Parameters(req bootstrap.BootstrapRequest) []types.Parameter {
	params := map[string]string{
		"ClusterName":                  req.ClusterName,
		"NodeInstanceType":             req.NodeInstanceType,
		"DesiredNodes":                 strconv.Itoa(req.NodeCount),
		"MinNodes":                     strconv.Itoa(req.MinNodes),
		"MaxNodes":                     strconv.Itoa(req.MaxNodes),
		"EnableControlPlaneLogging":    strconv.FormatBool(req.EnableLogging),
		"EnableLoadBalancerController": strconv.FormatBool(req.EnableLBController),
	}
	if req.KubernetesVersion != "" {
		params["KubernetesVersion"] = req.KubernetesVersion
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return out
}

// Tags returns the stack tags: user tags plus the ownership tags, which win.
func Tags(req bootstrap.BootstrapRequest) []types.Tag {
	return cloud.CloudFormationTags(cloud.BaseTags(req.Tags, req.ClusterName, cloud.ResourceTypeStack))
}

// outputsOf converts the stack's outputs, rejecting a stack that lacks any
// required output.
func outputsOf(stack *types.Stack) (bootstrap.StackOutputs, error) {
	outputs := make(bootstrap.StackOutputs, len(stack.Outputs))
	for _, o := range stack.Outputs {
		key := aws.ToString(o.OutputKey)
		if key == "" {
			continue
		}
		outputs[key] = aws.ToString(o.OutputValue)
	}

	if missing := outputs.Missing(RequiredOutputs...); len(missing) > 0 {
		return nil, bootstrap.Fatal(bootstrap.ReasonProvisioningFailed,
			fmt.Errorf("stack %s is missing required outputs %v", aws.ToString(stack.StackName), missing))
	}
	return outputs, nil
}

func stackParameter(stack *types.Stack, key string) string {
	for _, p := range stack.Parameters {
		if aws.ToString(p.ParameterKey) == key {
			return aws.ToString(p.ParameterValue)
		}
	}
	return ""
}

func provisioningFailed(stack *types.Stack) error {
	reason := aws.ToString(stack.StackStatusReason)
	if reason == "" {
		reason = "no reason reported"
	}
	return bootstrap.Fatal(bootstrap.ReasonProvisioningFailed,
		fmt.Errorf("stack %s reached %s: %s", aws.ToString(stack.StackName), stack.StackStatus, reason))
}

func orUnknown(s types.StackStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
