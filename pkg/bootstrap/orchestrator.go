package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// DefaultRunTimeout bounds a whole orchestration run.
const DefaultRunTimeout = 60 * time.Minute

// TemplateDeployer provisions the cluster stack and exposes its outputs.
type TemplateDeployer interface {
	// Deploy submits (or attaches to) the stack and blocks until it reaches a
	// terminal state.
	Deploy(ctx context.Context, req BootstrapRequest) (StackOutputs, error)

	// Outputs reads the outputs of an existing, successfully created stack
	// without mutating anything.
	Outputs(ctx context.Context, stackName string) (StackOutputs, error)
}

// AccessConfigurator points local cluster credentials at a cluster and proves
// the control plane answers.
type AccessConfigurator interface {
	Configure(ctx context.Context, clusterName string) error
}

// RoleProvisioner creates or reuses an IAM role bound to one service account.
type RoleProvisioner interface {
	EnsureRole(ctx context.Context, clusterName, issuer string, req RoleRequest) (string, error)
}

// AddonInstaller installs one add-on. Install never returns an error: failures
// are reported in the result so the next add-on still runs.
type AddonInstaller interface {
	Name() string
	Install(ctx context.Context, bctx BootstrapContext) AddonInstallResult
}

// RoleConsumer is implemented by installers that need a cloud identity role.
// The second return value is false when no role is needed for these outputs.
type RoleConsumer interface {
	RoleRequest(outputs StackOutputs) (RoleRequest, bool)
}

// Orchestrator sequences the bootstrap phases.
type Orchestrator struct {
	deployer TemplateDeployer
	access   AccessConfigurator
	roles    RoleProvisioner
	addons   []AddonInstaller
	timeout  time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the run-level deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// NewOrchestrator wires the phase implementations. Add-ons run in the order given.
func NewOrchestrator(deployer TemplateDeployer, access AccessConfigurator, roles RoleProvisioner, addons []AddonInstaller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deployer: deployer,
		access:   access,
		roles:    roles,
		addons:   addons,
		timeout:  DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full state machine: deploy the stack, configure access,
// provision identity roles and install every add-on.
func (o *Orchestrator) Run(ctx context.Context, req BootstrapRequest) BootstrapResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "bootstrap.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
	)

	ctx, cancel := o.withDeadline(ctx)
	defer cancel()

	r := newRun(ctx)
	r.advance(StateStackCreating)

	if err := req.Validate(); err != nil {
		return r.fail(fatalIn(StateStackCreating, ReasonInvalidRequest, err))
	}

	outputs, err := o.deployer.Deploy(ctx, req)
	if err != nil {
		span.RecordError(err)
		return r.fail(fatalIn(StateStackCreating, ReasonProvisioningFailed, err))
	}

	result := o.afterStack(ctx, r, req, outputs)
	span.SetAttributes(attribute.String("state", string(result.State)))
	return result
}

// InstallAddons resumes a bootstrap whose stack already exists. Outputs are
// re-read from the stack and access is re-verified before any add-on runs.
func (o *Orchestrator) InstallAddons(ctx context.Context, req BootstrapRequest) BootstrapResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "bootstrap.InstallAddons")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster_name", req.ClusterName),
		attribute.String("stack_name", req.StackName),
	)

	ctx, cancel := o.withDeadline(ctx)
	defer cancel()

	r := newRun(ctx)
	r.advance(StateStackCreating)

	outputs, err := o.deployer.Outputs(ctx, req.StackName)
	if err != nil {
		span.RecordError(err)
		return r.fail(fatalIn(StateStackCreating, ReasonProvisioningFailed, err))
	}

	result := o.afterStack(ctx, r, req, outputs)
	span.SetAttributes(attribute.String("state", string(result.State)))
	return result
}

func (o *Orchestrator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// afterStack runs everything downstream of a ready stack.
func (o *Orchestrator) afterStack(ctx context.Context, r *run, req BootstrapRequest, outputs StackOutputs) BootstrapResult {
	r.result.Outputs = outputs
	r.advance(StateStackReady)

	if err := o.access.Configure(ctx, req.ClusterName); err != nil {
		return r.fail(fatalIn(StateStackReady, ReasonUnreachable, err))
	}
	r.advance(StateAccessConfigured)
	r.advance(StateAddonsInstalling)

	roles, err := o.ensureRoles(ctx, req, outputs)
	if err != nil {
		return r.fail(fatalIn(StateAddonsInstalling, ReasonRoleFailed, err))
	}

	bctx := BootstrapContext{
		Request: req,
		Outputs: outputs,
		Roles:   roles,
	}

	for _, installer := range o.addons {
		if err := ctx.Err(); err != nil {
			return r.fail(fatalIn(StateAddonsInstalling, ReasonTimeout, err))
		}
		r.result.Addons = append(r.result.Addons, o.installOne(ctx, installer, bctx))
	}

	// An add-on may have failed only because the run deadline expired under it.
	if err := ctx.Err(); err != nil {
		return r.fail(fatalIn(StateAddonsInstalling, ReasonTimeout, err))
	}

	final := settle(r.result.Addons)
	r.advance(final)

	if final == StatePartiallyReady {
		for _, failed := range r.result.FailedAddons() {
			status.Send(ctx, status.NewUpdate(status.LevelWarning, fmt.Sprintf("Add-on %s failed", failed.Name)).
				WithPhase(string(final)).
				WithResource("addon").
				WithAction("failed").
				WithMetadata("addon", failed.Name).
				WithError(failed.Err))
		}
	}

	return r.result
}

// ensureRoles provisions every role the configured add-ons ask for. Roles the
// stack already created are taken from its outputs.
func (o *Orchestrator) ensureRoles(ctx context.Context, req BootstrapRequest, outputs StackOutputs) (map[string]string, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "bootstrap.ensureRoles")
	defer span.End()

	roles := make(map[string]string)

	for _, installer := range o.addons {
		consumer, ok := installer.(RoleConsumer)
		if !ok {
			continue
		}
		rr, needed := consumer.RoleRequest(outputs)
		if !needed {
			continue
		}
		if _, done := roles[rr.Purpose]; done {
			continue
		}

		if rr.OutputKey != "" {
			if arn := outputs.Get(rr.OutputKey); arn != "" {
				roles[rr.Purpose] = arn
				status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Using stack-provided role for %s", rr.Purpose)).
					WithPhase(string(StateAddonsInstalling)).
					WithResource("iam-role").
					WithAction("exists").
					WithMetadata("role_arn", arn))
				continue
			}
		}

		issuer := outputs.OIDCIssuer()
		if issuer == "" {
			err := Fatal(ReasonRoleFailed, fmt.Errorf("stack outputs carry no %s, cannot bind role for %s", OutputOIDCIssuerURL, rr.Purpose))
			span.RecordError(err)
			return nil, err
		}
		if o.roles == nil {
			err := Fatal(ReasonRoleFailed, errors.New("no role provisioner configured"))
			span.RecordError(err)
			return nil, err
		}

		if rr.ProviderARN == "" {
			rr.ProviderARN = outputs.Get(OutputOIDCProviderARN)
		}

		arn, err := o.roles.EnsureRole(ctx, req.ClusterName, issuer, rr)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("role for %s (%s): %w", rr.Purpose, rr.Subject(), err)
		}
		roles[rr.Purpose] = arn
	}

	span.SetAttributes(attribute.Int("role_count", len(roles)))
	return roles, nil
}

func (o *Orchestrator) installOne(ctx context.Context, installer AddonInstaller, bctx BootstrapContext) AddonInstallResult {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "bootstrap.installAddon")
	defer span.End()

	name := installer.Name()
	span.SetAttributes(attribute.String("addon", name))

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Installing %s", name)).
		WithPhase(string(StateAddonsInstalling)).
		WithResource("addon").
		WithAction("installing").
		WithMetadata("addon", name))

	result := installer.Install(ctx, bctx)
	if result.Name == "" {
		result.Name = name
	}
	if result.Outcome == "" {
		if result.Err != nil {
			result.Outcome = AddonFailed
		} else {
			result.Outcome = AddonInstalled
		}
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	update := status.NewUpdate(status.LevelSuccess, fmt.Sprintf("%s: %s", name, result.Outcome)).
		WithPhase(string(StateAddonsInstalling)).
		WithResource("addon").
		WithAction(string(result.Outcome)).
		WithMetadata("addon", name)
	if result.Outcome == AddonFailed {
		span.RecordError(result.Err)
		update.Level = status.LevelError
		update = update.WithError(result.Err)
	}
	status.Send(ctx, update)

	return result
}

// run tracks state transitions for one orchestration.
type run struct {
	ctx    context.Context
	result BootstrapResult
}

func newRun(ctx context.Context) *run {
	return &run{
		ctx: ctx,
		result: BootstrapResult{
			State:   StatePending,
			History: []State{StatePending},
		},
	}
}

func (r *run) advance(to State) {
	from := r.result.State
	if !CanTransition(from, to) {
		// a programming error in the orchestrator, not a runtime condition
		panic(fmt.Sprintf("bootstrap: illegal transition %s -> %s", from, to))
	}
	r.result.State = to
	r.result.History = append(r.result.History, to)

	level := status.LevelInfo
	switch to {
	case StateReady:
		level = status.LevelSuccess
	case StatePartiallyReady:
		level = status.LevelWarning
	case StateFailed:
		level = status.LevelError
	}
	status.Send(r.ctx, status.NewUpdate(level, fmt.Sprintf("%s -> %s", from, to)).
		WithPhase(string(to)).
		WithResource("bootstrap").
		WithAction("transition").
		WithMetadata("from", string(from)))
}

func (r *run) fail(err error) BootstrapResult {
	phase := PhaseOf(err)
	if phase == "" {
		phase = r.result.State
	}
	r.result.Err = err
	r.result.FailedPhase = phase

	status.Send(r.ctx, status.NewUpdate(status.LevelError, fmt.Sprintf("%s failed", phase)).
		WithPhase(string(phase)).
		WithResource("bootstrap").
		WithAction("failed").
		WithMetadata("reason", string(ReasonOf(err))).
		WithError(err))

	r.advance(StateFailed)
	return r.result
}
