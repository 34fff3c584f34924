package manager

import (
	"context"
	"time"

	"github.com/rzbill/warden/pkg/types"
)

// Executor is the injected capability that actually runs, pauses and
// terminates processes. The lifecycle core never touches OS processes or
// containers itself; it drives this interface and a test double stands in
// for it in tests.
type Executor interface {
	// Execute starts execution for the process.
	Execute(ctx context.Context, proc *types.Process) error

	// Terminate stops execution. A graceful stop lets in-flight work drain
	// up to timeout; a forced one does not.
	Terminate(ctx context.Context, proc *types.Process, graceful bool, timeout time.Duration) error

	// Suspend pauses execution without releasing resources.
	Suspend(ctx context.Context, proc *types.Process) error

	// Resume continues a suspended process.
	Resume(ctx context.Context, proc *types.Process) error

	// Probe checks liveness of a running process.
	Probe(ctx context.Context, proc *types.Process) (ProbeResult, error)
}

// ProbeResult is the outcome of a liveness probe.
type ProbeResult struct {
	Healthy bool
	Issues  []string
}

// CreationDecision is the policy backend's verdict on a spawn request.
type CreationDecision struct {
	Allowed      bool
	Reason       string
	Restrictions []types.Restriction
}

// ComplianceResult is the policy backend's verdict on a live process.
type ComplianceResult struct {
	Compliant    bool
	Violations   []string
	Restrictions []types.Restriction
}

// PolicyBackend evaluates tenant- and role-based security rules. Rule
// evaluation lives outside the core; the core enforces the outcome.
type PolicyBackend interface {
	// CheckCreation decides whether the actor may create a process from
	// the manifest in the tenant.
	CheckCreation(ctx context.Context, tenantID string, manifest *types.Manifest, actor string) (*CreationDecision, error)

	// CheckCompliance re-evaluates an already-running process.
	CheckCompliance(ctx context.Context, proc *types.Process) (*ComplianceResult, error)
}

// ResourceBackend tracks host-wide consumable capacity per tenant. The core
// trusts its yes/no answers and pairs every successful Allocate with exactly
// one Release.
type ResourceBackend interface {
	Allocate(ctx context.Context, tenantID string, resource types.ResourceRequirement) error
	Release(ctx context.Context, tenantID string, resource types.ResourceRequirement) error
}

// PolicyResult is returned by EnforcePolicies.
type PolicyResult struct {
	Allowed       bool
	Reason        string
	Restrictions  []types.Restriction
	AuditRequired bool
}

// NopExecutor is an Executor that succeeds at everything and reports every
// process healthy. The daemon runs with it when no real execution backend is
// wired in.
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, *types.Process) error { return nil }

func (NopExecutor) Terminate(context.Context, *types.Process, bool, time.Duration) error {
	return nil
}

func (NopExecutor) Suspend(context.Context, *types.Process) error { return nil }

func (NopExecutor) Resume(context.Context, *types.Process) error { return nil }

func (NopExecutor) Probe(context.Context, *types.Process) (ProbeResult, error) {
	return ProbeResult{Healthy: true}, nil
}

// NopPolicyBackend allows every creation and reports every process
// compliant. The daemon runs with it when no real policy engine is wired in.
type NopPolicyBackend struct{}

func (NopPolicyBackend) CheckCreation(context.Context, string, *types.Manifest, string) (*CreationDecision, error) {
	return &CreationDecision{Allowed: true}, nil
}

func (NopPolicyBackend) CheckCompliance(context.Context, *types.Process) (*ComplianceResult, error) {
	return &ComplianceResult{Compliant: true}, nil
}

// NopResourceBackend treats capacity as unlimited.
type NopResourceBackend struct{}

func (NopResourceBackend) Allocate(context.Context, string, types.ResourceRequirement) error {
	return nil
}

func (NopResourceBackend) Release(context.Context, string, types.ResourceRequirement) error {
	return nil
}
