package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/warden/pkg/types"
)

// FakeExecutor implements the Executor interface for testing purposes.
type FakeExecutor struct {
	mu             sync.Mutex
	ExecuteCalls   []string
	TerminateCalls []TerminateCall
	SuspendCalls   []string
	ResumeCalls    []string
	ProbeCalls     []string

	// Custom behavior options
	ExecuteFunc func(ctx context.Context, proc *types.Process) error
	ProbeFunc   func(ctx context.Context, proc *types.Process) (ProbeResult, error)

	// Default error responses
	ExecuteError   error
	TerminateError error
	SuspendError   error
	ResumeError    error

	// Default probe response
	ProbeHealthy bool
	ProbeIssues  []string
}

// TerminateCall records the parameters of a Terminate call.
type TerminateCall struct {
	ProcessID string
	Graceful  bool
	Timeout   time.Duration
}

// NewFakeExecutor creates a fake executor that succeeds at everything and
// reports every process healthy.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{ProbeHealthy: true}
}

// Execute implements Executor.
func (f *FakeExecutor) Execute(ctx context.Context, proc *types.Process) error {
	f.mu.Lock()
	f.ExecuteCalls = append(f.ExecuteCalls, proc.ID)
	f.mu.Unlock()

	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, proc)
	}
	return f.ExecuteError
}

// Terminate implements Executor.
func (f *FakeExecutor) Terminate(_ context.Context, proc *types.Process, graceful bool, timeout time.Duration) error {
	f.mu.Lock()
	f.TerminateCalls = append(f.TerminateCalls, TerminateCall{
		ProcessID: proc.ID,
		Graceful:  graceful,
		Timeout:   timeout,
	})
	f.mu.Unlock()
	return f.TerminateError
}

// Suspend implements Executor.
func (f *FakeExecutor) Suspend(_ context.Context, proc *types.Process) error {
	f.mu.Lock()
	f.SuspendCalls = append(f.SuspendCalls, proc.ID)
	f.mu.Unlock()
	return f.SuspendError
}

// Resume implements Executor.
func (f *FakeExecutor) Resume(_ context.Context, proc *types.Process) error {
	f.mu.Lock()
	f.ResumeCalls = append(f.ResumeCalls, proc.ID)
	f.mu.Unlock()
	return f.ResumeError
}

// Probe implements Executor.
func (f *FakeExecutor) Probe(ctx context.Context, proc *types.Process) (ProbeResult, error) {
	f.mu.Lock()
	f.ProbeCalls = append(f.ProbeCalls, proc.ID)
	f.mu.Unlock()

	if f.ProbeFunc != nil {
		return f.ProbeFunc(ctx, proc)
	}
	return ProbeResult{Healthy: f.ProbeHealthy, Issues: f.ProbeIssues}, nil
}

// ExecuteCount returns the number of Execute calls for a process id.
func (f *FakeExecutor) ExecuteCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.ExecuteCalls {
		if call == id {
			count++
		}
	}
	return count
}

// TerminateCount returns the number of Terminate calls for a process id.
func (f *FakeExecutor) TerminateCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.TerminateCalls {
		if call.ProcessID == id {
			count++
		}
	}
	return count
}

// FakePolicyBackend implements the PolicyBackend interface for testing
// purposes.
type FakePolicyBackend struct {
	mu                 sync.Mutex
	CheckCreationCalls []CreationCheckCall

	// Deny makes every creation check fail with DenyReason.
	Deny       bool
	DenyReason string

	// Violations makes every compliance check report these violations.
	Violations []string

	// Error responses
	CheckCreationError   error
	CheckComplianceError error
}

// CreationCheckCall records the parameters of a CheckCreation call.
type CreationCheckCall struct {
	TenantID   string
	ManifestID string
	Actor      string
}

// NewFakePolicyBackend creates a fake policy backend that allows everything.
func NewFakePolicyBackend() *FakePolicyBackend {
	return &FakePolicyBackend{}
}

// CheckCreation implements PolicyBackend.
func (f *FakePolicyBackend) CheckCreation(_ context.Context, tenantID string, manifest *types.Manifest, actor string) (*CreationDecision, error) {
	f.mu.Lock()
	f.CheckCreationCalls = append(f.CheckCreationCalls, CreationCheckCall{
		TenantID:   tenantID,
		ManifestID: manifest.ID(),
		Actor:      actor,
	})
	f.mu.Unlock()

	if f.CheckCreationError != nil {
		return nil, f.CheckCreationError
	}
	if f.Deny {
		reason := f.DenyReason
		if reason == "" {
			reason = "denied by policy"
		}
		return &CreationDecision{Allowed: false, Reason: reason}, nil
	}
	return &CreationDecision{Allowed: true}, nil
}

// CheckCompliance implements PolicyBackend.
func (f *FakePolicyBackend) CheckCompliance(_ context.Context, _ *types.Process) (*ComplianceResult, error) {
	if f.CheckComplianceError != nil {
		return nil, f.CheckComplianceError
	}
	if len(f.Violations) > 0 {
		return &ComplianceResult{Compliant: false, Violations: f.Violations}, nil
	}
	return &ComplianceResult{Compliant: true}, nil
}

// FakeResourceBackend implements the ResourceBackend interface with a simple
// per-tenant capacity table.
type FakeResourceBackend struct {
	mu sync.Mutex

	// Capacity limits allocations per tenant and resource key. Keys
	// absent from the map are unlimited.
	Capacity map[string]int64

	allocated map[string]int64

	// AllocateError makes every allocation fail.
	AllocateError error
}

// NewFakeResourceBackend creates an unlimited fake resource backend.
func NewFakeResourceBackend() *FakeResourceBackend {
	return &FakeResourceBackend{
		Capacity:  make(map[string]int64),
		allocated: make(map[string]int64),
	}
}

func (f *FakeResourceBackend) key(tenantID string, req types.ResourceRequirement) string {
	return fmt.Sprintf("%s/%s", tenantID, req.Key())
}

// SetCapacity caps the total allocatable amount for a tenant and resource.
func (f *FakeResourceBackend) SetCapacity(tenantID string, resource types.ResourceType, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Capacity[fmt.Sprintf("%s/%s", tenantID, resource)] = amount
}

// Allocate implements ResourceBackend.
func (f *FakeResourceBackend) Allocate(_ context.Context, tenantID string, req types.ResourceRequirement) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AllocateError != nil {
		return f.AllocateError
	}

	key := f.key(tenantID, req)
	if capacity, ok := f.Capacity[key]; ok {
		if f.allocated[key]+req.Amount > capacity {
			return fmt.Errorf("capacity exhausted for %s", key)
		}
	}
	f.allocated[key] += req.Amount
	return nil
}

// Release implements ResourceBackend.
func (f *FakeResourceBackend) Release(_ context.Context, tenantID string, req types.ResourceRequirement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated[f.key(tenantID, req)] -= req.Amount
	return nil
}

// Allocated returns the currently allocated amount for a tenant and
// resource key.
func (f *FakeResourceBackend) Allocated(tenantID string, resource types.ResourceType) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocated[fmt.Sprintf("%s/%s", tenantID, resource)]
}

// TotalAllocated sums outstanding allocations across all tenants and keys.
func (f *FakeResourceBackend) TotalAllocated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, amount := range f.allocated {
		total += amount
	}
	return total
}
