package types

import (
	"time"
)

// ProcessStatus represents the current lifecycle state of a process.
type ProcessStatus string

const (
	// ProcessStatusCreated is the only initial state.
	ProcessStatusCreated ProcessStatus = "Created"

	// ProcessStatusStarting indicates the execution hook is being invoked.
	ProcessStatusStarting ProcessStatus = "Starting"

	// ProcessStatusRunning indicates the process is executing.
	ProcessStatusRunning ProcessStatus = "Running"

	// ProcessStatusSuspended indicates execution is paused with resources
	// still reserved.
	ProcessStatusSuspended ProcessStatus = "Suspended"

	// ProcessStatusStopping indicates a graceful or forced stop is in
	// progress.
	ProcessStatusStopping ProcessStatus = "Stopping"

	// ProcessStatusStopped indicates the process has stopped and its
	// resources have been released.
	ProcessStatusStopped ProcessStatus = "Stopped"

	// ProcessStatusError indicates a lifecycle operation failed.
	ProcessStatusError ProcessStatus = "Error"

	// ProcessStatusTerminated is the only final state; no further
	// transition is possible.
	ProcessStatusTerminated ProcessStatus = "Terminated"
)

// IsTerminal reports whether no further lifecycle work is pending for the
// status. Cleanup is legal only from terminal states.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusStopped || s == ProcessStatusError || s == ProcessStatusTerminated
}

// CountsAgainstQuota reports whether a process in this status occupies an
// instance slot for its manifest and tenant.
func (s ProcessStatus) CountsAgainstQuota() bool {
	switch s {
	case ProcessStatusCreated, ProcessStatusStarting, ProcessStatusRunning, ProcessStatusSuspended:
		return true
	}
	return false
}

// ResourceUsage is a mutable telemetry snapshot for a process, updated by
// external telemetry and read by the health monitor and metrics aggregator.
type ResourceUsage struct {
	MemoryBytes  int64            `json:"memoryBytes" yaml:"memoryBytes"`
	CPUCores     float64          `json:"cpuCores" yaml:"cpuCores"`
	StorageBytes int64            `json:"storageBytes" yaml:"storageBytes"`
	NetworkBPS   int64            `json:"networkBps" yaml:"networkBps"`
	Custom       map[string]int64 `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ProcessMetadata carries descriptive attributes with no lifecycle effect.
type ProcessMetadata struct {
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Process is a logical application process running inside the shared
// multi-tenant host. Its Status is mutated only through the manager's
// transition API.
type Process struct {
	// Unique identifier, generated at spawn time, never reused.
	ID string `json:"id" yaml:"id"`

	// Manifest that produced this process. Immutable.
	Manifest *Manifest `json:"manifest" yaml:"manifest"`

	// Owning tenant; scopes every quota and policy check.
	TenantID string `json:"tenantId" yaml:"tenantId"`

	Status ProcessStatus `json:"status" yaml:"status"`

	// Detailed status information.
	StatusMessage string `json:"statusMessage,omitempty" yaml:"statusMessage,omitempty"`

	CreatedAt time.Time  `json:"createdAt" yaml:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty" yaml:"stoppedAt,omitempty"`

	// Parent/child ownership tree. Children are attached only at spawn
	// time and never reparented.
	ParentID string   `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	ChildIDs []string `json:"childIds,omitempty" yaml:"childIds,omitempty"`

	Usage ResourceUsage `json:"usage" yaml:"usage"`

	// Security posture, set once at spawn. Mutated only by Isolate.
	Security SecurityContext `json:"security" yaml:"security"`

	Metadata ProcessMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Unhealthy is set by the health monitor when checks fail and the
	// manifest does not allow auto-restart.
	Unhealthy bool `json:"unhealthy,omitempty" yaml:"unhealthy,omitempty"`

	// RestartCount is the number of times the health monitor has
	// restarted this process.
	RestartCount int `json:"restartCount,omitempty" yaml:"restartCount,omitempty"`
}

// Clone returns a deep copy of the process safe for the caller to inspect
// while the original keeps changing under the manager.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	out := *p

	out.ChildIDs = append([]string(nil), p.ChildIDs...)

	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.StoppedAt != nil {
		t := *p.StoppedAt
		out.StoppedAt = &t
	}

	if p.Usage.Custom != nil {
		out.Usage.Custom = make(map[string]int64, len(p.Usage.Custom))
		for k, v := range p.Usage.Custom {
			out.Usage.Custom[k] = v
		}
	}

	out.Security.Restrictions = append([]Restriction(nil), p.Security.Restrictions...)

	if p.Metadata.Tags != nil {
		out.Metadata.Tags = make(map[string]string, len(p.Metadata.Tags))
		for k, v := range p.Metadata.Tags {
			out.Metadata.Tags[k] = v
		}
	}

	return &out
}

// ProcessTree is a point-in-time view of a process and its descendants.
type ProcessTree struct {
	Process  *Process       `json:"process" yaml:"process"`
	Children []*ProcessTree `json:"children,omitempty" yaml:"children,omitempty"`
}
