package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SecurityLevel is the declared sensitivity of an application manifest.
type SecurityLevel string

const (
	SecurityLevelLow      SecurityLevel = "low"
	SecurityLevelMedium   SecurityLevel = "medium"
	SecurityLevelHigh     SecurityLevel = "high"
	SecurityLevelCritical SecurityLevel = "critical"
)

// ResourceType identifies a consumable resource kind.
type ResourceType string

const (
	ResourceMemory  ResourceType = "memory"
	ResourceCPU     ResourceType = "cpu"
	ResourceStorage ResourceType = "storage"
	ResourceNetwork ResourceType = "network"
	ResourceCustom  ResourceType = "custom"
)

// ResourceRequirement declares a quantity of a resource a process needs
// reserved for its whole lifetime.
type ResourceRequirement struct {
	Type   ResourceType `json:"type" yaml:"type"`
	Amount int64        `json:"amount" yaml:"amount"`
	Unit   string       `json:"unit,omitempty" yaml:"unit,omitempty"`

	// Name distinguishes custom resource kinds.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns the accounting key for the requirement. Custom resources are
// keyed by their declared name so two custom kinds never collide.
func (r ResourceRequirement) Key() string {
	if r.Type == ResourceCustom && r.Name != "" {
		return string(ResourceCustom) + ":" + r.Name
	}
	return string(r.Type)
}

// HealthCheckPolicy declares how a running process is probed and which
// resource ceilings it must stay under.
type HealthCheckPolicy struct {
	// IntervalSeconds between evaluations for this process. Zero falls back
	// to the monitor's sweep interval.
	IntervalSeconds int `json:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`

	// MemoryLimitBytes is the memory ceiling; zero disables the check.
	MemoryLimitBytes int64 `json:"memoryLimitBytes,omitempty" yaml:"memoryLimitBytes,omitempty"`

	// CPULimitCores is the CPU ceiling in cores; zero disables the check.
	CPULimitCores float64 `json:"cpuLimitCores,omitempty" yaml:"cpuLimitCores,omitempty"`

	// FailureThreshold is the number of consecutive failures before the
	// monitor acts. Zero means act on the first failure.
	FailureThreshold int `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
}

// Manifest is the validated, immutable descriptor of an application's
// execution requirements, permissions and policies. Schema and business-rule
// validation happen upstream; this package only checks structure.
type Manifest struct {
	Name          string        `json:"name" yaml:"name"`
	Version       string        `json:"version" yaml:"version"`
	EntryPoint    string        `json:"entryPoint" yaml:"entryPoint"`
	Permissions   []string      `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	SecurityLevel SecurityLevel `json:"securityLevel" yaml:"securityLevel"`

	// Resources the process reserves at spawn time.
	Resources []ResourceRequirement `json:"resources,omitempty" yaml:"resources,omitempty"`

	// MaxInstances caps concurrent live processes per tenant for this
	// manifest. Zero or negative means unlimited.
	MaxInstances int `json:"maxInstances,omitempty" yaml:"maxInstances,omitempty"`

	// AutoRestart lets the health monitor restart a failing process.
	AutoRestart bool `json:"autoRestart,omitempty" yaml:"autoRestart,omitempty"`

	Health *HealthCheckPolicy `json:"health,omitempty" yaml:"health,omitempty"`
}

// ID identifies the manifest for quota accounting.
func (m *Manifest) ID() string {
	return m.Name + "@" + m.Version
}

// Validate checks structural validity of the manifest.
func (m *Manifest) Validate() error {
	if m == nil {
		return NewValidationError("manifest is required")
	}
	if m.Name == "" {
		return NewValidationError("manifest name is required")
	}
	if m.Version == "" {
		return NewValidationError("manifest version is required")
	}
	if m.EntryPoint == "" {
		return NewValidationError("manifest entryPoint is required")
	}
	switch m.SecurityLevel {
	case SecurityLevelLow, SecurityLevelMedium, SecurityLevelHigh, SecurityLevelCritical:
	case "":
		return NewValidationError("manifest securityLevel is required")
	default:
		return NewValidationError("unknown securityLevel: " + string(m.SecurityLevel))
	}
	for i, req := range m.Resources {
		if req.Type == "" {
			return NewValidationError("resource requirement type is required")
		}
		if req.Amount <= 0 {
			return NewValidationError(fmt.Sprintf("resource requirement %d must have a positive amount", i))
		}
	}
	return nil
}

// ParseManifest decodes a YAML manifest document and validates its structure.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, WrapValidationError(err, "failed to parse manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
