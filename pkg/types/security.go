package types

// IsolationLevel is the degree of sandboxing applied to a process. Levels
// form a total order; Isolate only moves a process toward a stricter one.
type IsolationLevel int

const (
	IsolationNone IsolationLevel = iota
	IsolationBasic
	IsolationEnhanced
	IsolationMaximum
)

// String returns the string representation of the isolation level.
func (l IsolationLevel) String() string {
	switch l {
	case IsolationNone:
		return "none"
	case IsolationBasic:
		return "basic"
	case IsolationEnhanced:
		return "enhanced"
	case IsolationMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// AuditLevel controls how much of a process's activity is recorded.
type AuditLevel int

const (
	AuditNone AuditLevel = iota
	AuditBasic
	AuditDetailed
	AuditVerbose
)

// String returns the string representation of the audit level.
func (l AuditLevel) String() string {
	switch l {
	case AuditNone:
		return "none"
	case AuditBasic:
		return "basic"
	case AuditDetailed:
		return "detailed"
	case AuditVerbose:
		return "verbose"
	default:
		return "unknown"
	}
}

// RestrictionKind names a category of access a restriction governs.
type RestrictionKind string

const (
	RestrictNetwork    RestrictionKind = "network"
	RestrictFilesystem RestrictionKind = "filesystem"
)

// Restriction is a deny-by-default rule with an explicit allow-list.
type Restriction struct {
	Kind  RestrictionKind `json:"kind" yaml:"kind"`
	Allow []string        `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// SecurityContext is the immutable per-process security posture derived from
// the manifest's declared security level at spawn time.
type SecurityContext struct {
	IsolationLevel     IsolationLevel `json:"isolationLevel" yaml:"isolationLevel"`
	Restrictions       []Restriction  `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	AuditLevel         AuditLevel     `json:"auditLevel" yaml:"auditLevel"`
	EncryptionRequired bool           `json:"encryptionRequired" yaml:"encryptionRequired"`
}
