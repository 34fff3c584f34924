package manager

import (
	"github.com/rzbill/warden/pkg/types"
)

// Default allow-lists for deny-by-default restrictions. Loopback and the
// scratch directory stay reachable even under the strictest isolation.
var (
	defaultNetworkAllow    = []string{"127.0.0.1/32"}
	defaultFilesystemAllow = []string{"/tmp"}
)

// DeriveSecurityContext maps a manifest's declared security level to the
// immutable per-process security context. Every valid level maps to a
// context; there is no failure mode.
func DeriveSecurityContext(level types.SecurityLevel) types.SecurityContext {
	switch level {
	case types.SecurityLevelMedium:
		return types.SecurityContext{
			IsolationLevel: types.IsolationBasic,
			AuditLevel:     types.AuditBasic,
		}
	case types.SecurityLevelHigh:
		return types.SecurityContext{
			IsolationLevel: types.IsolationEnhanced,
			Restrictions: []types.Restriction{
				{Kind: types.RestrictNetwork, Allow: defaultNetworkAllow},
			},
			AuditLevel: types.AuditDetailed,
		}
	case types.SecurityLevelCritical:
		return types.SecurityContext{
			IsolationLevel: types.IsolationMaximum,
			Restrictions: []types.Restriction{
				{Kind: types.RestrictNetwork, Allow: defaultNetworkAllow},
				{Kind: types.RestrictFilesystem, Allow: defaultFilesystemAllow},
			},
			AuditLevel:         types.AuditVerbose,
			EncryptionRequired: true,
		}
	default:
		// Low, and anything a pre-validated manifest should never carry.
		return types.SecurityContext{
			IsolationLevel: types.IsolationNone,
			AuditLevel:     types.AuditNone,
		}
	}
}
