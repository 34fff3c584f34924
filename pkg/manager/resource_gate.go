package manager

import (
	"context"
	"sync"

	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/types"
)

// resourceGate admits spawns against tenant capacity and keeps the
// reservation ledger that guarantees every reserved unit is released exactly
// once per process lifetime.
type resourceGate struct {
	backend ResourceBackend
	logger  log.Logger

	mu           sync.Mutex
	reservations map[string]*reservation
}

type reservation struct {
	tenantID string
	reqs     []types.ResourceRequirement
	released bool
}

func newResourceGate(backend ResourceBackend, logger log.Logger) *resourceGate {
	return &resourceGate{
		backend:      backend,
		logger:       logger.WithComponent("resource-gate"),
		reservations: make(map[string]*reservation),
	}
}

// reserve allocates every requirement the manifest declares. Requirements
// are evaluated independently; if any cannot be satisfied, the ones already
// allocated for this call are rolled back before the error returns, so a
// failed reserve leaves nothing held.
func (g *resourceGate) reserve(ctx context.Context, proc *types.Process) error {
	reqs := proc.Manifest.Resources
	if len(reqs) == 0 {
		return nil
	}

	var granted []types.ResourceRequirement
	var missing []types.ResourceRequirement

	for _, req := range reqs {
		if err := g.backend.Allocate(ctx, proc.TenantID, req); err != nil {
			g.logger.Debug("Resource allocation refused",
				log.Str("process", proc.ID),
				log.Str("tenant", proc.TenantID),
				log.Str("resource", req.Key()),
				log.Int64("amount", req.Amount),
				log.Err(err))
			missing = append(missing, req)
			continue
		}
		granted = append(granted, req)
	}

	if len(missing) > 0 {
		for _, req := range granted {
			if err := g.backend.Release(ctx, proc.TenantID, req); err != nil {
				g.logger.Error("Failed to roll back partial reservation",
					log.Str("process", proc.ID),
					log.Str("resource", req.Key()),
					log.Err(err))
			}
		}
		return &types.ResourceExhaustedError{TenantID: proc.TenantID, Missing: missing}
	}

	g.mu.Lock()
	g.reservations[proc.ID] = &reservation{
		tenantID: proc.TenantID,
		reqs:     granted,
	}
	g.mu.Unlock()

	return nil
}

// release returns the process's reservation to the backend. It is safe to
// call more than once; only the first call reaches the backend.
func (g *resourceGate) release(ctx context.Context, processID string) {
	g.mu.Lock()
	res, ok := g.reservations[processID]
	if !ok || res.released {
		g.mu.Unlock()
		return
	}
	res.released = true
	g.mu.Unlock()

	for _, req := range res.reqs {
		if err := g.backend.Release(ctx, res.tenantID, req); err != nil {
			g.logger.Error("Failed to release resource",
				log.Str("process", processID),
				log.Str("resource", req.Key()),
				log.Err(err))
		}
	}
}

// forget drops the ledger entry once the process record is gone.
func (g *resourceGate) forget(processID string) {
	g.mu.Lock()
	delete(g.reservations, processID)
	g.mu.Unlock()
}

// outstanding reports whether the process still holds a live reservation.
func (g *resourceGate) outstanding(processID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.reservations[processID]
	return ok && !res.released
}
