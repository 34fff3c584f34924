package manager

import (
	"fmt"
	"sync"

	"github.com/rzbill/warden/pkg/types"
)

// registry owns the canonical process map and the parent/child tree. Every
// structural mutation and every record read/write goes through it under its
// own lock, independent of the manager's per-process serialization.
type registry struct {
	mu    sync.RWMutex
	procs map[string]*types.Process
}

func newRegistry() *registry {
	return &registry{
		procs: make(map[string]*types.Process),
	}
}

// register adds the process, checking the manifest instance quota and
// attaching it to its parent in the same critical section so two concurrent
// spawns cannot both win the last quota slot.
func (r *registry) register(proc *types.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[proc.ID]; exists {
		return fmt.Errorf("process %s already registered", proc.ID)
	}

	if limit := proc.Manifest.MaxInstances; limit > 0 {
		current := r.countQuotaLocked(proc.Manifest.ID(), proc.TenantID)
		if current >= limit {
			return &types.QuotaExceededError{
				ManifestID: proc.Manifest.ID(),
				TenantID:   proc.TenantID,
				Current:    current,
				Limit:      limit,
			}
		}
	}

	if proc.ParentID != "" {
		parent, ok := r.procs[proc.ParentID]
		if !ok {
			return &types.NotFoundError{ProcessID: proc.ParentID}
		}
		if parent.Status.IsTerminal() {
			return &types.InvalidTransitionError{
				ProcessID: parent.ID,
				From:      parent.Status,
				Operation: "attach child to",
			}
		}
		// A new process has no descendants, so attaching it under an
		// existing parent cannot form a cycle. Reparenting is not
		// supported, which keeps that true for the tree's lifetime.
		parent.ChildIDs = append(parent.ChildIDs, proc.ID)
	}

	r.procs[proc.ID] = proc
	return nil
}

// remove deletes the record and detaches it from its parent's child list.
func (r *registry) remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[id]
	if !ok {
		return &types.NotFoundError{ProcessID: id}
	}

	if proc.ParentID != "" {
		if parent, ok := r.procs[proc.ParentID]; ok {
			children := parent.ChildIDs[:0]
			for _, childID := range parent.ChildIDs {
				if childID != id {
					children = append(children, childID)
				}
			}
			parent.ChildIDs = children
		}
	}

	delete(r.procs, id)
	return nil
}

// get returns a clone of the record.
func (r *registry) get(id string) (*types.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proc, ok := r.procs[id]
	if !ok {
		return nil, &types.NotFoundError{ProcessID: id}
	}
	return proc.Clone(), nil
}

// update applies fn to the live record under the registry lock. fn must be
// quick and must not call back into the registry.
func (r *registry) update(id string, fn func(*types.Process) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[id]
	if !ok {
		return &types.NotFoundError{ProcessID: id}
	}
	return fn(proc)
}

// ids returns a point-in-time copy of the id set, for background sweeps that
// must not hold the registry lock across a whole pass.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.procs))
	for id := range r.procs {
		out = append(out, id)
	}
	return out
}

// list returns clones of every record.
func (r *registry) list() []*types.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Process, 0, len(r.procs))
	for _, proc := range r.procs {
		out = append(out, proc.Clone())
	}
	return out
}

// listTenant returns clones of every record owned by the tenant.
func (r *registry) listTenant(tenantID string) []*types.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Process
	for _, proc := range r.procs {
		if proc.TenantID == tenantID {
			out = append(out, proc.Clone())
		}
	}
	return out
}

// countQuota counts live instances of the manifest in the tenant.
func (r *registry) countQuota(manifestID, tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countQuotaLocked(manifestID, tenantID)
}

func (r *registry) countQuotaLocked(manifestID, tenantID string) int {
	count := 0
	for _, proc := range r.procs {
		if proc.TenantID == tenantID && proc.Manifest.ID() == manifestID && proc.Status.CountsAgainstQuota() {
			count++
		}
	}
	return count
}

// childIDs returns the direct children of a process.
func (r *registry) childIDs(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proc, ok := r.procs[id]
	if !ok {
		return nil, &types.NotFoundError{ProcessID: id}
	}
	return append([]string(nil), proc.ChildIDs...), nil
}

// tree builds a point-in-time clone of the process and its descendants.
func (r *registry) tree(id string) (*types.ProcessTree, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.procs[id]; !ok {
		return nil, &types.NotFoundError{ProcessID: id}
	}
	return r.treeLocked(id), nil
}

func (r *registry) treeLocked(id string) *types.ProcessTree {
	proc, ok := r.procs[id]
	if !ok {
		return nil
	}

	node := &types.ProcessTree{Process: proc.Clone()}
	for _, childID := range proc.ChildIDs {
		if child := r.treeLocked(childID); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}
