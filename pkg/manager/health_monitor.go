package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/warden/pkg/audit"
	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/types"
)

const (
	restartBackoffBase = 10 * time.Second
	restartBackoffMax  = 5 * time.Minute
)

// healthMonitor sweeps running processes on a fixed interval, evaluates
// liveness and resource ceilings, and restarts failing processes whose
// manifest allows it.
type healthMonitor struct {
	mgr    *Manager
	logger log.Logger

	mu       sync.Mutex
	inflight map[string]bool
	states   map[string]*healthState
}

// healthState tracks check and restart bookkeeping for one process.
type healthState struct {
	consecutiveFailures int
	restartCount        int
	lastRestart         time.Time
	lastCheck           time.Time
}

func newHealthMonitor(mgr *Manager) *healthMonitor {
	return &healthMonitor{
		mgr:      mgr,
		logger:   mgr.logger.WithComponent("health-monitor"),
		inflight: make(map[string]bool),
		states:   make(map[string]*healthState),
	}
}

// run drives periodic sweeps until the context is canceled.
func (h *healthMonitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick performs one sweep over a point-in-time copy of the id set, so the
// registry is never locked for the duration of a whole pass.
func (h *healthMonitor) tick(ctx context.Context) {
	live := make(map[string]bool)

	for _, id := range h.mgr.registry.ids() {
		live[id] = true

		proc, err := h.mgr.registry.get(id)
		if err != nil {
			continue
		}
		if proc.Status != types.ProcessStatusRunning || proc.Manifest.Health == nil {
			continue
		}

		if !h.begin(id, proc.Manifest.Health) {
			continue
		}
		h.check(ctx, proc)
		h.end(id)
	}

	h.prune(live)
}

// begin claims the per-process check slot; at most one check is outstanding
// per process id. It also enforces the process's own check interval when one
// is declared.
func (h *healthMonitor) begin(id string, policy *types.HealthCheckPolicy) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inflight[id] {
		return false
	}

	state, ok := h.states[id]
	if !ok {
		state = &healthState{}
		h.states[id] = state
	}

	if policy.IntervalSeconds > 0 && !state.lastCheck.IsZero() {
		due := state.lastCheck.Add(time.Duration(policy.IntervalSeconds) * time.Second)
		if time.Now().Before(due) {
			return false
		}
	}

	h.inflight[id] = true
	state.lastCheck = time.Now()
	return true
}

func (h *healthMonitor) end(id string) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}

// check evaluates one process and acts on the outcome.
func (h *healthMonitor) check(ctx context.Context, proc *types.Process) {
	issues := h.evaluate(ctx, proc)

	h.mu.Lock()
	state := h.states[proc.ID]
	if len(issues) == 0 {
		state.consecutiveFailures = 0
		h.mu.Unlock()

		h.mgr.registry.update(proc.ID, func(p *types.Process) error {
			p.Unhealthy = false
			return nil
		})
		return
	}

	state.consecutiveFailures++
	failures := state.consecutiveFailures
	h.mu.Unlock()

	h.logger.Warn("Health check failed",
		log.Str("process", proc.ID),
		log.Str("issues", strings.Join(issues, "; ")),
		log.Int("consecutive_failures", failures))

	threshold := proc.Manifest.Health.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if failures < threshold {
		return
	}

	if proc.Manifest.AutoRestart {
		h.restart(ctx, proc)
		return
	}

	// No auto-restart declared: leave it Running but flagged for the
	// metrics layer.
	h.mgr.registry.update(proc.ID, func(p *types.Process) error {
		p.Unhealthy = true
		return nil
	})
}

// evaluate probes the executor and checks the manifest's resource ceilings.
func (h *healthMonitor) evaluate(ctx context.Context, proc *types.Process) []string {
	var issues []string

	result, err := h.mgr.executor.Probe(ctx, proc)
	if err != nil {
		issues = append(issues, "probe error: "+err.Error())
	} else if !result.Healthy {
		if len(result.Issues) > 0 {
			issues = append(issues, result.Issues...)
		} else {
			issues = append(issues, "liveness probe failed")
		}
	}

	policy := proc.Manifest.Health
	if policy.MemoryLimitBytes > 0 && proc.Usage.MemoryBytes > policy.MemoryLimitBytes {
		issues = append(issues, "memory ceiling exceeded")
	}
	if policy.CPULimitCores > 0 && proc.Usage.CPUCores > policy.CPULimitCores {
		issues = append(issues, "cpu ceiling exceeded")
	}

	return issues
}

// restart performs the stop-then-start remedy behind an exponential backoff
// gate: base 10s doubling per restart, capped at 5m. At most one restart
// happens per failing tick.
func (h *healthMonitor) restart(ctx context.Context, proc *types.Process) {
	h.mu.Lock()
	state := h.states[proc.ID]

	backoff := restartBackoffBase * time.Duration(1<<uint(state.restartCount))
	if backoff > restartBackoffMax {
		backoff = restartBackoffMax
	}
	if !state.lastRestart.IsZero() && time.Since(state.lastRestart) < backoff {
		h.mu.Unlock()
		h.logger.Debug("Skipping restart due to backoff",
			log.Str("process", proc.ID),
			log.Duration("backoff", backoff))
		return
	}
	attempt := state.restartCount + 1
	h.mu.Unlock()

	h.logger.Info("Restarting unhealthy process",
		log.Str("process", proc.ID),
		log.Int("restart_count", attempt))

	if err := h.mgr.restartProcess(ctx, proc.ID); err != nil {
		h.logger.Error("Failed to restart unhealthy process",
			log.Str("process", proc.ID),
			log.Err(err))
		return
	}

	h.mu.Lock()
	state.restartCount++
	state.lastRestart = time.Now()
	state.consecutiveFailures = 0
	h.mu.Unlock()

	h.mgr.auditEvent(audit.EventHealthRestart, proc, "restarted after failed health check", nil)
}

// forget drops tracking state for a cleaned-up process.
func (h *healthMonitor) forget(id string) {
	h.mu.Lock()
	delete(h.states, id)
	delete(h.inflight, id)
	h.mu.Unlock()
}

// prune drops state for ids no longer in the registry.
func (h *healthMonitor) prune(live map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.states {
		if !live[id] {
			delete(h.states, id)
		}
	}
}
