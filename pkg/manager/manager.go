// Package manager implements the tenant-scoped process lifecycle core:
// spawning, starting, suspending, resuming, stopping and cleaning up logical
// application processes while enforcing per-tenant resource budgets,
// per-manifest instance quotas and security isolation policy.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rzbill/warden/pkg/audit"
	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/types"
)

// Config holds the manager's tunables.
type Config struct {
	// StopTimeout bounds the graceful drain during Stop.
	StopTimeout time.Duration

	// HealthInterval is the health monitor's sweep interval.
	HealthInterval time.Duration

	// MetricsInterval is the metrics aggregator's rollup interval.
	MetricsInterval time.Duration

	// ComplianceSchedule is a cron expression for the periodic
	// EnforcePolicies pass. Empty disables the sweep.
	ComplianceSchedule string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		StopTimeout:     10 * time.Second,
		HealthInterval:  30 * time.Second,
		MetricsInterval: 10 * time.Second,
	}
}

// Manager is the lifecycle controller. All process state mutation funnels
// through it; operations on the same process id are serialized, operations
// on different ids run concurrently.
type Manager struct {
	logger   log.Logger
	executor Executor
	policy   PolicyBackend
	registry *registry
	gate     *resourceGate
	sink     audit.Sink
	config   Config

	locks   *keyedMutex
	health  *healthMonitor
	metrics *metricsAggregator
	cron    *cron.Cron

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditSink sets the audit sink lifecycle events are recorded to.
func WithAuditSink(sink audit.Sink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(m *Manager) {
		m.config = config
	}
}

// New creates a Manager around the given execution, policy and resource
// backends.
func New(executor Executor, policy PolicyBackend, resources ResourceBackend, opts ...Option) *Manager {
	m := &Manager{
		logger:   log.NewLogger(),
		executor: executor,
		policy:   policy,
		sink:     audit.NopSink{},
		config:   DefaultConfig(),
		registry: newRegistry(),
		locks:    newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.WithComponent("lifecycle-manager")
	m.gate = newResourceGate(resources, m.logger)
	m.health = newHealthMonitor(m)
	m.metrics = newMetricsAggregator(m.registry, m.logger)

	return m
}

// Run starts the background loops (health sweeps, metrics rollups and the
// optional compliance sweep). It returns once they are running; Shutdown
// stops them.
func (m *Manager) Run(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("manager already running")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("Starting lifecycle manager",
		log.Duration("health_interval", m.config.HealthInterval),
		log.Duration("metrics_interval", m.config.MetricsInterval))

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.health.run(ctx, m.config.HealthInterval)
	}()
	go func() {
		defer m.wg.Done()
		m.metrics.run(ctx, m.config.MetricsInterval)
	}()

	if m.config.ComplianceSchedule != "" {
		c := cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		if _, err := c.AddFunc(m.config.ComplianceSchedule, func() { m.complianceSweep(ctx) }); err != nil {
			m.cancel()
			m.cancel = nil
			return fmt.Errorf("invalid compliance schedule %q: %w", m.config.ComplianceSchedule, err)
		}
		c.Start()
		m.cron = c
		m.logger.Info("Compliance sweep scheduled",
			log.Str("schedule", m.config.ComplianceSchedule))
	}

	return nil
}

// Shutdown stops the background loops and waits for them to finish. It does
// not stop managed processes; callers decide whether a shutdown should
// cascade.
func (m *Manager) Shutdown() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return nil
	}

	m.logger.Info("Stopping lifecycle manager")
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()

	return nil
}

// SpawnOption customizes a spawn request.
type SpawnOption func(*spawnRequest)

type spawnRequest struct {
	parentID string
	actor    string
	metadata types.ProcessMetadata
}

// WithParent attaches the new process as a child of an existing one.
func WithParent(parentID string) SpawnOption {
	return func(r *spawnRequest) {
		r.parentID = parentID
	}
}

// WithActor names the principal requesting the spawn, for policy evaluation
// and the audit trail.
func WithActor(actor string) SpawnOption {
	return func(r *spawnRequest) {
		r.actor = actor
	}
}

// WithMetadata sets the descriptive metadata of the new process.
func WithMetadata(metadata types.ProcessMetadata) SpawnOption {
	return func(r *spawnRequest) {
		r.metadata = metadata
	}
}

// Spawn admits a manifest for a tenant through the policy, quota and
// resource gates, registers the process and starts it. It is all-or-nothing:
// on any failure no record and no reservation remain.
func (m *Manager) Spawn(ctx context.Context, manifest *types.Manifest, tenantID string, opts ...SpawnOption) (*types.Process, error) {
	req := &spawnRequest{}
	for _, opt := range opts {
		opt(req)
	}

	if err := manifest.Validate(); err != nil {
		m.metrics.recordFailure()
		return nil, err
	}
	if tenantID == "" {
		m.metrics.recordFailure()
		return nil, types.NewValidationError("tenant id is required")
	}

	decision, err := m.policy.CheckCreation(ctx, tenantID, manifest, req.actor)
	if err != nil {
		m.metrics.recordFailure()
		return nil, fmt.Errorf("security policy check failed: %w", err)
	}
	if !decision.Allowed {
		m.metrics.recordFailure()
		m.auditEvent(audit.EventSpawnDenied, nil, decision.Reason, map[string]string{
			"tenant":   tenantID,
			"manifest": manifest.ID(),
			"actor":    req.actor,
		})
		m.logger.Info("Spawn denied by security policy",
			log.Str("tenant", tenantID),
			log.Str("manifest", manifest.ID()),
			log.Str("reason", decision.Reason))
		return nil, &types.PolicyDeniedError{TenantID: tenantID, Reason: decision.Reason}
	}

	security := DeriveSecurityContext(manifest.SecurityLevel)
	security.Restrictions = mergeRestrictions(security.Restrictions, decision.Restrictions)

	proc := &types.Process{
		ID:        uuid.New().String(),
		Manifest:  manifest,
		TenantID:  tenantID,
		Status:    types.ProcessStatusCreated,
		CreatedAt: time.Now(),
		ParentID:  req.parentID,
		Security:  security,
		Metadata:  req.metadata,
	}

	// Quota check and registration happen atomically inside the registry,
	// so N+1 concurrent spawns against a limit of N admit exactly N.
	if err := m.registry.register(proc); err != nil {
		m.metrics.recordFailure()
		if types.IsQuotaExceeded(err) {
			m.auditEvent(audit.EventSpawnDenied, proc, err.Error(), nil)
		}
		return nil, err
	}

	if err := m.gate.reserve(ctx, proc); err != nil {
		m.metrics.recordFailure()
		if rmErr := m.registry.remove(proc.ID); rmErr != nil {
			m.logger.Error("Failed to deregister process after reservation failure",
				log.Str("process", proc.ID), log.Err(rmErr))
		}
		return nil, err
	}

	unlock := m.locks.lock(proc.ID)
	err = m.startWithLock(ctx, proc.ID, false)
	unlock()
	if err != nil {
		// Spawn is all-or-nothing: a failed start leaves no dangling
		// Error record and no reservation behind.
		m.gate.release(ctx, proc.ID)
		m.gate.forget(proc.ID)
		if rmErr := m.registry.remove(proc.ID); rmErr != nil {
			m.logger.Error("Failed to deregister process after start failure",
				log.Str("process", proc.ID), log.Err(rmErr))
		}
		return nil, err
	}

	m.metrics.recordSpawn()
	m.auditEvent(audit.EventSpawn, proc, "process spawned", map[string]string{"actor": req.actor})
	m.logger.Info("Process spawned",
		log.Str("process", proc.ID),
		log.Str("tenant", tenantID),
		log.Str("manifest", manifest.ID()))

	return m.registry.get(proc.ID)
}

// Start starts a process. Legal only from Created or Suspended.
func (m *Manager) Start(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()
	return m.startWithLock(ctx, id, false)
}

// Stop gracefully stops a process and its descendants, children first.
// Already-stopped processes make it an idempotent no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.stopProcess(ctx, id, true)
}

// Kill force-stops a process and its descendants without a drain.
func (m *Manager) Kill(ctx context.Context, id string) error {
	return m.stopProcess(ctx, id, false)
}

// Suspend pauses a running process without releasing its resources.
func (m *Manager) Suspend(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}
	if proc.Status != types.ProcessStatusRunning {
		return &types.InvalidTransitionError{ProcessID: id, From: proc.Status, Operation: "suspend"}
	}

	if err := m.executor.Suspend(ctx, proc); err != nil {
		m.setStatus(id, types.ProcessStatusError, fmt.Sprintf("suspend failed: %v", err))
		return fmt.Errorf("failed to suspend process %s: %w", id, err)
	}

	m.setStatus(id, types.ProcessStatusSuspended, "Suspended")
	m.auditEvent(audit.EventSuspend, proc, "process suspended", nil)
	m.logger.Info("Process suspended", log.Str("process", id))
	return nil
}

// Resume continues a suspended process.
func (m *Manager) Resume(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}
	if proc.Status != types.ProcessStatusSuspended {
		return &types.InvalidTransitionError{ProcessID: id, From: proc.Status, Operation: "resume"}
	}

	if err := m.executor.Resume(ctx, proc); err != nil {
		m.setStatus(id, types.ProcessStatusError, fmt.Sprintf("resume failed: %v", err))
		return fmt.Errorf("failed to resume process %s: %w", id, err)
	}

	m.setStatus(id, types.ProcessStatusRunning, "Running")
	m.auditEvent(audit.EventResume, proc, "process resumed", nil)
	m.logger.Info("Process resumed", log.Str("process", id))
	return nil
}

// Cleanup releases anything a terminal process still holds and removes it
// from the registry and the tree. Legal only once the process and all of its
// children are terminal.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}
	if !proc.Status.IsTerminal() {
		return &types.InvalidTransitionError{ProcessID: id, From: proc.Status, Operation: "cleanup"}
	}

	for _, childID := range proc.ChildIDs {
		child, err := m.registry.get(childID)
		if err != nil {
			continue // already cleaned up
		}
		if !child.Status.IsTerminal() {
			return &types.InvalidTransitionError{ProcessID: childID, From: child.Status, Operation: "cleanup parent of"}
		}
	}

	// A process that went straight to Error still holds its reservation;
	// release is a no-op for the ones stop already returned.
	m.gate.release(ctx, id)

	m.setStatus(id, types.ProcessStatusTerminated, "Terminated")
	if err := m.registry.remove(id); err != nil {
		return err
	}
	m.gate.forget(id)
	m.health.forget(id)

	m.auditEvent(audit.EventCleanup, proc, "process cleaned up", nil)
	m.logger.Info("Process cleaned up", log.Str("process", id))
	return nil
}

// EnforcePolicies re-evaluates security and resource compliance for a live
// process. A security violation always sets AuditRequired.
func (m *Manager) EnforcePolicies(ctx context.Context, id string) (*PolicyResult, error) {
	proc, err := m.registry.get(id)
	if err != nil {
		return nil, err
	}

	compliance, err := m.policy.CheckCompliance(ctx, proc)
	if err != nil {
		return nil, fmt.Errorf("compliance check failed: %w", err)
	}

	result := &PolicyResult{
		Allowed:      compliance.Compliant,
		Restrictions: compliance.Restrictions,
	}

	if !compliance.Compliant {
		result.Reason = strings.Join(compliance.Violations, "; ")
		result.AuditRequired = true
		m.auditEvent(audit.EventPolicyViolation, proc, result.Reason, nil)
		m.logger.Warn("Security compliance violation",
			log.Str("process", id),
			log.Str("violations", result.Reason))
	}

	if overages := resourceOverages(proc); len(overages) > 0 {
		result.Allowed = false
		if result.Reason != "" {
			result.Reason += "; "
		}
		result.Reason += strings.Join(overages, "; ")
		m.logger.Warn("Resource compliance violation",
			log.Str("process", id),
			log.Str("overages", strings.Join(overages, "; ")))
	}

	return result, nil
}

// Isolate applies a stricter isolation level to a live process. It is the
// one sanctioned mutation of an existing security context; loosening is
// rejected and the lifecycle state does not change.
func (m *Manager) Isolate(ctx context.Context, id string, level types.IsolationLevel) error {
	unlock := m.locks.lock(id)
	defer unlock()

	err := m.registry.update(id, func(p *types.Process) error {
		if p.Status == types.ProcessStatusTerminated {
			return &types.InvalidTransitionError{ProcessID: id, From: p.Status, Operation: "isolate"}
		}
		if level <= p.Security.IsolationLevel {
			return fmt.Errorf("isolation level %s does not tighten current level %s",
				level, p.Security.IsolationLevel)
		}
		p.Security.IsolationLevel = level
		p.Security.Restrictions = mergeRestrictions(p.Security.Restrictions, restrictionsForIsolation(level))
		return nil
	})
	if err != nil {
		return err
	}

	proc, _ := m.registry.get(id)
	m.auditEvent(audit.EventIsolate, proc, "isolation escalated to "+level.String(), nil)
	m.logger.Info("Process isolation escalated",
		log.Str("process", id),
		log.Str("level", level.String()))
	return nil
}

// UpdateUsage records a telemetry snapshot for a process. It is the entry
// point external telemetry feeds; the health monitor and metrics aggregator
// read what it writes.
func (m *Manager) UpdateUsage(id string, usage types.ResourceUsage) error {
	return m.registry.update(id, func(p *types.Process) error {
		p.Usage = usage
		return nil
	})
}

// GetProcess returns a point-in-time copy of a process.
func (m *Manager) GetProcess(id string) (*types.Process, error) {
	return m.registry.get(id)
}

// ListTenantProcesses returns copies of every process owned by the tenant.
func (m *Manager) ListTenantProcesses(tenantID string) []*types.Process {
	return m.registry.listTenant(tenantID)
}

// GetProcessTree returns a point-in-time copy of a process and its
// descendants.
func (m *Manager) GetProcessTree(id string) (*types.ProcessTree, error) {
	return m.registry.tree(id)
}

// GetMetrics computes a read-only metrics snapshot.
func (m *Manager) GetMetrics() types.ProcessMetrics {
	return m.metrics.collect()
}

// startWithLock runs the start transition. The caller holds the process's
// keyed lock. allowStopped lets the health monitor's restart path start a
// process it just stopped.
func (m *Manager) startWithLock(ctx context.Context, id string, allowStopped bool) error {
	err := m.registry.update(id, func(p *types.Process) error {
		switch p.Status {
		case types.ProcessStatusCreated, types.ProcessStatusSuspended:
		case types.ProcessStatusStopped:
			if !allowStopped {
				return &types.InvalidTransitionError{ProcessID: id, From: p.Status, Operation: "start"}
			}
		default:
			return &types.InvalidTransitionError{ProcessID: id, From: p.Status, Operation: "start"}
		}
		p.Status = types.ProcessStatusStarting
		p.StatusMessage = "Starting"
		return nil
	})
	if err != nil {
		return err
	}

	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}

	begin := time.Now()
	if err := m.executor.Execute(ctx, proc); err != nil {
		// Cancellation lands here too: the process moves to Error
		// rather than staying stuck in Starting.
		m.setStatus(id, types.ProcessStatusError, fmt.Sprintf("start failed: %v", err))
		m.metrics.recordFailure()
		m.auditEvent(audit.EventStartFailed, proc, err.Error(), nil)
		m.logger.Error("Process start failed", log.Str("process", id), log.Err(err))
		return fmt.Errorf("failed to start process %s: %w", id, err)
	}

	now := time.Now()
	m.registry.update(id, func(p *types.Process) error {
		p.Status = types.ProcessStatusRunning
		p.StatusMessage = "Running"
		started := now
		p.StartedAt = &started
		p.StoppedAt = nil
		p.Unhealthy = false
		return nil
	})

	m.metrics.recordStart(now.Sub(begin))
	m.auditEvent(audit.EventStart, proc, "process started", nil)
	m.logger.Info("Process started", log.Str("process", id))
	return nil
}

// stopOptions control the internal stop transition. A caller-facing stop
// cascades to children and returns the reservation; the health monitor's
// restart stop does neither.
type stopOptions struct {
	graceful bool
	cascade  bool
	release  bool
}

func (m *Manager) stopProcess(ctx context.Context, id string, graceful bool) error {
	unlock := m.locks.lock(id)
	defer unlock()
	return m.stopWithLock(ctx, id, stopOptions{graceful: graceful, cascade: true, release: true})
}

// stopWithLock runs the stop transition; with cascade set it works
// depth-first, so every child reaches a terminal status before the parent's
// own shutdown begins.
func (m *Manager) stopWithLock(ctx context.Context, id string, opts stopOptions) error {
	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}

	switch proc.Status {
	case types.ProcessStatusStopped, types.ProcessStatusTerminated:
		return nil
	case types.ProcessStatusError:
		return &types.InvalidTransitionError{ProcessID: id, From: proc.Status, Operation: "stop"}
	}

	m.setStatus(id, types.ProcessStatusStopping, "Stopping")

	if opts.cascade {
		children, err := m.registry.childIDs(id)
		if err == nil {
			for _, childID := range children {
				if err := m.stopProcess(ctx, childID, opts.graceful); err != nil {
					if types.IsNotFound(err) || types.IsInvalidTransition(err) {
						continue
					}
					m.logger.Error("Failed to stop child process",
						log.Str("process", id),
						log.Str("child", childID),
						log.Err(err))
				}
			}
		}
	}

	// A process that never started has nothing to drain.
	if proc.Status != types.ProcessStatusCreated {
		if err := m.executor.Terminate(ctx, proc, opts.graceful, m.config.StopTimeout); err != nil {
			m.setStatus(id, types.ProcessStatusError, fmt.Sprintf("stop failed: %v", err))
			m.logger.Error("Process stop failed", log.Str("process", id), log.Err(err))
			return fmt.Errorf("failed to stop process %s: %w", id, err)
		}
	}

	now := time.Now()
	m.registry.update(id, func(p *types.Process) error {
		p.Status = types.ProcessStatusStopped
		p.StatusMessage = "Stopped"
		stopped := now
		p.StoppedAt = &stopped
		return nil
	})

	if opts.release {
		m.gate.release(ctx, id)
	}

	eventType := audit.EventStop
	if !opts.graceful {
		eventType = audit.EventKill
	}
	m.auditEvent(eventType, proc, "process stopped", nil)
	m.logger.Info("Process stopped",
		log.Str("process", id),
		log.Bool("graceful", opts.graceful))
	return nil
}

// restartProcess is the health monitor's stop-then-start path. Both halves
// run under a single keyed-lock acquisition so no competing transition can
// slip between them. It recycles only the failing process: children keep
// running and the reservation stays held across the stop/start pair.
func (m *Manager) restartProcess(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	proc, err := m.registry.get(id)
	if err != nil {
		return err
	}
	// A Stop that landed between the monitor's snapshot and this lock wins;
	// a stopped process is never resurrected.
	if proc.Status != types.ProcessStatusRunning {
		return &types.InvalidTransitionError{ProcessID: id, From: proc.Status, Operation: "restart"}
	}

	if err := m.stopWithLock(ctx, id, stopOptions{graceful: true}); err != nil {
		return fmt.Errorf("restart stop phase: %w", err)
	}
	if err := m.startWithLock(ctx, id, true); err != nil {
		return fmt.Errorf("restart start phase: %w", err)
	}

	m.registry.update(id, func(p *types.Process) error {
		p.RestartCount++
		return nil
	})
	return nil
}

func (m *Manager) setStatus(id string, status types.ProcessStatus, message string) {
	err := m.registry.update(id, func(p *types.Process) error {
		p.Status = status
		p.StatusMessage = message
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to update process status",
			log.Str("process", id),
			log.Str("status", string(status)),
			log.Err(err))
	}
}

func (m *Manager) auditEvent(t audit.EventType, proc *types.Process, message string, details map[string]string) {
	event := audit.Event{
		Time:    time.Now(),
		Type:    t,
		Message: message,
		Details: details,
	}
	if proc != nil {
		event.ProcessID = proc.ID
		event.TenantID = proc.TenantID
		event.ManifestID = proc.Manifest.ID()
	}
	m.sink.Record(event)
}

// complianceSweep runs EnforcePolicies over every running process.
func (m *Manager) complianceSweep(ctx context.Context) {
	for _, id := range m.registry.ids() {
		proc, err := m.registry.get(id)
		if err != nil || proc.Status != types.ProcessStatusRunning {
			continue
		}
		if _, err := m.EnforcePolicies(ctx, id); err != nil {
			m.logger.Error("Compliance sweep failed for process",
				log.Str("process", id),
				log.Err(err))
		}
	}
}

// restrictionsForIsolation returns the deny-by-default rules implied by an
// isolation level.
func restrictionsForIsolation(level types.IsolationLevel) []types.Restriction {
	switch level {
	case types.IsolationEnhanced:
		return []types.Restriction{{Kind: types.RestrictNetwork, Allow: defaultNetworkAllow}}
	case types.IsolationMaximum:
		return []types.Restriction{
			{Kind: types.RestrictNetwork, Allow: defaultNetworkAllow},
			{Kind: types.RestrictFilesystem, Allow: defaultFilesystemAllow},
		}
	default:
		return nil
	}
}

// mergeRestrictions appends restrictions for kinds not already present.
func mergeRestrictions(current, extra []types.Restriction) []types.Restriction {
	out := append([]types.Restriction(nil), current...)
	for _, r := range extra {
		found := false
		for _, existing := range out {
			if existing.Kind == r.Kind {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}

// resourceOverages compares a process's telemetry against its declared
// reservations.
func resourceOverages(proc *types.Process) []string {
	var overages []string
	for _, req := range proc.Manifest.Resources {
		var used int64
		switch req.Type {
		case types.ResourceMemory:
			used = proc.Usage.MemoryBytes
		case types.ResourceCPU:
			// CPU requirements are declared in millicores.
			used = int64(proc.Usage.CPUCores * 1000)
		case types.ResourceStorage:
			used = proc.Usage.StorageBytes
		case types.ResourceNetwork:
			used = proc.Usage.NetworkBPS
		case types.ResourceCustom:
			used = proc.Usage.Custom[req.Name]
		}
		if used > req.Amount {
			overages = append(overages, fmt.Sprintf("%s usage %d exceeds reservation %d", req.Key(), used, req.Amount))
		}
	}
	return overages
}
