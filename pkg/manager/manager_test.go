package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/warden/pkg/audit"
	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/types"
)

// setupManager creates a manager with test dependencies.
func setupManager(t *testing.T) (*Manager, *FakeExecutor, *FakePolicyBackend, *FakeResourceBackend, *audit.MemorySink) {
	t.Helper()

	executor := NewFakeExecutor()
	policy := NewFakePolicyBackend()
	resources := NewFakeResourceBackend()
	sink := audit.NewMemorySink(0)
	logger, _ := log.NewTestLogger()

	mgr := New(executor, policy, resources,
		WithLogger(logger),
		WithAuditSink(sink))

	return mgr, executor, policy, resources, sink
}

// testManifest builds a valid manifest with a memory requirement.
func testManifest(name string, maxInstances int) *types.Manifest {
	return &types.Manifest{
		Name:          name,
		Version:       "1.0.0",
		EntryPoint:    "app.main",
		SecurityLevel: types.SecurityLevelMedium,
		MaxInstances:  maxInstances,
		Resources: []types.ResourceRequirement{
			{Type: types.ResourceMemory, Amount: 256, Unit: "Mi"},
		},
	}
}

func TestSpawnSuccess(t *testing.T) {
	mgr, executor, _, resources, sink := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err, "Spawn should succeed")
	require.NotNil(t, proc)

	assert.Equal(t, types.ProcessStatusRunning, proc.Status, "Spawned process should be running")
	assert.NotNil(t, proc.StartedAt, "StartedAt should be set after start")
	assert.Nil(t, proc.StoppedAt, "StoppedAt should be unset before stop")
	assert.Equal(t, "tenant-a", proc.TenantID)
	assert.Equal(t, types.IsolationBasic, proc.Security.IsolationLevel, "Medium security maps to basic isolation")

	assert.Equal(t, 1, executor.ExecuteCount(proc.ID), "Execute should be invoked once")
	assert.Equal(t, int64(256), resources.Allocated("tenant-a", types.ResourceMemory), "Memory should be reserved")

	events := sink.EventsOfType(audit.EventSpawn)
	require.Len(t, events, 1, "Spawn should be audited")
	assert.Equal(t, proc.ID, events[0].ProcessID)
}

func TestSpawnValidationFailure(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)
	ctx := context.Background()

	manifest := testManifest("billing", 0)
	manifest.EntryPoint = ""

	_, err := mgr.Spawn(ctx, manifest, "tenant-a")
	require.Error(t, err)
	assert.True(t, types.IsValidationError(err), "Malformed manifest should fail validation")
	assert.Empty(t, executor.ExecuteCalls, "Execution should never be attempted")
}

func TestSpawnPolicyDenied(t *testing.T) {
	mgr, _, policy, resources, sink := setupManager(t)
	ctx := context.Background()

	policy.Deny = true
	policy.DenyReason = "tenant suspended"

	_, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.Error(t, err)
	assert.True(t, types.IsPolicyDenied(err), "Denial should be a PolicyDeniedError")

	assert.Empty(t, mgr.ListTenantProcesses("tenant-a"), "Denied process must not appear in the registry")
	assert.Zero(t, resources.TotalAllocated(), "No resources may be reserved on denial")

	events := sink.EventsOfType(audit.EventSpawnDenied)
	require.Len(t, events, 1, "Denial should be audited")
	assert.Equal(t, "tenant suspended", events[0].Message)
}

func TestSpawnResourceExhausted(t *testing.T) {
	mgr, _, _, resources, _ := setupManager(t)
	ctx := context.Background()

	resources.SetCapacity("tenant-a", types.ResourceMemory, 100)

	_, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.Error(t, err)
	assert.True(t, types.IsResourceExhausted(err), "Capacity failure should be a ResourceExhaustedError")

	var re *types.ResourceExhaustedError
	require.True(t, errors.As(err, &re))
	require.Len(t, re.Missing, 1, "Missing requirements should be reported")
	assert.Equal(t, types.ResourceMemory, re.Missing[0].Type)

	assert.Empty(t, mgr.ListTenantProcesses("tenant-a"), "Failed spawn must leave no record")
	assert.Zero(t, resources.TotalAllocated(), "Partial reservations must be rolled back")
}

func TestSpawnStartFailureRollsBack(t *testing.T) {
	mgr, executor, _, resources, _ := setupManager(t)
	ctx := context.Background()

	executor.ExecuteError = errors.New("runtime refused")

	_, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.Error(t, err, "Spawn should surface the start failure")

	assert.Empty(t, mgr.ListTenantProcesses("tenant-a"), "Spawn is all-or-nothing; no dangling record")
	assert.Zero(t, resources.TotalAllocated(), "Reservation must be released on start failure")
}

func TestSpawnQuotaConcurrent(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	const limit = 3
	manifest := testManifest("billing", limit)

	var wg sync.WaitGroup
	results := make(chan error, limit+1)
	for i := 0; i < limit+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Spawn(ctx, manifest, "tenant-a")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, denied := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if types.IsQuotaExceeded(err) {
			denied++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, limit, succeeded, "Exactly the quota limit should be admitted")
	assert.Equal(t, 1, denied, "The loser should get a quota denial")
	assert.Len(t, mgr.ListTenantProcesses("tenant-a"), limit)
}

func TestQuotaFreedAfterStop(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	manifest := testManifest("billing", 1)

	first, err := mgr.Spawn(ctx, manifest, "tenant-a")
	require.NoError(t, err)

	_, err = mgr.Spawn(ctx, manifest, "tenant-a")
	require.Error(t, err)
	assert.True(t, types.IsQuotaExceeded(err))

	var qe *types.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1, qe.Current)
	assert.Equal(t, 1, qe.Limit)

	require.NoError(t, mgr.Stop(ctx, first.ID), "Stopping should free the slot")

	_, err = mgr.Spawn(ctx, manifest, "tenant-a")
	assert.NoError(t, err, "A stopped process no longer counts against the quota")
}

func TestStopCascadesChildrenFirst(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)
	ctx := context.Background()

	root, err := mgr.Spawn(ctx, testManifest("root", 0), "tenant-a")
	require.NoError(t, err)
	child, err := mgr.Spawn(ctx, testManifest("child", 0), "tenant-a", WithParent(root.ID))
	require.NoError(t, err)
	grandchild, err := mgr.Spawn(ctx, testManifest("leaf", 0), "tenant-a", WithParent(child.ID))
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, root.ID))

	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		proc, err := mgr.GetProcess(id)
		require.NoError(t, err)
		assert.Equal(t, types.ProcessStatusStopped, proc.Status,
			"No descendant may be left running after Stop(root)")
	}

	require.Len(t, executor.TerminateCalls, 3)
	assert.Equal(t, grandchild.ID, executor.TerminateCalls[0].ProcessID, "Deepest child stops first")
	assert.Equal(t, child.ID, executor.TerminateCalls[1].ProcessID)
	assert.Equal(t, root.ID, executor.TerminateCalls[2].ProcessID, "Parent stops last")
}

func TestStopIdempotent(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, proc.ID))
	require.NoError(t, mgr.Stop(ctx, proc.ID), "Stopping a stopped process is a no-op")

	assert.Equal(t, 1, executor.TerminateCount(proc.ID), "The executor should only be asked once")
}

func TestKillSkipsDrain(t *testing.T) {
	mgr, executor, _, _, sink := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(ctx, proc.ID))

	require.Len(t, executor.TerminateCalls, 1)
	assert.False(t, executor.TerminateCalls[0].Graceful, "Kill must not drain")
	assert.Len(t, sink.EventsOfType(audit.EventKill), 1)
}

func TestSuspendResumeKeepsReservations(t *testing.T) {
	mgr, _, _, resources, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	before := resources.Allocated("tenant-a", types.ResourceMemory)

	require.NoError(t, mgr.Suspend(ctx, proc.ID))
	suspended, _ := mgr.GetProcess(proc.ID)
	assert.Equal(t, types.ProcessStatusSuspended, suspended.Status)
	assert.Equal(t, before, resources.Allocated("tenant-a", types.ResourceMemory),
		"Suspension must not release resources")

	require.NoError(t, mgr.Resume(ctx, proc.ID))
	resumed, _ := mgr.GetProcess(proc.ID)
	assert.Equal(t, types.ProcessStatusRunning, resumed.Status)
	assert.Equal(t, before, resources.Allocated("tenant-a", types.ResourceMemory),
		"Reservations must be untouched by a suspend/resume round trip")
}

func TestSuspendRejectedOutsideRunning(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ctx, proc.ID))

	err = mgr.Suspend(ctx, proc.ID)
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err), "Suspend outside Running is an illegal transition")

	after, _ := mgr.GetProcess(proc.ID)
	assert.Equal(t, types.ProcessStatusStopped, after.Status, "Status must be unchanged after a rejected suspend")
}

func TestResumeRejectedOutsideSuspended(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	err = mgr.Resume(ctx, proc.ID)
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err))
}

func TestStartRejectedFromRunning(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	err = mgr.Start(ctx, proc.ID)
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err))
}

func TestCleanupRequiresTerminalChildren(t *testing.T) {
	mgr, executor, _, resources, _ := setupManager(t)
	ctx := context.Background()

	parent, err := mgr.Spawn(ctx, testManifest("root", 0), "tenant-a")
	require.NoError(t, err)
	child, err := mgr.Spawn(ctx, testManifest("child", 0), "tenant-a", WithParent(parent.ID))
	require.NoError(t, err)

	// Drive the parent to Error without touching the child.
	executor.SuspendError = errors.New("runtime fault")
	require.Error(t, mgr.Suspend(ctx, parent.ID))
	executor.SuspendError = nil

	got, _ := mgr.GetProcess(parent.ID)
	require.Equal(t, types.ProcessStatusError, got.Status)

	err = mgr.Cleanup(ctx, parent.ID)
	require.Error(t, err, "Cleanup with a running child must be rejected")
	assert.True(t, types.IsInvalidTransition(err))

	require.NoError(t, mgr.Stop(ctx, child.ID))
	require.NoError(t, mgr.Cleanup(ctx, parent.ID), "The same cleanup succeeds once the child stopped")

	_, err = mgr.GetProcess(parent.ID)
	assert.True(t, types.IsNotFound(err), "Cleanup removes the record")

	require.NoError(t, mgr.Cleanup(ctx, child.ID))
	assert.Zero(t, resources.TotalAllocated(), "Every reserved unit must be released exactly once")
}

func TestCleanupRejectedWhileLive(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	err = mgr.Cleanup(ctx, proc.ID)
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err), "Cleanup is only legal from a terminal state")
}

func TestReservationPairing(t *testing.T) {
	mgr, _, _, resources, _ := setupManager(t)
	ctx := context.Background()

	manifest := testManifest("billing", 0)
	manifest.Resources = append(manifest.Resources, types.ResourceRequirement{
		Type: types.ResourceStorage, Amount: 1024, Unit: "Mi",
	})

	proc, err := mgr.Spawn(ctx, manifest, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(256+1024), resources.TotalAllocated())

	require.NoError(t, mgr.Stop(ctx, proc.ID))
	assert.Zero(t, resources.TotalAllocated(), "Stop releases the full reservation")

	require.NoError(t, mgr.Cleanup(ctx, proc.ID))
	assert.Zero(t, resources.TotalAllocated(), "Cleanup must not double-release")
}

func TestIsolateOnlyTightens(t *testing.T) {
	mgr, _, _, _, sink := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, mgr.Isolate(ctx, proc.ID, types.IsolationMaximum))

	got, _ := mgr.GetProcess(proc.ID)
	assert.Equal(t, types.IsolationMaximum, got.Security.IsolationLevel)

	kinds := make(map[types.RestrictionKind]bool)
	for _, r := range got.Security.Restrictions {
		kinds[r.Kind] = true
	}
	assert.True(t, kinds[types.RestrictNetwork], "Maximum isolation implies a network restriction")
	assert.True(t, kinds[types.RestrictFilesystem], "Maximum isolation implies a filesystem restriction")

	err = mgr.Isolate(ctx, proc.ID, types.IsolationBasic)
	require.Error(t, err, "Loosening isolation must be rejected")

	unchanged, _ := mgr.GetProcess(proc.ID)
	assert.Equal(t, types.IsolationMaximum, unchanged.Security.IsolationLevel)
	assert.Len(t, sink.EventsOfType(audit.EventIsolate), 1)
}

func TestEnforcePoliciesFlagsViolations(t *testing.T) {
	mgr, _, policy, _, sink := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	result, err := mgr.EnforcePolicies(ctx, proc.ID)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "A compliant process passes")
	assert.False(t, result.AuditRequired)

	policy.Violations = []string{"network restriction breached"}
	result, err = mgr.EnforcePolicies(ctx, proc.ID)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.AuditRequired, "A security violation always requires audit")
	assert.Contains(t, result.Reason, "network restriction breached")
	assert.Len(t, sink.EventsOfType(audit.EventPolicyViolation), 1)
}

func TestEnforcePoliciesResourceOverage(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateUsage(proc.ID, types.ResourceUsage{MemoryBytes: 512}))

	result, err := mgr.EnforcePolicies(ctx, proc.ID)
	require.NoError(t, err)
	assert.False(t, result.Allowed, "Usage above the declared reservation is an overage")
	assert.Contains(t, result.Reason, "memory")
	assert.False(t, result.AuditRequired, "A pure resource overage does not require audit")
}

func TestGetProcessTree(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	root, err := mgr.Spawn(ctx, testManifest("root", 0), "tenant-a")
	require.NoError(t, err)
	childA, err := mgr.Spawn(ctx, testManifest("child-a", 0), "tenant-a", WithParent(root.ID))
	require.NoError(t, err)
	childB, err := mgr.Spawn(ctx, testManifest("child-b", 0), "tenant-a", WithParent(root.ID))
	require.NoError(t, err)

	tree, err := mgr.GetProcessTree(root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, tree.Process.ID)
	require.Len(t, tree.Children, 2)

	childIDs := []string{tree.Children[0].Process.ID, tree.Children[1].Process.ID}
	assert.ElementsMatch(t, []string{childA.ID, childB.ID}, childIDs)
}

func TestSpawnWithUnknownParent(t *testing.T) {
	mgr, _, _, resources, _ := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a", WithParent("no-such-process"))
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Zero(t, resources.TotalAllocated())
}

func TestMetricsSnapshot(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)
	ctx := context.Background()

	first, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)
	_, err = mgr.Spawn(ctx, testManifest("ledger", 0), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, first.ID))

	executor.ExecuteError = errors.New("runtime refused")
	_, err = mgr.Spawn(ctx, testManifest("broken", 0), "tenant-a")
	require.Error(t, err)

	metrics := mgr.GetMetrics()
	assert.Equal(t, int64(2), metrics.TotalSpawned, "Only successful spawns count")
	assert.Equal(t, 1, metrics.StatusCounts[types.ProcessStatusRunning])
	assert.Equal(t, 1, metrics.StatusCounts[types.ProcessStatusStopped])
	assert.Greater(t, metrics.ErrorRate, 0.0, "The start failure must bump the error rate")
	assert.GreaterOrEqual(t, metrics.AverageStartTime, time.Duration(0))
}

func TestRestartRefusesStoppedProcess(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)
	ctx := context.Background()

	manifest := testManifest("billing", 0)
	manifest.AutoRestart = true
	manifest.Health = &types.HealthCheckPolicy{}

	proc, err := mgr.Spawn(ctx, manifest, "tenant-a")
	require.NoError(t, err)

	// A caller's Stop that lands before the monitor acts on its snapshot
	// must win.
	require.NoError(t, mgr.Stop(ctx, proc.ID))

	err = mgr.restartProcess(ctx, proc.ID)
	require.Error(t, err)
	assert.True(t, types.IsInvalidTransition(err))

	got, err := mgr.GetProcess(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStatusStopped, got.Status, "A stopped process is never resurrected")
	assert.Equal(t, 1, executor.ExecuteCount(proc.ID), "No second start may happen")
}

func TestStartCancellationSetsError(t *testing.T) {
	mgr, executor, _, _, _ := setupManager(t)

	proc, err := mgr.Spawn(context.Background(), testManifest("billing", 0), "tenant-a")
	require.NoError(t, err)
	require.NoError(t, mgr.Suspend(context.Background(), proc.ID))

	ctx, cancel := context.WithCancel(context.Background())
	executor.ExecuteFunc = func(c context.Context, _ *types.Process) error {
		cancel()
		<-c.Done()
		return c.Err()
	}

	err = mgr.Start(ctx, proc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := mgr.GetProcess(proc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStatusError, got.Status,
		"A cancelled start must land in Error, not stay Starting")
}

func TestManagerWithNopBackends(t *testing.T) {
	logger, _ := log.NewTestLogger()
	mgr := New(NopExecutor{}, NopPolicyBackend{}, NopResourceBackend{}, WithLogger(logger))
	ctx := context.Background()

	proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
	require.NoError(t, err, "The no-op backends admit everything")
	assert.Equal(t, types.ProcessStatusRunning, proc.Status)

	result, err := mgr.EnforcePolicies(ctx, proc.ID)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	require.NoError(t, mgr.Stop(ctx, proc.ID))
	require.NoError(t, mgr.Cleanup(ctx, proc.ID))
}

func TestManagerRunAndShutdown(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Run(ctx))
	assert.Error(t, mgr.Run(ctx), "A second Run must be rejected")
	require.NoError(t, mgr.Shutdown())
	require.NoError(t, mgr.Shutdown(), "Shutdown is idempotent")
}

func TestRunRejectsBadComplianceSchedule(t *testing.T) {
	executor := NewFakeExecutor()
	logger, _ := log.NewTestLogger()
	cfg := DefaultConfig()
	cfg.ComplianceSchedule = "not a cron expression"

	mgr := New(executor, NewFakePolicyBackend(), NewFakeResourceBackend(),
		WithLogger(logger), WithConfig(cfg))

	err := mgr.Run(context.Background())
	require.Error(t, err)
	require.NoError(t, mgr.Shutdown())
}

func TestConcurrentLifecycleOnDistinctProcesses(t *testing.T) {
	mgr, _, _, _, _ := setupManager(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		proc, err := mgr.Spawn(ctx, testManifest("billing", 0), "tenant-a")
		require.NoError(t, err)
		ids[i] = proc.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*4)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- mgr.Suspend(ctx, id)
			errs <- mgr.Resume(ctx, id)
			errs <- mgr.Stop(ctx, id)
			errs <- mgr.Cleanup(ctx, id)
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Empty(t, mgr.ListTenantProcesses("tenant-a"))
}
