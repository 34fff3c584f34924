package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/types"
)

// errorRateDecay is applied to the failure rate on every rollup tick, giving
// recent failures more weight than old ones.
const errorRateDecay = 0.9

// metricsAggregator derives read-only rollups from the registry. It never
// mutates process state.
type metricsAggregator struct {
	registry *registry
	logger   log.Logger

	mu           sync.Mutex
	totalSpawned int64
	startCount   int64
	startTotal   time.Duration
	errorRate    float64
}

func newMetricsAggregator(registry *registry, logger log.Logger) *metricsAggregator {
	return &metricsAggregator{
		registry: registry,
		logger:   logger.WithComponent("metrics-aggregator"),
	}
}

// run drives periodic rollups until the context is canceled.
func (a *metricsAggregator) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.decay()
			snapshot := a.collect()
			a.logger.Debug("Metrics rollup",
				log.Int64("total_spawned", snapshot.TotalSpawned),
				log.Float64("error_rate", snapshot.ErrorRate))
		}
	}
}

// recordSpawn bumps the monotonic spawn counter.
func (a *metricsAggregator) recordSpawn() {
	a.mu.Lock()
	a.totalSpawned++
	a.mu.Unlock()
}

// recordStart folds a successful start duration into the cumulative mean.
func (a *metricsAggregator) recordStart(d time.Duration) {
	a.mu.Lock()
	a.startCount++
	a.startTotal += d
	a.mu.Unlock()
}

// recordFailure bumps the decayed error rate on a spawn or start failure.
func (a *metricsAggregator) recordFailure() {
	a.mu.Lock()
	a.errorRate++
	a.mu.Unlock()
}

// decay ages the error rate by one tick.
func (a *metricsAggregator) decay() {
	a.mu.Lock()
	a.errorRate *= errorRateDecay
	a.mu.Unlock()
}

// collect computes a point-in-time snapshot over the registry.
func (a *metricsAggregator) collect() types.ProcessMetrics {
	procs := a.registry.list()

	snapshot := types.ProcessMetrics{
		StatusCounts: make(map[types.ProcessStatus]int),
		CollectedAt:  time.Now(),
	}

	var running int64
	var usage types.ResourceUsage
	for _, proc := range procs {
		snapshot.StatusCounts[proc.Status]++
		if proc.Unhealthy {
			snapshot.UnhealthyCount++
		}
		if proc.Status == types.ProcessStatusRunning {
			running++
			usage.MemoryBytes += proc.Usage.MemoryBytes
			usage.CPUCores += proc.Usage.CPUCores
			usage.StorageBytes += proc.Usage.StorageBytes
			usage.NetworkBPS += proc.Usage.NetworkBPS
		}
	}

	if running > 0 {
		snapshot.AverageUsage = types.ResourceUsage{
			MemoryBytes:  usage.MemoryBytes / running,
			CPUCores:     usage.CPUCores / float64(running),
			StorageBytes: usage.StorageBytes / running,
			NetworkBPS:   usage.NetworkBPS / running,
		}
	}

	a.mu.Lock()
	snapshot.TotalSpawned = a.totalSpawned
	if a.startCount > 0 {
		snapshot.AverageStartTime = a.startTotal / time.Duration(a.startCount)
	}
	snapshot.ErrorRate = a.errorRate
	a.mu.Unlock()

	return snapshot
}
