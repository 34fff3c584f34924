package types

import (
	"time"
)

// ProcessMetrics is a read-only snapshot produced by the metrics aggregator.
type ProcessMetrics struct {
	// TotalSpawned is monotonic; it is never decremented.
	TotalSpawned int64 `json:"totalSpawned" yaml:"totalSpawned"`

	// StatusCounts maps lifecycle status to the current number of
	// processes in it.
	StatusCounts map[ProcessStatus]int `json:"statusCounts" yaml:"statusCounts"`

	// UnhealthyCount is the number of running processes flagged unhealthy.
	UnhealthyCount int `json:"unhealthyCount" yaml:"unhealthyCount"`

	// AverageStartTime is the cumulative mean duration of successful
	// starts.
	AverageStartTime time.Duration `json:"averageStartTime" yaml:"averageStartTime"`

	// AverageUsage is the mean resource usage over currently running
	// processes.
	AverageUsage ResourceUsage `json:"averageUsage" yaml:"averageUsage"`

	// ErrorRate is an exponentially-decayed rate of spawn/start failures.
	ErrorRate float64 `json:"errorRate" yaml:"errorRate"`

	// CollectedAt is when the snapshot was computed.
	CollectedAt time.Time `json:"collectedAt" yaml:"collectedAt"`
}
