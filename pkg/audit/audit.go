// Package audit provides the append-only event sink lifecycle operations
// write to. Sinks are best-effort: a failing sink never fails the operation
// that produced the event.
package audit

import (
	"time"
)

// EventType names the lifecycle action an event records.
type EventType string

const (
	EventSpawn           EventType = "spawn"
	EventSpawnDenied     EventType = "spawn-denied"
	EventStart           EventType = "start"
	EventStartFailed     EventType = "start-failed"
	EventStop            EventType = "stop"
	EventKill            EventType = "kill"
	EventSuspend         EventType = "suspend"
	EventResume          EventType = "resume"
	EventCleanup         EventType = "cleanup"
	EventIsolate         EventType = "isolate"
	EventPolicyViolation EventType = "policy-violation"
	EventHealthRestart   EventType = "health-restart"
)

// Event is a single audit record.
type Event struct {
	Time       time.Time         `json:"time"`
	Type       EventType         `json:"type"`
	ProcessID  string            `json:"processId,omitempty"`
	TenantID   string            `json:"tenantId,omitempty"`
	ManifestID string            `json:"manifestId,omitempty"`
	Message    string            `json:"message,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Sink receives audit events. Record must not block on slow storage in a way
// that stalls lifecycle operations.
type Sink interface {
	Record(event Event)
	Close() error
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// Close implements Sink.
func (NopSink) Close() error { return nil }
