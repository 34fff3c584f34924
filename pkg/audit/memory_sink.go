package audit

import (
	"sync"
)

// MemorySink keeps the most recent events in a bounded ring. It is the
// default sink for tests and for daemons that do not need durability.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink creates a MemorySink retaining at most limit events. A
// non-positive limit falls back to 1024.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1024
	}
	return &MemorySink{limit: limit}
}

// Record implements Sink.
func (s *MemorySink) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}

// Events returns a copy of the retained events in record order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType returns the retained events matching the given type.
func (s *MemorySink) EventsOfType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
