// eventsink.go provides an in-memory implementation of EventSink.
//
// Published events are kept in memory for tests and for the single-process
// dev mode of cmd/dca-engine. Helpers exist for inspecting them:
//   - GetEvents(): Returns all published events
//   - GetEventsByType(): Filters events by type
//   - GetEventsForOrder(): Events of one order id
//   - OnPublish(): Register callback for event assertions
//
// All operations are thread-safe. For production, use the SNS adapter.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// EventSink is an in-memory implementation of the EventSink port.
type EventSink struct {
	mu     sync.RWMutex
	events []outbound.Event
	closed bool

	// Callback for test assertions
	onPublish func(outbound.Event)
}

// NewEventSink creates a new in-memory event sink.
func NewEventSink() *EventSink {
	return &EventSink{
		events: make([]outbound.Event, 0),
	}
}

// Publish stores the event in memory. Events published after Close are dropped.
func (s *EventSink) Publish(ctx context.Context, event outbound.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.events = append(s.events, event)

	if s.onPublish != nil {
		s.onPublish(event)
	}
	return nil
}

// Close marks the sink as closed.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// GetEvents returns all published events.
func (s *EventSink) GetEvents() []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]outbound.Event, len(s.events))
	copy(result, s.events)
	return result
}

// GetEventsByType returns events filtered by type.
func (s *EventSink) GetEventsByType(eventType outbound.EventType) []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]outbound.Event, 0)
	for _, e := range s.events {
		if e.EventType() == eventType {
			result = append(result, e)
		}
	}
	return result
}

// GetEventsForOrder returns all events for one order id.
func (s *EventSink) GetEventsForOrder(id entity.OrderID) []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]outbound.Event, 0)
	for _, e := range s.events {
		if e.GetOrderID() == id {
			result = append(result, e)
		}
	}
	return result
}

// GetFillEvents returns all fill events.
func (s *EventSink) GetFillEvents() []outbound.FillEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]outbound.FillEvent, 0)
	for _, e := range s.events {
		if fe, ok := e.(outbound.FillEvent); ok {
			result = append(result, fe)
		}
	}
	return result
}

// GetEventCount returns the number of published events.
func (s *EventSink) GetEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear removes all stored events.
func (s *EventSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make([]outbound.Event, 0)
}

// OnPublish sets a callback to be called when an event is published.
func (s *EventSink) OnPublish(fn func(outbound.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}
