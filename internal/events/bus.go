// Package events provides the engine's internal event bus. Events are
// a latency optimization layered on top of periodic reconciliation;
// correctness never depends on one being delivered.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	PolicyCreated       EventType = "POLICY_CREATED"
	PolicyStatusChanged EventType = "POLICY_STATUS_CHANGED"
	ReportRecorded      EventType = "REPORT_RECORDED"
	ReportConfirmed     EventType = "REPORT_CONFIRMED"
	ReportFailed        EventType = "REPORT_FAILED"
	PassCompleted       EventType = "PASS_COMPLETED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler is a subscriber callback. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

// recentCap bounds the in-memory event history served to operators.
const recentCap = 200

// Bus handles event emission, subscription, and logging
type Bus struct {
	log      zerolog.Logger
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	recent   []Event
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("service", "events").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Emit emits an event
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	b.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > recentCap {
		b.recent = b.recent[len(b.recent)-recentCap:]
	}
	handlers := append([]Handler(nil), b.handlers[eventType]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// EmitError emits an error event
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	b.Emit(ErrorOccurred, module, data)
}

// Recent returns the most recent events, newest last.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}
