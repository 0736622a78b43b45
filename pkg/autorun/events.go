package autorun

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the typed notifications a session emits. Delivery is
// fire-and-forget, at-least-once, always session-scoped.
type EventType string

const (
	EventCommandDispatchRequest EventType = "command_dispatch_request"
	EventCommandStarted         EventType = "command_started"
	EventCommandFinished        EventType = "command_finished"
	EventStuckDetected          EventType = "stuck_detected"
	EventBudgetExceeded         EventType = "budget_exceeded"
	EventSafetyCheckRequired    EventType = "safety_check_required"
	EventStallSuspected         EventType = "stall_suspected"
	EventInterventionPerformed  EventType = "intervention_performed"
	EventStatus                 EventType = "status"
)

// Event is one typed notification on a session's stream.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`

	// Message is a human-readable summary for the UI.
	Message string `json:"message,omitempty"`

	// Command-related fields.
	CommandID string `json:"commandId,omitempty"`
	Command   string `json:"command,omitempty"`
	ExitCode  int    `json:"exitCode,omitempty"`

	// Stuck verdict, set for stuck_detected events.
	Verdict *StuckVerdict `json:"verdict,omitempty"`

	// Safety fields, set for safety_check_required events.
	Impact string `json:"impact,omitempty"`
}

// EventSink receives session events. Implementations must not block; the
// controller treats Emit as fire-and-forget.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(event Event)

func (f EventSinkFunc) Emit(event Event) { f(event) }

// NopSink discards all events.
var NopSink EventSink = EventSinkFunc(func(Event) {})

func newEvent(sessionID string, typ EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}
