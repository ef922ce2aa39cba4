// Package notify carries the event stream from running sessions to
// subscribed listeners (terminal UIs, websocket clients, tests).
package notify

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	// Run lifecycle
	EventRunStarted   EventType = "run.started"
	EventRunFinished  EventType = "run.finished"
	EventRunError     EventType = "run.error"
	EventRunCancelled EventType = "run.cancelled"
	EventRunExhausted EventType = "run.exhausted" // iteration limit reached

	// Model streaming
	EventModelDelta EventType = "model.delta"

	// Tool execution
	EventToolStarted  EventType = "tool.started"
	EventToolFinished EventType = "tool.finished"

	// Confirmation gate
	EventConfirmationRequested EventType = "confirmation.requested"
	EventConfirmationResolved  EventType = "confirmation.resolved"

	// Session lifecycle
	EventSessionDisposed EventType = "session.disposed"
)

// Event is the unified event model for the notification stream.
// Exactly one payload pointer should be non-nil for a given Type.
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	SessionKey string    `json:"session_key,omitempty"`
	RunID      string    `json:"run_id,omitempty"`

	Text         *TextPayload         `json:"text,omitempty"`
	Tool         *ToolPayload         `json:"tool,omitempty"`
	Confirmation *ConfirmationPayload `json:"confirmation,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// TextPayload carries streamed model text.
type TextPayload struct {
	Delta string `json:"delta"`
}

// ToolPayload carries tool lifecycle details.
type ToolPayload struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ConfirmationPayload carries confirmation-gate details. Outcome is set
// only on confirmation.resolved events.
type ConfirmationPayload struct {
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Outcome     string          `json:"outcome,omitempty"` // approved | denied | timeout
}

// ErrorPayload carries error details.
type ErrorPayload struct {
	Message string `json:"message"`
}
