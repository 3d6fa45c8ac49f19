package domain

import (
	"encoding/json"
	"strings"
)

// EventType tags a chat stream event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventFinish     EventType = "finish"
)

// StreamEvent is one entry of a chat response stream. Exactly the fields
// belonging to Type are set.
type StreamEvent struct {
	Type EventType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool-call / tool-result
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// error
	Error *ErrorEnvelope `json:"error,omitempty"`

	// finish
	Model string `json:"model,omitempty"`
}

// TextEvent builds a text event.
func TextEvent(s string) StreamEvent { return StreamEvent{Type: EventText, Text: s} }

// ToolCallStreamEvent builds a tool-call event.
func ToolCallStreamEvent(c ToolCallEvent) StreamEvent {
	return StreamEvent{Type: EventToolCall, ToolName: c.ToolName, ToolCallID: c.ToolCallID, Args: c.Args}
}

// ToolResultStreamEvent builds a tool-result event.
func ToolResultStreamEvent(r ToolResultEvent) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolName: r.ToolName, ToolCallID: r.ToolCallID, Result: r.Result}
}

// ErrorStreamEvent builds an error event.
func ErrorStreamEvent(env ErrorEnvelope) StreamEvent {
	return StreamEvent{Type: EventError, Error: &env}
}

// ToolCall converts a tool-call event back to its record form.
func (e StreamEvent) ToolCall() ToolCallEvent {
	return ToolCallEvent{Type: string(EventToolCall), ToolName: e.ToolName, ToolCallID: e.ToolCallID, Args: e.Args}
}

// ToolResult converts a tool-result event back to its record form.
func (e StreamEvent) ToolResult() ToolResultEvent {
	return ToolResultEvent{Type: string(EventToolResult), ToolCallID: e.ToolCallID, ToolName: e.ToolName, Result: e.Result}
}

// ErrorEnvelope is a structured error carried in a stream. Text is the
// human-readable rendering clients fall back to.
type ErrorEnvelope struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Text    string    `json:"text"`
}

// NewErrorEnvelope renders err as an envelope with the "Error: " footer
// used in plain-text streams.
func NewErrorEnvelope(err error) ErrorEnvelope {
	return ErrorEnvelope{
		Code:    ErrorCodeOf(err),
		Message: err.Error(),
		Text:    "\n\nError: " + err.Error(),
	}
}

// StreamSnapshot is the decoded state of a streamed reply so far.
type StreamSnapshot struct {
	Text        string
	ToolCalls   []ToolCallEvent
	ToolResults []ToolResultEvent
	Err         *ErrorEnvelope
	Model       string
}

// Display is the text a client shows: Text plus the error fallback.
func (s StreamSnapshot) Display() string {
	if s.Err == nil {
		return s.Text
	}
	if s.Text == "" {
		return strings.TrimSpace(s.Err.Text)
	}
	return s.Text + s.Err.Text
}
