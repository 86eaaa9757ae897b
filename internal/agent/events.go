package agent

import (
	"github.com/quillhq/quill/pkg/models"
)

// EventType tags a response stream event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one element of the chat_stream sequence. done is always last
// unless an error terminated the stream; no event follows an error.
type Event struct {
	Type EventType `json:"type"`

	// Text carries an incremental assistant text delta.
	Text string `json:"text,omitempty"`

	// ToolCall identifies the call for tool_start and tool_end.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// ToolResult carries the outcome for tool_result.
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`

	// Final fields, set on done.
	FinalText      string             `json:"final_text,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Usage          *models.TokenUsage `json:"usage,omitempty"`

	// Error fields, set on error.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`
	Retriable bool      `json:"retriable,omitempty"`
}

// Sink receives stream events in production order. Implementations must
// be safe for concurrent use (tool workers emit from their own
// goroutines) and must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }
