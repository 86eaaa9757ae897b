// Package models defines the shared data types exchanged between the agent
// runtime components: messages, tool calls, conversations, memory entries,
// provider health, and task records.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single immutable conversation record. Tool-role messages
// reference exactly one tool call of a preceding assistant message through
// ToolCallID; the assistant message and its tool replies form a unit that
// must never be split by compaction.
type Message struct {
	ID            string     `json:"id"`
	Role          Role       `json:"role"`
	Content       string     `json:"content"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID    string     `json:"tool_call_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	TokenEstimate int        `json:"token_estimate,omitempty"`
	// Summary marks system-role messages synthesized by the compactor.
	Summary bool `json:"summary,omitempty"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolMessage creates a tool-role message answering the given call.
func NewToolMessage(callID, content string) Message {
	m := NewMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

// ToolCall is a request by the assistant to execute a registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// RawArguments returns the arguments as a JSON document.
func (c ToolCall) RawArguments() json.RawMessage {
	if c.Arguments == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Text returns the result content delivered back to the model.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	return r.Error
}

// Conversation is an ordered message sequence owned by the memory store.
// The agent only holds a borrowed working copy during a turn.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// LastUserText returns the content of the most recent user message.
func (c *Conversation) LastUserText() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}
