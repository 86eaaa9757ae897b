// Package llm defines the canonical provider contract for LLM backends and
// implements adapters for Anthropic and OpenAI-compatible APIs. Adapters
// translate the canonical message and tool schema forms to their vendor's
// native wire format, classify failures, and never retry; orchestration
// lives in the client subpackage.
package llm

import (
	"context"
	"encoding/json"

	"github.com/quillhq/quill/pkg/models"
)

// Params are the generation parameters for a chat or stream call.
type Params struct {
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	ToolChoice  string   `json:"tool_choice,omitempty"`
}

// ToolSchema describes one tool advertised to the model. Parameters is a
// JSON schema object; Required lists mandatory property names.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Required    []string        `json:"required,omitempty"`
}

// Request is a fully assembled provider call. Messages carry the system
// prompt as a leading system-role message; adapters that model the system
// prompt out-of-band extract it.
type Request struct {
	Messages []models.Message
	Tools    []ToolSchema
	Params   Params
}

// Response is the result of a non-streaming chat call.
type Response struct {
	Message models.Message
	Usage   models.TokenUsage
}

// Capabilities reports what an adapter's vendor supports.
type Capabilities struct {
	SupportsTools      bool `json:"supports_tools"`
	SupportsStreaming  bool `json:"supports_streaming"`
	SupportsSystemRole bool `json:"supports_system_role"`
	MaxContextTokens   int  `json:"max_context_tokens"`
}

// ChunkType tags a streaming chunk variant.
type ChunkType string

const (
	ChunkTextDelta     ChunkType = "text_delta"
	ChunkToolCallStart ChunkType = "tool_call_start"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkToolCallEnd   ChunkType = "tool_call_end"
	ChunkUsage         ChunkType = "usage"
	ChunkDone          ChunkType = "done"
	ChunkError         ChunkType = "error"
)

// Chunk is one element of a streaming response. The channel is closed after
// a Done or Error chunk; no further chunks follow an Error.
type Chunk struct {
	Type ChunkType

	// Text carries incremental assistant text for ChunkTextDelta.
	Text string

	// ToolCallID and ToolName identify the call for the tool-call variants.
	ToolCallID string
	ToolName   string

	// ArgumentsDelta carries a fragment of the call's arguments JSON for
	// ChunkToolCallDelta.
	ArgumentsDelta string

	// Usage is set on ChunkUsage and on the final ChunkDone.
	Usage *models.TokenUsage

	// Err is set on ChunkError.
	Err error
}

// Provider is one vendor adapter. Implementations must be safe for
// concurrent use and must classify every failure as a *Error; they never
// retry internally.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Capabilities reports the vendor's feature set.
	Capabilities() Capabilities

	// Chat performs a blocking completion and returns the assistant message
	// with its usage.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming completion. The returned channel is
	// closed when the stream completes, errors, or ctx is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// splitSystem extracts the leading system prompt from a message sequence.
// Compactor-generated summary messages deeper in the sequence keep their
// system role and are folded into user turns by the adapters.
func splitSystem(msgs []models.Message) (string, []models.Message) {
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}
