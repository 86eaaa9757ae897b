package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"github.com/quillhq/quill/pkg/models"
)

const (
	defaultAnthropicModel  = "claude-sonnet-4-20250514"
	anthropicContextWindow = 200000
	defaultMaxOutputTokens = 4096
	maxEmptyStreamEvents   = 300
)

// AnthropicProvider adapts Anthropic's Messages API to the Provider
// contract. Safe for concurrent use; each Stream call owns an independent
// SSE stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Capabilities implements Provider.
func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTools:      true,
		SupportsStreaming:  true,
		SupportsSystemRole: true,
		MaxContextTokens:   anthropicContextWindow,
	}
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Params.Model)
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewError(p.Name(), model, err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	assistant := models.NewMessage(models.RoleAssistant, "")
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &args); err != nil {
					return nil, &Error{
						Kind:     ErrMalformed,
						Provider: p.Name(),
						Model:    model,
						Message:  fmt.Sprintf("tool_use input for %s is not valid JSON", variant.Name),
						Cause:    err,
					}
				}
			}
			assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}
	assistant.Content = text.String()

	usage := models.TokenUsage{
		Input:         msg.Usage.InputTokens,
		Output:        msg.Usage.OutputTokens,
		CacheRead:     msg.Usage.CacheReadInputTokens,
		CacheCreation: msg.Usage.CacheCreationInputTokens,
	}

	return &Response{Message: assistant, Usage: usage}, nil
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req.Params.Model)
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewError(p.Name(), model, err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

// processStream converts Anthropic SSE events into canonical chunks.
// Tool-use blocks arrive as a start event, input_json_delta fragments, and a
// stop event; each maps to its canonical variant.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var usage models.TokenUsage
	var toolID, toolName string
	inTool := false
	emptyEvents := 0

	send := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.Input = start.Message.Usage.InputTokens
			usage.CacheRead = start.Message.Usage.CacheReadInputTokens
			usage.CacheCreation = start.Message.Usage.CacheCreationInputTokens
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolID, toolName = use.ID, use.Name
				inTool = true
				if !send(Chunk{Type: ChunkToolCallStart, ToolCallID: toolID, ToolName: toolName}) {
					return
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(Chunk{Type: ChunkTextDelta, Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					if !send(Chunk{Type: ChunkToolCallDelta, ToolCallID: toolID, ToolName: toolName, ArgumentsDelta: delta.PartialJSON}) {
						return
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				if !send(Chunk{Type: ChunkToolCallEnd, ToolCallID: toolID, ToolName: toolName}) {
					return
				}
				inTool = false
				toolID, toolName = "", ""
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.Output = delta.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			u := usage
			send(Chunk{Type: ChunkUsage, Usage: &u})
			send(Chunk{Type: ChunkDone, Usage: &u})
			return

		case "error":
			send(Chunk{Type: ChunkError, Err: p.wrap(errors.New("anthropic stream error"), model)})
			return
		}

		// Malformed stream protection: bail after a flood of empty events.
		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			send(Chunk{Type: ChunkError, Err: &Error{
				Kind:     ErrMalformed,
				Provider: p.Name(),
				Model:    model,
				Message:  fmt.Sprintf("stream produced %d consecutive empty events", emptyEvents),
			}})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(Chunk{Type: ChunkError, Err: p.wrap(err, model)})
		return
	}
	// Stream ended without message_stop.
	send(Chunk{Type: ChunkError, Err: &Error{
		Kind:     ErrMalformed,
		Provider: p.Name(),
		Model:    model,
		Message:  "stream ended without message_stop",
	}})
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	system, rest := splitSystem(req.Messages)

	messages, err := convertAnthropicMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Params.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// convertAnthropicMessages converts canonical messages to Anthropic message
// params. Tool-role messages become tool_result blocks inside user messages;
// mid-sequence system messages (compaction summaries) fold into user turns.
func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("tool message %s missing tool_call_id", msg.ID)
			}
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))

		default:
			// User messages, and system-role summaries injected mid-sequence.
			if msg.Content == "" {
				continue
			}
			content = append(content, anthropic.NewTextBlock(msg.Content))
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *AnthropicProvider) wrap(err error, model string) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return NewError(p.Name(), model, err).WithStatus(apierr.StatusCode)
	}
	return NewError(p.Name(), model, err)
}

// newCallID generates an id for synthesized tool calls when a vendor omits one.
func newCallID() string {
	return "call_" + uuid.NewString()[:8]
}
