package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/quillhq/quill/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel       = "gpt-4o"
	defaultOpenAIContextSize = 128000
)

// OpenAIProvider adapts OpenAI-compatible chat completion APIs to the
// Provider contract. With a custom BaseURL it also fronts local or hosted
// OpenAI-compatible vendors.
type OpenAIProvider struct {
	client        *openai.Client
	name          string
	defaultModel  string
	contextTokens int
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// Name overrides the provider identifier, for OpenAI-compatible vendors
	// behind a custom BaseURL. Default "openai".
	Name string

	// ContextTokens overrides the advertised context window.
	ContextTokens int
}

// NewOpenAIProvider creates an OpenAI-compatible adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = defaultOpenAIContextSize
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:        openai.NewClientWithConfig(clientCfg),
		name:          cfg.Name,
		defaultModel:  cfg.DefaultModel,
		contextTokens: cfg.ContextTokens,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTools:      true,
		SupportsStreaming:  true,
		SupportsSystemRole: true,
		MaxContextTokens:   p.contextTokens,
	}
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Params.Model)
	chatReq := p.buildRequest(req, false)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrap(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrMalformed, Provider: p.name, Model: model, Message: "response has no choices"}
	}

	choice := resp.Choices[0].Message
	assistant := models.NewMessage(models.RoleAssistant, choice.Content)
	for _, call := range choice.ToolCalls {
		canonical, err := p.canonicalCall(call)
		if err != nil {
			return nil, err
		}
		assistant.ToolCalls = append(assistant.ToolCalls, canonical)
	}

	usage := models.TokenUsage{
		Input:  int64(resp.Usage.PromptTokens),
		Output: int64(resp.Usage.CompletionTokens),
	}

	return &Response{Message: assistant, Usage: usage}, nil
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req.Params.Model)
	chatReq := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

// processStream converts OpenAI delta frames into canonical chunks.
// Tool calls arrive as indexed argument fragments; the first fragment for an
// index carries the id and name.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	var usage models.TokenUsage

	type openCall struct {
		id   string
		name string
	}
	calls := map[int]*openCall{}
	order := []int{}

	send := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	closeCalls := func() bool {
		for _, idx := range order {
			call := calls[idx]
			if !send(Chunk{Type: ChunkToolCallEnd, ToolCallID: call.id, ToolName: call.name}) {
				return false
			}
		}
		order = order[:0]
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !closeCalls() {
				return
			}
			u := usage
			send(Chunk{Type: ChunkUsage, Usage: &u})
			send(Chunk{Type: ChunkDone, Usage: &u})
			return
		}
		if err != nil {
			send(Chunk{Type: ChunkError, Err: p.wrap(err, model)})
			return
		}

		if resp.Usage != nil {
			usage.Input = int64(resp.Usage.PromptTokens)
			usage.Output = int64(resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			if !send(Chunk{Type: ChunkTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				id := tc.ID
				if id == "" {
					id = newCallID()
				}
				call = &openCall{id: id, name: tc.Function.Name}
				calls[idx] = call
				order = append(order, idx)
				if !send(Chunk{Type: ChunkToolCallStart, ToolCallID: call.id, ToolName: call.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				if !send(Chunk{Type: ChunkToolCallDelta, ToolCallID: call.id, ToolName: call.name, ArgumentsDelta: tc.Function.Arguments}) {
					return
				}
			}
		}
	}
}

func (p *OpenAIProvider) buildRequest(req *Request, streaming bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model(req.Params.Model),
		Messages:    convertOpenAIMessages(req.Messages),
		Temperature: float32(req.Params.Temperature),
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
		switch req.Params.ToolChoice {
		case "", "auto":
		case "any", "required":
			chatReq.ToolChoice = "required"
		default:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.Params.ToolChoice},
			}
		}
	}
	if streaming {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}

func convertOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.RawArguments()),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Parameters),
			},
		})
	}
	return result
}

func (p *OpenAIProvider) canonicalCall(call openai.ToolCall) (models.ToolCall, error) {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return models.ToolCall{}, &Error{
				Kind:     ErrMalformed,
				Provider: p.name,
				Message:  fmt.Sprintf("tool call %s arguments are not valid JSON", call.Function.Name),
				Cause:    err,
			}
		}
	}
	id := call.ID
	if id == "" {
		id = newCallID()
	}
	return models.ToolCall{ID: id, Name: call.Function.Name, Arguments: args}, nil
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *OpenAIProvider) wrap(err error, model string) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		return NewError(p.name, model, err).WithStatus(apierr.HTTPStatusCode)
	}
	return NewError(p.name, model, err)
}
