package agent

import (
	"context"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/llm/client"
	"github.com/quillhq/quill/pkg/models"
)

// Brain is the narrow chat-only surface shared by the compactor, verifier,
// consolidator, and retrospector. Injecting it by constructor keeps those
// components off the full client.
type Brain interface {
	Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error)
}

// clientBrain backs Brain with the failover client.
type clientBrain struct {
	client *client.Client
	model  string
}

// NewBrain wraps the client as a Brain using the given model.
func NewBrain(c *client.Client, model string) Brain {
	return &clientBrain{client: c, model: model}
}

// Summarize implements Brain with a single bounded chat call.
func (b *clientBrain) Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error) {
	req := &llm.Request{
		Messages: []models.Message{
			models.NewMessage(models.RoleSystem, prompt),
			models.NewMessage(models.RoleUser, content),
		},
		Params: llm.Params{
			Model:     b.model,
			MaxTokens: maxTokens,
		},
	}
	resp, err := b.client.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
