package llm

import (
	"encoding/json"
	"testing"

	"github.com/quillhq/quill/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

func TestConvertOpenAIMessages(t *testing.T) {
	assistant := models.NewMessage(models.RoleAssistant, "running it")
	assistant.ToolCalls = []models.ToolCall{{
		ID:        "c1",
		Name:      "shell",
		Arguments: map[string]any{"command": "ls"},
	}}

	msgs := []models.Message{
		models.NewMessage(models.RoleSystem, "be brief"),
		models.NewMessage(models.RoleUser, "list files"),
		assistant,
		models.NewToolMessage("c1", "a.txt b.txt"),
	}

	out := convertOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("converted %d messages", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("system role = %s", out[0].Role)
	}
	if out[2].ToolCalls[0].ID != "c1" || out[2].ToolCalls[0].Function.Name != "shell" {
		t.Fatalf("tool call lost: %+v", out[2].ToolCalls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(out[2].ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["command"] != "ls" {
		t.Fatalf("arguments = %v", args)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", out[3])
	}
}

func TestConvertOpenAITools(t *testing.T) {
	schemas := []ToolSchema{{
		Name:        "web",
		Description: "fetch a url",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`),
	}}

	out := convertOpenAITools(schemas)
	if len(out) != 1 || out[0].Function.Name != "web" {
		t.Fatalf("converted tools: %+v", out)
	}
}

func TestCanonicalCallParsesArguments(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}

	call, err := p.canonicalCall(openai.ToolCall{
		ID:       "x",
		Function: openai.FunctionCall{Name: "file", Arguments: `{"path":"/tmp/a"}`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if call.Arguments["path"] != "/tmp/a" {
		t.Fatalf("arguments = %v", call.Arguments)
	}

	if _, err := p.canonicalCall(openai.ToolCall{
		Function: openai.FunctionCall{Name: "file", Arguments: `{"path":`},
	}); KindOf(err) != ErrMalformed {
		t.Fatalf("truncated arguments not classified malformed: %v", err)
	}
}

func TestSplitSystem(t *testing.T) {
	msgs := []models.Message{
		models.NewMessage(models.RoleSystem, "sys"),
		models.NewMessage(models.RoleUser, "hi"),
	}
	system, rest := splitSystem(msgs)
	if system != "sys" || len(rest) != 1 {
		t.Fatalf("splitSystem = %q, %d", system, len(rest))
	}

	system, rest = splitSystem(msgs[1:])
	if system != "" || len(rest) != 1 {
		t.Fatalf("no-system split = %q, %d", system, len(rest))
	}
}
