package tokens

import (
	"testing"

	"github.com/quillhq/quill/pkg/models"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"single word", "hello", 2},
		{"short sentence", "the cat sat", 3},
		{"cjk counts per char", "你好世界", 4},
		{"mixed cjk latin", "hi 你好", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.in); got != tt.want {
				t.Fatalf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEstimateMinimumOnePerWord(t *testing.T) {
	// Ten one-letter words: byte heuristic alone would undercount.
	in := "a b c d e f g h i j"
	if got := Estimate(in); got < 10 {
		t.Fatalf("Estimate(%q) = %d, want at least one token per word", in, got)
	}
}

func TestEstimateMessageOverheadAndCache(t *testing.T) {
	msg := models.NewMessage(models.RoleUser, "hello world")
	first := EstimateMessage(&msg)
	if first <= MessageOverhead {
		t.Fatalf("estimate %d does not include content", first)
	}
	if msg.TokenEstimate != first {
		t.Fatal("estimate not cached on the message")
	}

	// Cached value is reused even if content were to change.
	if got := EstimateMessage(&msg); got != first {
		t.Fatalf("cached estimate changed: %d != %d", got, first)
	}
}

func TestEstimateMessageIncludesToolCalls(t *testing.T) {
	plain := models.NewMessage(models.RoleAssistant, "x")
	withCall := models.NewMessage(models.RoleAssistant, "x")
	withCall.ToolCalls = []models.ToolCall{{
		ID:        "c1",
		Name:      "shell",
		Arguments: map[string]any{"command": "grep -r pattern ./src"},
	}}

	if EstimateMessage(&withCall) <= EstimateMessage(&plain) {
		t.Fatal("tool calls not counted")
	}
}

func TestEstimateMessages(t *testing.T) {
	msgs := []models.Message{
		models.NewMessage(models.RoleUser, "first question here"),
		models.NewMessage(models.RoleAssistant, "second answer here"),
	}
	total := EstimateMessages(msgs)
	if total != EstimateMessage(&msgs[0])+EstimateMessage(&msgs[1]) {
		t.Fatal("total is not the sum of parts")
	}
}
