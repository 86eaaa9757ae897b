package compact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/quillhq/quill/internal/tokens"
	"github.com/quillhq/quill/pkg/models"
)

// stubBrain returns a short fixed summary and counts calls.
type stubBrain struct {
	calls int
	fail  error
}

func (b *stubBrain) Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.fail != nil {
		return "", b.fail
	}
	b.calls++
	return "summary of earlier discussion", nil
}

func msg(role models.Role, content string) models.Message {
	return models.NewMessage(role, content)
}

// makeHistory builds n user/assistant turns plus a leading system prompt.
func makeHistory(turns int, filler string) []models.Message {
	msgs := []models.Message{msg(models.RoleSystem, "You are a helpful assistant.")}
	for i := 0; i < turns; i++ {
		msgs = append(msgs,
			msg(models.RoleUser, fmt.Sprintf("question %d: %s", i, filler)),
			msg(models.RoleAssistant, fmt.Sprintf("answer %d: %s", i, filler)),
		)
	}
	return msgs
}

func TestCompressUnderBudgetUnchanged(t *testing.T) {
	brain := &stubBrain{}
	c := New(brain, DefaultConfig(), nil)

	msgs := makeHistory(2, "short")
	out, compressed, stats, err := c.Compress(context.Background(), msgs, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if compressed {
		t.Fatal("under-budget sequence was compressed")
	}
	if len(out) != len(msgs) {
		t.Fatalf("message count changed: %d -> %d", len(msgs), len(out))
	}
	if brain.calls != 0 {
		t.Fatalf("summarizer invoked %d times for a fitting sequence", brain.calls)
	}
	if stats.FinalTokens != stats.OriginalTokens {
		t.Fatalf("stats mismatch: %+v", stats)
	}
}

func TestCompressPreservesSystemAndLastTurns(t *testing.T) {
	brain := &stubBrain{}
	c := New(brain, DefaultConfig(), nil)

	filler := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	msgs := makeHistory(30, filler)
	total := tokens.EstimateMessages(msgs)
	target := total * 2 / 3

	out, compressed, stats, err := c.Compress(context.Background(), msgs, target)
	if err != nil {
		t.Fatal(err)
	}
	if !compressed {
		t.Fatal("oversized sequence not compressed")
	}
	if out[0].Role != models.RoleSystem || out[0].Content != msgs[0].Content {
		t.Fatal("system prompt not preserved at index 0")
	}

	// The last 3 turns (6 messages) survive verbatim.
	tail := out[len(out)-6:]
	want := msgs[len(msgs)-6:]
	for i := range tail {
		if tail[i].Content != want[i].Content {
			t.Fatalf("trailing turn altered at offset %d", i)
		}
	}

	if got := tokens.EstimateMessages(out); got > target && !stats.HardTruncated {
		t.Fatalf("budget violated without hard truncation: %d > %d", got, target)
	}
	if brain.calls == 0 {
		t.Fatal("no summaries were requested")
	}
}

func TestCompressKeepsClustersIntact(t *testing.T) {
	brain := &stubBrain{}
	c := New(brain, DefaultConfig(), nil)

	filler := strings.Repeat("data ", 300)
	var msgs []models.Message
	msgs = append(msgs, msg(models.RoleSystem, "system"))
	for i := 0; i < 12; i++ {
		user := msg(models.RoleUser, fmt.Sprintf("do thing %d %s", i, filler))
		assistant := msg(models.RoleAssistant, "")
		callID := fmt.Sprintf("call-%d", i)
		assistant.ToolCalls = []models.ToolCall{{ID: callID, Name: "shell", Arguments: map[string]any{"command": "ls"}}}
		toolReply := models.NewToolMessage(callID, "file listing "+filler)
		final := msg(models.RoleAssistant, "done "+filler)
		msgs = append(msgs, user, assistant, toolReply, final)
	}

	target := tokens.EstimateMessages(msgs) / 2
	out, _, _, err := c.Compress(context.Background(), msgs, target)
	if err != nil {
		t.Fatal(err)
	}

	// Every surviving tool message must still pair with its call in the
	// immediately preceding assistant message.
	for i, m := range out {
		if m.Role != models.RoleTool {
			continue
		}
		if i == 0 {
			t.Fatal("tool message with no preceding assistant message")
		}
		prev := out[i-1]
		found := false
		for _, call := range prev.ToolCalls {
			if call.ID == m.ToolCallID {
				found = true
			}
		}
		if !found {
			t.Fatalf("tool message %d lost its call pairing", i)
		}
	}
}

func TestCompressHardTruncationFloor(t *testing.T) {
	brain := &stubBrain{}
	cfg := DefaultConfig()
	cfg.FloorTokens = 100000 // force the floor immediately
	c := New(brain, cfg, nil)

	filler := strings.Repeat("word ", 200)
	msgs := makeHistory(20, filler)

	out, _, stats, err := c.Compress(context.Background(), msgs, 600)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.HardTruncated {
		t.Fatalf("expected hard truncation, stats %+v", stats)
	}
	if out[0].Role != models.RoleSystem {
		t.Fatal("system prompt dropped by hard truncation")
	}
	last := out[len(out)-1]
	if last.Content != msgs[len(msgs)-1].Content {
		t.Fatal("last turn dropped by hard truncation")
	}
}

func TestCompressCancellation(t *testing.T) {
	brain := &stubBrain{}
	c := New(brain, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	filler := strings.Repeat("cancelled content ", 100)
	msgs := makeHistory(20, filler)

	_, _, stats, err := c.Compress(ctx, msgs, 500)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !stats.WasCancelled {
		t.Fatalf("stats not flagged cancelled: %+v", stats)
	}
}

func TestSplitTurns(t *testing.T) {
	msgs := []models.Message{
		msg(models.RoleUser, "one"),
		msg(models.RoleAssistant, "a1"),
		msg(models.RoleUser, "two"),
		msg(models.RoleAssistant, "a2"),
		msg(models.RoleAssistant, "a2b"),
		msg(models.RoleUser, "three"),
	}
	turns := splitTurns(msgs)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if len(turns[1].messages) != 3 {
		t.Fatalf("turn 2 length = %d, want 3", len(turns[1].messages))
	}
}
