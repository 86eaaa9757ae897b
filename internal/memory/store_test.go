package memory

import (
	"context"
	"testing"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{
		Kind:       models.MemoryInteraction,
		Content:    "User renamed the quarterly report",
		Importance: 0.6,
	}
	id, err := store.Save(ctx, entry)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty id assigned")
	}

	loaded, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Content != entry.Content || loaded.Kind != models.MemoryInteraction {
		t.Fatalf("loaded entry mismatch: %+v", loaded)
	}
	if loaded.Importance != 0.6 {
		t.Fatalf("importance = %f", loaded.Importance)
	}
}

func TestSaveIdempotentByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &models.MemoryEntry{ID: "fixed-id", Kind: models.MemoryInsight, Content: "prefers dark mode"}
	if _, err := store.Save(ctx, entry); err != nil {
		t.Fatal(err)
	}
	entry.Content = "prefers dark mode at night"
	if _, err := store.Save(ctx, entry); err != nil {
		t.Fatal(err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("re-save duplicated the entry: count = %d", count)
	}
}

func TestSearchKeywords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids := map[string]string{}
	for name, content := range map[string]string{
		"report":  "renamed the quarterly report spreadsheet",
		"vacation": "booked vacation flights to Lisbon",
		"report2": "emailed the quarterly report to finance",
	} {
		id, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryInteraction, Content: content})
		if err != nil {
			t.Fatal(err)
		}
		ids[name] = id
	}

	hits, err := store.SearchKeywords(ctx, "quarterly report", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, hit := range hits {
		if hit.ID == ids["vacation"] {
			t.Fatal("unrelated entry matched")
		}
		if hit.Score <= 0 || hit.Score > 1 {
			t.Fatalf("score out of range: %f", hit.Score)
		}
	}
}

func TestTouchMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryEntity, Content: "project alpha notes"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		if err := store.Touch(ctx, id); err != nil {
			t.Fatal(err)
		}
		entry, err := store.Load(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if entry.AccessCount != int64(i) {
			t.Fatalf("access_count = %d after %d touches", entry.AccessCount, i)
		}
	}
}

func TestDeleteRemovesFromAllIndices(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryInteraction, Content: "temporary scratch note"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(ctx, id); err != ErrNotFound {
		t.Fatalf("load after delete: %v", err)
	}
	hits, err := store.SearchKeywords(ctx, "temporary scratch", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, hit := range hits {
		if hit.ID == id {
			t.Fatal("search returned a deleted id")
		}
	}
}

func TestSemanticSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	near := &models.MemoryEntry{Kind: models.MemoryInsight, Content: "near", Embedding: []float32{1, 0, 0}}
	far := &models.MemoryEntry{Kind: models.MemoryInsight, Content: "far", Embedding: []float32{-1, 0, 0}}
	nearID, _ := store.Save(ctx, near)
	if _, err := store.Save(ctx, far); err != nil {
		t.Fatal(err)
	}

	hits, err := store.SearchSemantic(ctx, []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != nearID {
		t.Fatalf("nearest neighbor wrong: %+v", hits)
	}
	if hits[0].Distance > 0.01 {
		t.Fatalf("identical vector distance = %f", hits[0].Distance)
	}
}

func TestSemanticSearchEmptyWithoutVectors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryInsight, Content: "plain"}); err != nil {
		t.Fatal(err)
	}
	hits, err := store.SearchSemantic(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestConversationAppendIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := models.NewMessage(models.RoleUser, "hello")
	second := models.NewMessage(models.RoleAssistant, "hi there")

	if err := store.SaveConversation(ctx, "conv-1", []models.Message{first}, "greeting"); err != nil {
		t.Fatal(err)
	}
	// Re-saving the whole working copy must not duplicate messages.
	if err := store.SaveConversation(ctx, "conv-1", []models.Message{first, second}, "greeting"); err != nil {
		t.Fatal(err)
	}

	conv, err := store.LoadConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Content != "hello" || conv.Messages[1].Content != "hi there" {
		t.Fatalf("order lost: %+v", conv.Messages)
	}
	if conv.Title != "greeting" {
		t.Fatalf("title = %q", conv.Title)
	}
}

func TestConversationToolCallsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assistant := models.NewMessage(models.RoleAssistant, "")
	assistant.ToolCalls = []models.ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}
	tool := models.NewToolMessage("c1", "listing")

	if err := store.SaveConversation(ctx, "conv-2", []models.Message{assistant, tool}, ""); err != nil {
		t.Fatal(err)
	}
	conv, err := store.LoadConversation(ctx, "conv-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages[0].ToolCalls) != 1 || conv.Messages[0].ToolCalls[0].Name != "shell" {
		t.Fatalf("tool calls lost: %+v", conv.Messages[0])
	}
	if conv.Messages[1].ToolCallID != "c1" {
		t.Fatalf("tool_call_id lost: %+v", conv.Messages[1])
	}
}

func TestUsageRollup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.RecordUsage(ctx, "anthropic", "claude-sonnet-4", models.TokenUsage{Input: 100, Output: 50})
		if err != nil {
			t.Fatal(err)
		}
	}

	total, err := store.UsageSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total.Input != 300 || total.Output != 150 {
		t.Fatalf("rollup = %+v", total)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short request", "short request"},
		{"  spaced   out\nrequest  ", "spaced out request"},
		{"this is a very long user request that keeps going well past the sixty character title limit", "this is a very long user request that keeps going well past…"},
	}
	for _, tt := range tests {
		if got := DeriveTitle(tt.in); got != tt.want {
			t.Errorf("DeriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
