package agent

import (
	"testing"
	"time"

	"github.com/quillhq/quill/internal/memory"
	"github.com/quillhq/quill/pkg/models"
)

func successResult(id string) models.ToolResult {
	return models.ToolResult{ToolCallID: id, Success: true, Output: "ok"}
}

func TestShellEntityRecognition(t *testing.T) {
	tests := []struct {
		command string
		name    string
		kind    models.EntityKind
		action  models.EntityAction
		found   bool
	}{
		{"mkdir X", "X", models.EntityFolder, models.ActionCreate, true},
		{"rmdir X", "X", models.EntityFolder, models.ActionDelete, true},
		{"rm -rf build/cache", "cache", models.EntityFile, models.ActionDelete, true},
		{"touch notes.md", "notes.md", models.EntityFile, models.ActionCreate, true},
		{"mv a.txt b.txt", "a.txt", models.EntityFile, models.ActionMove, true},
		{"echo hello", "", "", "", false},
		{"ls", "", "", "", false},
	}
	for _, tt := range tests {
		entity, ok := shellEntity(tt.command)
		if ok != tt.found {
			t.Errorf("shellEntity(%q) found=%v, want %v", tt.command, ok, tt.found)
			continue
		}
		if !ok {
			continue
		}
		if entity.Name != tt.name || entity.Kind != tt.kind || entity.Action != tt.action {
			t.Errorf("shellEntity(%q) = %+v", tt.command, entity)
		}
	}
}

func TestUpdateRecentEntitiesSupersedes(t *testing.T) {
	tracker := memory.NewRecentTracker(20, time.Hour)

	create := models.ToolCall{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "mkdir X"}}
	remove := models.ToolCall{ID: "c2", Name: "shell", Arguments: map[string]any{"command": "rmdir X"}}

	updateRecentEntities(tracker, create, successResult("c1"))
	updateRecentEntities(tracker, remove, successResult("c2"))

	entities := tracker.Entities()
	if len(entities) != 1 {
		t.Fatalf("entity count = %d, want 1", len(entities))
	}
	if entities[0].Name != "X" || entities[0].Action != models.ActionDelete {
		t.Fatalf("create not superseded by delete: %+v", entities[0])
	}
}

func TestUpdateRecentEntitiesIgnoresFailures(t *testing.T) {
	tracker := memory.NewRecentTracker(20, time.Hour)

	call := models.ToolCall{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "mkdir X"}}
	updateRecentEntities(tracker, call, models.ToolResult{ToolCallID: "c1", Success: false, Error: "denied"})

	if len(tracker.Entities()) != 0 {
		t.Fatal("failed execution produced an entity")
	}
}

func TestUpdateRecentEntitiesWeb(t *testing.T) {
	tracker := memory.NewRecentTracker(20, time.Hour)

	call := models.ToolCall{ID: "w1", Name: "web", Arguments: map[string]any{"url": "https://example.com/docs"}}
	updateRecentEntities(tracker, call, successResult("w1"))

	entities := tracker.Entities()
	if len(entities) != 1 || entities[0].Kind != models.EntityURL || entities[0].Location != "example.com" {
		t.Fatalf("web entity = %+v", entities)
	}
}
