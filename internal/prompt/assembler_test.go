package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/tokens"
	"github.com/quillhq/quill/pkg/models"
)

func scored(content string, score float64) models.ScoredEntry {
	return models.ScoredEntry{Entry: models.MemoryEntry{Content: content}, Score: score}
}

func baseInput() Input {
	return Input{
		Persona: "You are quill, a careful local assistant.",
		Env: Environment{
			OS:         "linux",
			WorkingDir: "/home/user",
			Now:        time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		Memories: []models.ScoredEntry{
			scored("prefers concise answers", 0.9),
			scored("works in UTC", 0.4),
		},
		RecentEntities: "- create \"X\" (folder, 10s ago)",
		Tools: []llm.ToolSchema{
			{Name: "shell", Description: "Run a command.\nSecond line of detail."},
			{Name: "file", Description: "File operations."},
		},
		Capabilities: llm.Capabilities{SupportsSystemRole: true},
	}
}

func TestAssembleSectionOrder(t *testing.T) {
	out := New().Assemble(baseInput())

	text := out.System.Content
	if out.System.Role != models.RoleSystem {
		t.Fatalf("role = %s", out.System.Role)
	}
	if out.Hidden != nil {
		t.Fatal("hidden block emitted for a system-role-capable model")
	}

	idx := func(s string) int { return strings.Index(text, s) }
	persona := idx("careful local assistant")
	env := idx("Working directory")
	recent := idx("Recently touched")
	mem := idx("prefers concise answers")
	tools := idx("shell:")

	for name, pos := range map[string]int{"persona": persona, "env": env, "recent": recent, "memory": mem, "tools": tools} {
		if pos < 0 {
			t.Fatalf("section %s missing:\n%s", name, text)
		}
	}
	if !(persona < env && env < recent && recent < mem && mem < tools) {
		t.Fatalf("section order wrong: %d %d %d %d %d", persona, env, recent, mem, tools)
	}
}

func TestAssembleElisionKeepsPersonaAndToolNames(t *testing.T) {
	in := baseInput()
	in.Budget = 40 // far below everything

	out := New().Assemble(in)
	text := out.System.Content

	if !strings.Contains(text, "careful local assistant") {
		t.Fatal("persona elided")
	}
	if !strings.Contains(text, "shell") || !strings.Contains(text, "file") {
		t.Fatal("tool names elided")
	}
	if strings.Contains(text, "prefers concise answers") {
		t.Fatal("memory digest survived a tiny budget")
	}
	if strings.Contains(text, "Recently touched") {
		t.Fatal("recent entities survived a tiny budget")
	}
}

func TestAssembleCollapsesToolDescriptions(t *testing.T) {
	in := baseInput()
	// Budget that forces the ladder past memory into tool collapse.
	in.Memories = nil
	in.Budget = 60

	out := New().Assemble(in)
	if strings.Contains(out.System.Content, "Second line of detail") {
		t.Fatal("multi-line tool description not collapsed")
	}
}

func TestAssembleHiddenBlockWithoutSystemRole(t *testing.T) {
	in := baseInput()
	in.Capabilities = llm.Capabilities{SupportsSystemRole: false}

	out := New().Assemble(in)
	if out.Hidden == nil {
		t.Fatal("hidden context block missing")
	}
	if out.Hidden.Role != models.RoleUser {
		t.Fatalf("hidden role = %s", out.Hidden.Role)
	}
	if !strings.Contains(out.System.Content, "careful local assistant") {
		t.Fatal("persona missing from system slot")
	}
	if strings.Contains(out.System.Content, "Working directory") {
		t.Fatal("environment leaked into the reduced system prompt")
	}
	if !strings.Contains(out.Hidden.Content, "Working directory") {
		t.Fatal("environment missing from hidden block")
	}
}

func TestAssembleMemoryTailTrimsFirst(t *testing.T) {
	in := baseInput()
	in.Tools = nil
	in.RecentEntities = ""
	// Budget large enough for everything except the full memory digest.
	full := New().Assemble(in)
	fullTokens := tokens.Estimate(full.System.Content)
	in.Budget = fullTokens - 5

	out := New().Assemble(in)
	text := out.System.Content
	if !strings.Contains(text, "prefers concise answers") && strings.Contains(text, "works in UTC") {
		t.Fatal("higher-scored memory dropped before the tail")
	}
}
