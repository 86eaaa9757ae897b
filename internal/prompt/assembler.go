// Package prompt builds the system prompt from the persona bundle,
// environment info, recent-entity context, retrieved memory, and the tool
// catalog, eliding sections in priority order to honor a token budget.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/tokens"
	"github.com/quillhq/quill/pkg/models"
)

// Environment describes the host the assistant runs on.
type Environment struct {
	OS         string
	WorkingDir string
	Locale     string
	Now        time.Time
}

func (e Environment) render() string {
	now := e.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "OS: %s\n", e.OS)
	fmt.Fprintf(&sb, "Working directory: %s\n", e.WorkingDir)
	fmt.Fprintf(&sb, "Current time: %s\n", now.Format(time.RFC1123))
	if e.Locale != "" {
		fmt.Fprintf(&sb, "Locale: %s\n", e.Locale)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Input carries everything one assembly needs.
type Input struct {
	Persona        string
	Env            Environment
	Memories       []models.ScoredEntry
	RecentEntities string
	Tools          []llm.ToolSchema
	Budget         int
	Capabilities   llm.Capabilities
}

// Output is the assembled prompt: a system message, plus an auxiliary
// hidden user-role context block when the target model does not tolerate
// large system prompts.
type Output struct {
	System models.Message
	Hidden *models.Message
}

// Assembler renders and budgets the system prompt.
type Assembler struct{}

// New creates an assembler.
func New() *Assembler { return &Assembler{} }

type section struct {
	header string
	body   string
}

func (s section) render() string {
	if s.body == "" {
		return ""
	}
	return "## " + s.header + "\n\n" + s.body
}

func (s section) tokens() int {
	return tokens.Estimate(s.render())
}

// Assemble builds the prompt. Section order: persona, environment,
// recent entities, memory digest, tool catalog. Over budget, it elides in
// order: memory digest tail, the rest of the memory digest, tool
// descriptions (collapsed to name and first line), recent-entity context,
// environment details. The persona and the
// tool names are never elided.
func (a *Assembler) Assemble(in Input) Output {
	persona := section{header: "Persona", body: strings.TrimSpace(in.Persona)}
	env := section{header: "Environment", body: in.Env.render()}
	recent := section{header: "Recently touched", body: in.RecentEntities}
	memory := section{header: "Relevant memory", body: renderMemories(in.Memories)}
	toolsFull := section{header: "Available tools", body: renderTools(in.Tools, false)}

	fits := func(secs ...section) bool {
		if in.Budget <= 0 {
			return true
		}
		total := 0
		for _, s := range secs {
			total += s.tokens()
		}
		return total <= in.Budget
	}

	// Elision ladder, cheapest loss first.
	if !fits(persona, env, recent, memory, toolsFull) {
		memory.body = renderMemories(trimTail(in.Memories))
	}
	if !fits(persona, env, recent, memory, toolsFull) {
		memory.body = ""
	}
	if !fits(persona, env, recent, memory, toolsFull) {
		toolsFull.body = renderTools(in.Tools, true)
	}
	if !fits(persona, env, recent, memory, toolsFull) {
		recent.body = ""
	}
	if !fits(persona, env, recent, memory, toolsFull) {
		env.body = ""
	}

	var sb strings.Builder
	for _, s := range []section{persona, env, recent, memory, toolsFull} {
		rendered := s.render()
		if rendered == "" {
			continue
		}
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	}
	text := strings.TrimRight(sb.String(), "\n")

	if in.Capabilities.SupportsSystemRole {
		return Output{System: models.NewMessage(models.RoleSystem, text)}
	}

	// Persona stays in the system slot; everything else moves to a hidden
	// user-role context block.
	hidden := models.NewMessage(models.RoleUser, "[Context]\n"+strings.TrimSpace(strings.TrimPrefix(text, persona.render())))
	return Output{
		System: models.NewMessage(models.RoleSystem, persona.render()),
		Hidden: &hidden,
	}
}

func renderMemories(entries []models.ScoredEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- (%.2f) %s\n", e.Score, strings.TrimSpace(e.Entry.Content))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// trimTail drops the lower-scored half of the memory digest.
func trimTail(entries []models.ScoredEntry) []models.ScoredEntry {
	if len(entries) <= 1 {
		return nil
	}
	return entries[:(len(entries)+1)/2]
}

func renderTools(schemas []llm.ToolSchema, collapsed bool) string {
	if len(schemas) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, t := range schemas {
		desc := t.Description
		if collapsed {
			if idx := strings.IndexByte(desc, '\n'); idx > 0 {
				desc = desc[:idx]
			}
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, strings.TrimSpace(desc))
	}
	return strings.TrimRight(sb.String(), "\n")
}
