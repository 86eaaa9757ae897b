// Package tools implements the tool registry, the dependency-layered
// bounded-parallel executor, and the built-in shell, file, and web tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one executable capability. Implementations are registered under a
// unique name; the executor never inspects concrete types beyond the
// optional ExclusiveKeyer extension.
type Tool interface {
	// Name returns the unique registry key, valid as an LLM function name.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema of the tool's parameters object.
	Schema() json.RawMessage

	// Required lists mandatory parameter names.
	Required() []string

	// Timeout is the per-call execution bound.
	Timeout() time.Duration

	// Category groups tools for reporting.
	Category() string

	// Execute runs the call and returns its output text.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ExclusiveKeyer marks tools whose calls serialize when they target the
// same resource. Equal non-empty keys never run concurrently.
type ExclusiveKeyer interface {
	ExclusiveKey(args map[string]any) string
}

// Registry holds tools by unique name. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema for validation.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool name is required")
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(t.Schema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.tools[name] = t
	r.schemas[name] = compiled
	return nil
}

// Get returns the tool, or nil when unknown.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns the catalog advertised to the LLM adapters.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
			Required:    t.Required(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks a call's arguments against the tool's schema and required
// list. Returns a classified error for unknown tools or invalid arguments.
func (r *Registry) Validate(call models.ToolCall) error {
	r.mu.RLock()
	tool := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if tool == nil {
		return &ToolError{Kind: ErrToolNotFound, Message: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	for _, req := range tool.Required() {
		if _, ok := args[req]; !ok {
			return &ToolError{Kind: ErrToolValidation, Message: fmt.Sprintf("missing required parameter %q", req)}
		}
	}

	// Round-trip through JSON so the validator sees plain types.
	raw, err := json.Marshal(args)
	if err != nil {
		return &ToolError{Kind: ErrToolValidation, Message: "arguments are not serializable", Cause: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ToolError{Kind: ErrToolValidation, Message: "arguments are not valid JSON", Cause: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ToolError{Kind: ErrToolValidation, Message: err.Error(), Cause: err}
	}
	return nil
}

// ToolErrorKind tags executor and tool failures.
type ToolErrorKind string

const (
	ErrToolNotFound   ToolErrorKind = "not_found"
	ErrToolValidation ToolErrorKind = "validation"
	ErrToolTimeout    ToolErrorKind = "timeout"
	ErrToolSecurity   ToolErrorKind = "security"
	ErrToolExecution  ToolErrorKind = "execution"
	ErrToolCancelled  ToolErrorKind = "cancelled"
)

// ToolError is a classified tool failure.
type ToolError struct {
	Kind    ToolErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error { return e.Cause }
