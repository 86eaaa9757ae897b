package tools

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

// refPattern matches the chained-call placeholder ${ref:<tool_call_id>}.
var refPattern = regexp.MustCompile(`^\$\{ref:([^}]+)\}$`)

// EventType tags an executor lifecycle event.
type EventType string

const (
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
)

// Event is one executor lifecycle notification, forwarded by the agent onto
// the response stream.
type Event struct {
	Type   EventType
	Call   models.ToolCall
	Result *models.ToolResult
}

// EventFunc receives events. It must not block.
type EventFunc func(Event)

// ExecutorConfig configures dispatch.
type ExecutorConfig struct {
	// MaxParallel bounds concurrent calls within a layer. Default 3.
	MaxParallel int

	// DefaultTimeout applies when a tool declares none. Default 30s.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default dispatch configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:    3,
		DefaultTimeout: 30 * time.Second,
	}
}

// Executor dispatches validated tool calls in dependency layers with
// bounded parallelism. Results always come back in declaration order.
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, cfg: cfg, logger: logger}
}

// ExecuteCalls validates and runs the calls. Two calls are dependent when
// one's arguments reference the other's id through ${ref:...} or both
// target the same exclusive resource; dependent calls run in later layers.
// Layer N completes fully before layer N+1 starts. On cancellation the
// remaining layers are abandoned and completed results are preserved.
func (e *Executor) ExecuteCalls(ctx context.Context, calls []models.ToolCall, emit EventFunc) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	valid := make([]bool, len(calls))

	for i, call := range calls {
		if err := e.registry.Validate(call); err != nil {
			results[i] = failedResult(call.ID, err)
			continue
		}
		valid[i] = true
	}

	layers := e.layer(calls, valid)

	outputs := make(map[string]models.ToolResult, len(calls))
	cancelled := false

	for _, layer := range layers {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			for _, idx := range layer {
				results[idx] = cancelledResult(calls[idx].ID)
			}
			continue
		}

		e.runLayer(ctx, calls, layer, results, outputs, emit)

		if ctx.Err() != nil {
			cancelled = true
		}
	}

	return results
}

// runLayer executes one layer's calls concurrently under the parallelism
// bound. Completion order is irrelevant; results land at their declaration
// index.
func (e *Executor) runLayer(ctx context.Context, calls []models.ToolCall, layer []int, results []models.ToolResult, outputs map[string]models.ToolResult, emit EventFunc) {
	sem := make(chan struct{}, e.cfg.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, idx := range layer {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				results[idx] = cancelledResult(calls[idx].ID)
				mu.Unlock()
				return
			}

			mu.Lock()
			call := substituteRefs(calls[idx], outputs)
			mu.Unlock()

			if emit != nil {
				emit(Event{Type: EventToolStart, Call: call})
			}

			result := e.executeOne(ctx, call)

			mu.Lock()
			results[idx] = result
			outputs[call.ID] = result
			mu.Unlock()

			if emit != nil {
				emit(Event{Type: EventToolEnd, Call: call, Result: &result})
			}
		}(idx)
	}

	wg.Wait()
}

// executeOne runs a single call under its tool's timeout.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool := e.registry.Get(call.Name)
	if tool == nil {
		return failedResult(call.ID, &ToolError{Kind: ErrToolNotFound, Message: call.Name})
	}

	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		output, err := tool.Execute(callCtx, call.Arguments)
		select {
		case done <- outcome{output: output, err: err}:
		default:
			e.logger.Warn("tool finished after deadline, result discarded",
				"tool", call.Name, "tool_call_id", call.ID)
		}
	}()

	select {
	case <-callCtx.Done():
		duration := time.Since(start).Milliseconds()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      "timeout",
				DurationMS: duration,
				Truncated:  true,
			}
		}
		r := cancelledResult(call.ID)
		r.DurationMS = duration
		return r

	case out := <-done:
		duration := time.Since(start).Milliseconds()
		if out.err != nil {
			r := failedResult(call.ID, out.err)
			r.DurationMS = duration
			return r
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Success:    true,
			Output:     out.output,
			DurationMS: duration,
		}
	}
}

// layer assigns each valid call to a dispatch layer: one past its deepest
// ${ref:...} dependency, then bumped until no earlier call in the same
// layer shares its exclusive key.
func (e *Executor) layer(calls []models.ToolCall, valid []bool) [][]int {
	idToIndex := make(map[string]int, len(calls))
	for i, call := range calls {
		if valid[i] {
			idToIndex[call.ID] = i
		}
	}

	layerOf := make([]int, len(calls))
	for i := range calls {
		layerOf[i] = -1
	}

	var assign func(i int, visiting map[int]bool) int
	assign = func(i int, visiting map[int]bool) int {
		if layerOf[i] >= 0 {
			return layerOf[i]
		}
		if visiting[i] {
			// Reference cycle; break it by dispatching at layer 0.
			return 0
		}
		visiting[i] = true
		defer delete(visiting, i)

		layer := 0
		for _, id := range referencedIDs(calls[i]) {
			dep, ok := idToIndex[id]
			if !ok || dep == i {
				continue
			}
			if depLayer := assign(dep, visiting); depLayer+1 > layer {
				layer = depLayer + 1
			}
		}
		layerOf[i] = layer
		return layer
	}

	for i := range calls {
		if valid[i] {
			assign(i, map[int]bool{})
		}
	}

	// Serialize equal exclusive keys: bump later declarations past earlier
	// ones that share a key and layer.
	taken := map[string]map[int]bool{} // key -> occupied layers
	for i, call := range calls {
		if !valid[i] {
			continue
		}
		key := exclusiveKey(e.registry.Get(call.Name), call)
		if key == "" {
			continue
		}
		occupied := taken[key]
		if occupied == nil {
			occupied = map[int]bool{}
			taken[key] = occupied
		}
		for occupied[layerOf[i]] {
			layerOf[i]++
		}
		occupied[layerOf[i]] = true
	}

	maxLayer := -1
	for i := range calls {
		if valid[i] && layerOf[i] > maxLayer {
			maxLayer = layerOf[i]
		}
	}
	layers := make([][]int, maxLayer+1)
	for i := range calls {
		if valid[i] {
			layers[layerOf[i]] = append(layers[layerOf[i]], i)
		}
	}
	return layers
}

func exclusiveKey(tool Tool, call models.ToolCall) string {
	keyer, ok := tool.(ExclusiveKeyer)
	if !ok {
		return ""
	}
	key := keyer.ExclusiveKey(call.Arguments)
	if key == "" {
		return ""
	}
	return call.Name + "\x00" + key
}

// referencedIDs extracts the call ids referenced by ${ref:...} placeholders
// in string argument values.
func referencedIDs(call models.ToolCall) []string {
	var ids []string
	for _, v := range call.Arguments {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if m := refPattern.FindStringSubmatch(s); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// substituteRefs replaces ${ref:<id>} string values with the referenced
// call's output text from prior layers.
func substituteRefs(call models.ToolCall, outputs map[string]models.ToolResult) models.ToolCall {
	if len(call.Arguments) == 0 {
		return call
	}

	substituted := call
	substituted.Arguments = make(map[string]any, len(call.Arguments))
	for k, v := range call.Arguments {
		if s, ok := v.(string); ok {
			if m := refPattern.FindStringSubmatch(s); m != nil {
				if result, done := outputs[m[1]]; done {
					substituted.Arguments[k] = result.Text()
					continue
				}
			}
		}
		substituted.Arguments[k] = v
	}
	return substituted
}

func failedResult(callID string, err error) models.ToolResult {
	var terr *ToolError
	errText := ""
	if errors.As(err, &terr) {
		switch terr.Kind {
		case ErrToolSecurity:
			errText = "security"
		case ErrToolTimeout:
			errText = "timeout"
		case ErrToolCancelled:
			errText = "cancelled"
		default:
			errText = terr.Error()
		}
	} else if err != nil {
		errText = err.Error()
	}
	return models.ToolResult{
		ToolCallID: callID,
		Success:    false,
		Error:      errText,
	}
}

func cancelledResult(callID string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Success:    false,
		Error:      "cancelled",
	}
}
