package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quillhq/quill/internal/compact"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/llm/client"
	"github.com/quillhq/quill/internal/memory"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/prompt"
	"github.com/quillhq/quill/internal/task"
	"github.com/quillhq/quill/internal/tokens"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/internal/usage"
	"github.com/quillhq/quill/pkg/models"
)

// StopReason is the loop's terminal state.
type StopReason string

const (
	StopDone      StopReason = "DONE"
	StopIterCap   StopReason = "ITER_CAP"
	StopCancelled StopReason = "CANCELLED"
	StopError     StopReason = "ERROR"
)

// Config configures the loop.
type Config struct {
	// MaxIterations caps LLM calls per user turn. Default 10.
	MaxIterations int

	// TargetPromptTokens caps the assembled prompt estimate; zero derives
	// 60% of the primary adapter's context window.
	TargetPromptTokens int

	// RetrospectThreshold triggers a post-task retrospect for slow turns.
	// Default 60s.
	RetrospectThreshold time.Duration

	// RetrospectEnabled gates retrospect generation.
	RetrospectEnabled bool
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.RetrospectThreshold <= 0 {
		c.RetrospectThreshold = 60 * time.Second
	}
}

// Agent drives one user turn to completion. One logical task per turn; no
// mutable state is shared between sibling turns except the explicitly
// synchronized collaborators.
type Agent struct {
	cfg       Config
	client    *client.Client
	compactor *compact.Compactor
	assembler *prompt.Assembler
	persona   *prompt.PersonaLoader
	retriever *memory.Retriever
	recent    *memory.RecentTracker
	store     *memory.Store
	registry  *tools.Registry
	executor  *tools.Executor
	verifier  *Verifier
	monitor   *task.Monitor
	retro     *task.Retrospector
	tracker   *usage.Tracker
	metrics   *observability.Metrics
	env       prompt.Environment
	params    llm.Params
	logger    *slog.Logger

	cacheMu         sync.Mutex
	lastCacheHits   int64
	lastCacheMisses int64
}

// TurnResult is the synchronous chat outcome.
type TurnResult struct {
	Message        models.Message    `json:"message"`
	ConversationID string            `json:"conversation_id"`
	ToolCalls      []models.ToolCall `json:"tool_calls,omitempty"`
	Usage          models.TokenUsage `json:"usage"`
	Reason         StopReason        `json:"reason"`

	// Warning reports a non-fatal problem, e.g. a failed final persist.
	Warning string `json:"warning,omitempty"`
}

// Run executes the tool-use loop for one user message. sink may be nil for
// the synchronous API; with a sink attached, deltas and tool events stream
// as they happen and a terminal done or error event closes the sequence.
func (a *Agent) Run(ctx context.Context, userText, conversationID string, sink Sink) (*TurnResult, error) {
	result, err := a.run(ctx, userText, conversationID, sink)
	if err != nil {
		turnErr := classifyTurnError(err)
		if sink != nil {
			sink.Emit(Event{
				Type:      EventError,
				ErrorKind: turnErr.Kind,
				ErrorText: turnErr.Error(),
				Retriable: turnErr.Kind.Retriable(),
			})
		}
		return nil, turnErr
	}
	if sink != nil {
		sink.Emit(Event{
			Type:           EventDone,
			FinalText:      result.Message.Content,
			ConversationID: result.ConversationID,
			Usage:          &result.Usage,
		})
	}
	return result, nil
}

func (a *Agent) run(ctx context.Context, userText, conversationID string, sink Sink) (*TurnResult, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	working := a.loadWorking(ctx, conversationID)
	userMsg := models.NewMessage(models.RoleUser, userText)
	working = append(working, userMsg)
	newFrom := len(working) - 1

	a.monitor.Begin(memory.DeriveTitle(userText), a.params.Model)
	defer func() {
		if a.monitor.Busy() {
			a.monitor.End(false, "abandoned")
		}
	}()

	var (
		turnUsage     models.TokenUsage
		turnToolCalls []models.ToolCall
		finalMsg      models.Message
		reason        StopReason
		llmCalls      int
		overflowRetry bool
		anyToolOK     bool
		target        = a.promptTarget()
	)

	for {
		if llmCalls >= a.cfg.MaxIterations {
			reason = StopIterCap
			break
		}
		if ctx.Err() != nil {
			reason = StopCancelled
			break
		}

		// Retrieval failures degrade to an empty context.
		retrieved, err := a.retriever.Retrieve(ctx, userText, 5, "")
		if err != nil {
			if ctx.Err() != nil {
				reason = StopCancelled
				break
			}
			a.logger.Warn("memory retrieval failed, continuing without context", "error", err)
			retrieved = nil
		}
		a.observeCache()

		caps := llm.Capabilities{SupportsSystemRole: true}
		if primary := a.client.Primary(); primary != nil {
			caps = primary.Capabilities()
		}
		assembled := a.assembler.Assemble(prompt.Input{
			Persona:        a.persona.Bundle(),
			Env:            a.env,
			Memories:       retrieved,
			RecentEntities: a.recent.Render(),
			Tools:          a.registry.Schemas(),
			Budget:         target / 2,
			Capabilities:   caps,
		})

		systemTokens := tokens.Estimate(assembled.System.Content)
		compacted, _, cstats, err := a.compactor.Compress(ctx, working, target-systemTokens)
		if err != nil {
			if cstats.WasCancelled || ctx.Err() != nil {
				reason = StopCancelled
				break
			}
			a.logger.Warn("compaction failed, using uncompacted history", "error", err)
			compacted = working
		}
		a.observeCompaction(cstats)

		promptMsgs := make([]models.Message, 0, len(compacted)+2)
		promptMsgs = append(promptMsgs, assembled.System)
		if assembled.Hidden != nil {
			promptMsgs = append(promptMsgs, *assembled.Hidden)
		}
		promptMsgs = append(promptMsgs, compacted...)

		iterStart := time.Now()
		assistantMsg, callUsage, err := a.callLLM(ctx, promptMsgs, sink)
		llmCalls++

		if err != nil {
			if ctx.Err() != nil {
				reason = StopCancelled
				break
			}
			// One tighter compaction pass recovers a first overflow.
			if llm.KindOf(err) == llm.ErrContextOverflow && !overflowRetry {
				overflowRetry = true
				target = target * 8 / 10
				a.logger.Warn("context overflow, retrying with tighter target", "target", target)
				continue
			}
			a.persistBestEffort(ctx, conversationID, working[newFrom:], userText)
			a.finishTask(ctx, false, err.Error())
			return nil, err
		}

		assistantMsg.Content = Sanitize(assistantMsg.Content)
		turnUsage.Add(callUsage)
		a.recordIteration(llmCalls-1, iterStart, callUsage, assistantMsg.ToolCalls)
		a.recordUsage(ctx, callUsage)

		working = append(working, assistantMsg)
		finalMsg = assistantMsg

		if len(assistantMsg.ToolCalls) == 0 {
			complete := llmCalls == 1 ||
				a.verifier.IsComplete(ctx, assistantMsg.Content, userText, anyToolOK)
			if complete {
				reason = StopDone
				break
			}
			continue
		}

		turnToolCalls = append(turnToolCalls, assistantMsg.ToolCalls...)
		results := a.executor.ExecuteCalls(ctx, assistantMsg.ToolCalls, a.toolEventFunc(sink))

		for i, res := range results {
			call := assistantMsg.ToolCalls[i]
			if res.Success {
				anyToolOK = true
				updateRecentEntities(a.recent, call, res)
			}
			a.observeTool(call.Name, res)
			toolMsg := models.NewToolMessage(call.ID, res.Text())
			working = append(working, toolMsg)
			if sink != nil {
				r := res
				sink.Emit(Event{Type: EventToolResult, ToolResult: &r})
			}
		}

		if ctx.Err() != nil {
			reason = StopCancelled
			break
		}
	}

	if reason == "" {
		reason = StopError
	}

	warning := a.persistBestEffort(ctx, conversationID, working[newFrom:], userText)
	a.finishTask(ctx, reason == StopDone, terminalError(reason))

	if reason == StopCancelled {
		return nil, &TurnError{Kind: KindCancelled, Message: "turn cancelled", Cause: ctx.Err()}
	}

	return &TurnResult{
		Message:        finalMsg,
		ConversationID: conversationID,
		ToolCalls:      turnToolCalls,
		Usage:          turnUsage,
		Reason:         reason,
		Warning:        warning,
	}, nil
}

// callLLM performs one iteration's model call, streaming deltas to the sink
// when attached.
func (a *Agent) callLLM(ctx context.Context, promptMsgs []models.Message, sink Sink) (models.Message, models.TokenUsage, error) {
	req := &llm.Request{
		Messages: promptMsgs,
		Tools:    a.registry.Schemas(),
		Params:   a.params,
	}

	if sink == nil {
		resp, err := a.client.Chat(ctx, req)
		if err != nil {
			return models.Message{}, models.TokenUsage{}, err
		}
		return resp.Message, resp.Usage, nil
	}

	chunks, err := a.client.Stream(ctx, req)
	if err != nil {
		return models.Message{}, models.TokenUsage{}, err
	}
	return a.collectStream(ctx, chunks, sink)
}

// collectStream folds canonical chunks into an assistant message, forwarding
// text deltas as they arrive. Tool-call argument fragments accumulate until
// their end chunk.
func (a *Agent) collectStream(ctx context.Context, chunks <-chan llm.Chunk, sink Sink) (models.Message, models.TokenUsage, error) {
	msg := models.NewMessage(models.RoleAssistant, "")
	var text []byte
	var callUsage models.TokenUsage

	type pending struct {
		name string
		args []byte
	}
	open := map[string]*pending{}
	var order []string

	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkTextDelta:
			text = append(text, chunk.Text...)
			sink.Emit(Event{Type: EventText, Text: chunk.Text})

		case llm.ChunkToolCallStart:
			open[chunk.ToolCallID] = &pending{name: chunk.ToolName}
			order = append(order, chunk.ToolCallID)

		case llm.ChunkToolCallDelta:
			if p := open[chunk.ToolCallID]; p != nil {
				p.args = append(p.args, chunk.ArgumentsDelta...)
			}

		case llm.ChunkToolCallEnd:
			p := open[chunk.ToolCallID]
			if p == nil {
				continue
			}
			var args map[string]any
			if len(p.args) > 0 {
				if err := json.Unmarshal(p.args, &args); err != nil {
					return msg, callUsage, &llm.Error{
						Kind:    llm.ErrMalformed,
						Message: fmt.Sprintf("tool call %s arguments are not valid JSON", p.name),
						Cause:   err,
					}
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        chunk.ToolCallID,
				Name:      p.name,
				Arguments: args,
			})
			delete(open, chunk.ToolCallID)

		case llm.ChunkUsage:
			if chunk.Usage != nil {
				callUsage = *chunk.Usage
			}

		case llm.ChunkDone:
			msg.Content = string(text)
			return msg, callUsage, nil

		case llm.ChunkError:
			return msg, callUsage, chunk.Err
		}
	}

	if ctx.Err() != nil {
		return msg, callUsage, ctx.Err()
	}
	msg.Content = string(text)
	return msg, callUsage, nil
}

// toolEventFunc forwards executor lifecycle events onto the stream.
func (a *Agent) toolEventFunc(sink Sink) tools.EventFunc {
	if sink == nil {
		return nil
	}
	return func(ev tools.Event) {
		call := ev.Call
		switch ev.Type {
		case tools.EventToolStart:
			sink.Emit(Event{Type: EventToolStart, ToolCall: &call})
		case tools.EventToolEnd:
			sink.Emit(Event{Type: EventToolEnd, ToolCall: &call, ToolResult: ev.Result})
		}
	}
}

// loadWorking borrows the stored conversation as this turn's working copy.
func (a *Agent) loadWorking(ctx context.Context, conversationID string) []models.Message {
	conv, err := a.store.LoadConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			a.logger.Warn("conversation load failed, starting fresh", "conversation_id", conversationID, "error", err)
		}
		return nil
	}
	return conv.Messages
}

// persistBestEffort saves the turn's new messages and the interaction
// memory. Failures surface as a warning, never as a turn failure.
func (a *Agent) persistBestEffort(ctx context.Context, conversationID string, newMsgs []models.Message, userText string) string {
	if len(newMsgs) == 0 {
		return ""
	}

	// Persistence must survive a cancelled turn context.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var warning string
	title := memory.DeriveTitle(userText)
	if err := a.store.SaveConversation(persistCtx, conversationID, newMsgs, title); err != nil {
		a.logger.Warn("conversation persist failed", "conversation_id", conversationID, "error", err)
		warning = "conversation persist failed: " + err.Error()
	}

	content := renderInteraction(userText, newMsgs)
	entry := &models.MemoryEntry{
		ConversationID: conversationID,
		Kind:           models.MemoryInteraction,
		Content:        content,
		Importance:     0.5,
	}
	if _, err := a.store.Save(persistCtx, entry); err != nil {
		a.logger.Warn("interaction memory persist failed", "error", err)
		if warning == "" {
			warning = "memory persist failed: " + err.Error()
		}
	}
	a.retriever.InvalidateCache()

	return warning
}

// renderInteraction flattens the turn into the interaction memory content.
func renderInteraction(userText string, msgs []models.Message) string {
	out := "User: " + userText
	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant && msg.Content != "" {
			out += "\nAssistant: " + msg.Content
		}
	}
	return out
}

func (a *Agent) promptTarget() int {
	if a.cfg.TargetPromptTokens > 0 {
		return a.cfg.TargetPromptTokens
	}
	window := 100000
	if primary := a.client.Primary(); primary != nil {
		if w := primary.Capabilities().MaxContextTokens; w > 0 {
			window = w
		}
	}
	return window * 60 / 100
}

func (a *Agent) recordIteration(index int, start time.Time, u models.TokenUsage, calls []models.ToolCall) {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	a.monitor.AddIteration(models.IterationRecord{
		Index:            index,
		Model:            a.params.Model,
		PromptTokens:     u.Input,
		CompletionTokens: u.Output,
		ToolCalls:        names,
		StartedAt:        start,
		EndedAt:          time.Now(),
	})
}

func (a *Agent) recordUsage(ctx context.Context, u models.TokenUsage) {
	provider := ""
	if primary := a.client.Primary(); primary != nil {
		provider = primary.Name()
	}
	u = a.tracker.Record(provider, a.params.Model, u)
	if err := a.store.RecordUsage(ctx, provider, a.params.Model, u); err != nil {
		a.logger.Debug("usage row persist failed", "error", err)
	}
	if a.metrics != nil {
		a.metrics.LLMTokens.WithLabelValues(provider, "input").Add(float64(u.Input))
		a.metrics.LLMTokens.WithLabelValues(provider, "output").Add(float64(u.Output))
	}
}

// finishTask closes the task record and schedules a retrospect when the
// turn was slow or failed. The retrospect runs in the background and never
// blocks the response.
func (a *Agent) finishTask(ctx context.Context, success bool, errText string) {
	rec := a.monitor.End(success, errText)
	if rec == nil || a.retro == nil || !a.cfg.RetrospectEnabled {
		return
	}
	if success && rec.Duration() < a.cfg.RetrospectThreshold {
		return
	}

	go func() {
		retroCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		if err := a.retro.Generate(retroCtx, rec); err != nil {
			a.logger.Warn("retrospect generation failed", "task_id", rec.TaskID, "error", err)
		}
	}()
}

func (a *Agent) observeTool(name string, res models.ToolResult) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		switch res.Error {
		case "timeout", "cancelled", "security":
			outcome = res.Error
		default:
			outcome = "error"
		}
	}
	a.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
	a.metrics.ToolDuration.WithLabelValues(name).Observe(float64(res.DurationMS) / 1000)
}

func (a *Agent) observeCompaction(stats compact.Stats) {
	if a.metrics == nil {
		return
	}
	switch {
	case stats.WasCancelled:
		a.metrics.Compactions.WithLabelValues("cancelled").Inc()
	case stats.HardTruncated:
		a.metrics.Compactions.WithLabelValues("hard_truncated").Inc()
	case stats.SummarizedTurns > 0:
		a.metrics.Compactions.WithLabelValues("summarized").Inc()
	}
}

func (a *Agent) observeCache() {
	if a.metrics == nil {
		return
	}
	hits, misses := a.retriever.CacheStats()
	a.cacheMu.Lock()
	dHits, dMisses := hits-a.lastCacheHits, misses-a.lastCacheMisses
	a.lastCacheHits, a.lastCacheMisses = hits, misses
	a.cacheMu.Unlock()
	if dHits > 0 {
		a.metrics.RetrieverCache.WithLabelValues("hit").Add(float64(dHits))
	}
	if dMisses > 0 {
		a.metrics.RetrieverCache.WithLabelValues("miss").Add(float64(dMisses))
	}
}

func terminalError(reason StopReason) string {
	switch reason {
	case StopDone:
		return ""
	case StopIterCap:
		return "iteration cap reached"
	case StopCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
