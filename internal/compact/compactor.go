// Package compact fits conversation history into a token budget by
// summarizing older turns while preserving the system prompt, the most
// recent turns, and tool call/result pairing.
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quillhq/quill/internal/tokens"
	"github.com/quillhq/quill/pkg/models"
)

const summaryPrompt = `Summarize the following prior conversation into salient facts, user preferences, unresolved intents, and outcomes. Preserve entity names verbatim. Output neutral prose.`

// Brain is the narrow LLM surface the compactor needs; see the runtime for
// the client-backed implementation.
type Brain interface {
	Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error)
}

// Config configures compaction.
type Config struct {
	// KeepTurns is the number of trailing turns preserved verbatim.
	// Default 3.
	KeepTurns int

	// SummaryChunkTokens bounds the input of one summarization call.
	// Default 2000.
	SummaryChunkTokens int

	// SummaryMaxTokens bounds one summary's output. Default 400.
	SummaryMaxTokens int

	// FloorTokens is the smallest target the recursion attempts before
	// falling back to hard truncation. Default 1024.
	FloorTokens int
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		KeepTurns:          3,
		SummaryChunkTokens: 2000,
		SummaryMaxTokens:   400,
		FloorTokens:        1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.KeepTurns <= 0 {
		c.KeepTurns = d.KeepTurns
	}
	if c.SummaryChunkTokens <= 0 {
		c.SummaryChunkTokens = d.SummaryChunkTokens
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = d.SummaryMaxTokens
	}
	if c.FloorTokens <= 0 {
		c.FloorTokens = d.FloorTokens
	}
}

// Stats describes what a Compress call did.
type Stats struct {
	OriginalTokens  int  `json:"original_tokens"`
	FinalTokens     int  `json:"final_tokens"`
	SummarizedTurns int  `json:"summarized_turns"`
	DroppedTurns    int  `json:"dropped_turns"`
	HardTruncated   bool `json:"hard_truncated"`
	WasCancelled    bool `json:"was_cancelled"`
}

// Compactor compresses message sequences. The Brain is injected at
// construction to keep the dependency on the LLM client narrow.
type Compactor struct {
	brain  Brain
	cfg    Config
	logger *slog.Logger
}

// New creates a compactor.
func New(brain Brain, cfg Config, logger *slog.Logger) *Compactor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{brain: brain, cfg: cfg, logger: logger}
}

// turn is a maximal run beginning with a user message followed by
// assistant/tool messages up to the next user message. Call/result clusters
// never cross turn boundaries by construction.
type turn struct {
	messages []models.Message
}

func (t turn) tokens() int {
	return tokens.EstimateMessages(t.messages)
}

// splitTurns groups messages into turns. A leading run without a user
// message (summaries from prior compactions) becomes its own turn.
func splitTurns(msgs []models.Message) []turn {
	var result []turn
	var current []models.Message

	for _, msg := range msgs {
		if msg.Role == models.RoleUser && len(current) > 0 {
			result = append(result, turn{messages: current})
			current = nil
		}
		current = append(current, msg)
	}
	if len(current) > 0 {
		result = append(result, turn{messages: current})
	}
	return result
}

// Compress returns a message sequence whose estimate fits target, the flag
// whether anything changed, and the run's stats. The system prompt (index 0,
// role system) and the last KeepTurns turns survive verbatim; earlier turns
// are summarized in chunks, recursively if needed, with whole-turn hard
// truncation as the last resort.
func (c *Compactor) Compress(ctx context.Context, msgs []models.Message, target int) ([]models.Message, bool, Stats, error) {
	stats := Stats{OriginalTokens: tokens.EstimateMessages(msgs)}

	if target <= 0 || stats.OriginalTokens <= target {
		stats.FinalTokens = stats.OriginalTokens
		return msgs, false, stats, nil
	}

	var system []models.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}

	out, err := c.compress(ctx, system, rest, target, &stats)
	if err != nil {
		return out, stats.SummarizedTurns > 0 || stats.DroppedTurns > 0, stats, err
	}

	stats.FinalTokens = tokens.EstimateMessages(out)
	return out, true, stats, nil
}

func (c *Compactor) compress(ctx context.Context, system, rest []models.Message, target int, stats *Stats) ([]models.Message, error) {
	turns := splitTurns(rest)

	keep := c.cfg.KeepTurns
	if keep > len(turns) {
		keep = len(turns)
	}
	head := turns[:len(turns)-keep]
	tail := turns[len(turns)-keep:]

	if len(head) == 0 {
		// Nothing left to summarize; only hard truncation can help.
		return c.hardTruncate(system, turns, target, stats), nil
	}

	summarized, err := c.summarizeTurns(ctx, head, stats)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			stats.WasCancelled = true
			partial := assemble(system, summarized, tail)
			return partial, err
		}
		return assemble(system, nil, turns), err
	}

	out := assemble(system, summarized, tail)
	total := tokens.EstimateMessages(out)
	if total <= target {
		return out, nil
	}

	// Still over budget: recurse on the summarized prefix with a tighter
	// target until the floor, then truncate whole turns.
	if target/2 >= c.cfg.FloorTokens {
		rest := out
		if len(system) > 0 {
			rest = out[1:]
		}
		return c.compress(ctx, system, rest, target/2, stats)
	}

	return c.hardTruncate(system, splitTurns(out[len(system):]), target, stats), nil
}

// summarizeTurns partitions turns into chunks under the chunk budget and
// replaces each chunk with one summary message.
func (c *Compactor) summarizeTurns(ctx context.Context, head []turn, stats *Stats) ([]models.Message, error) {
	var out []models.Message
	var chunk []turn
	chunkTokens := 0

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		msg, err := c.summarizeChunk(ctx, chunk)
		if err != nil {
			return err
		}
		stats.SummarizedTurns += len(chunk)
		out = append(out, msg)
		chunk = nil
		chunkTokens = 0
		return nil
	}

	for _, t := range head {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		tt := t.tokens()
		if chunkTokens+tt > c.cfg.SummaryChunkTokens && len(chunk) > 0 {
			if err := flush(); err != nil {
				return out, err
			}
		}
		chunk = append(chunk, t)
		chunkTokens += tt
	}
	if err := flush(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Compactor) summarizeChunk(ctx context.Context, chunk []turn) (models.Message, error) {
	var sb strings.Builder
	for _, t := range chunk {
		for _, msg := range t.messages {
			sb.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
			for _, call := range msg.ToolCalls {
				sb.WriteString(fmt.Sprintf("  [tool call %s: %s]\n", call.Name, truncate(string(call.RawArguments()), 200)))
			}
		}
	}

	prompt := fmt.Sprintf("%s Output ≤ %d tokens.", summaryPrompt, c.cfg.SummaryMaxTokens)
	text, err := c.brain.Summarize(ctx, prompt, sb.String(), c.cfg.SummaryMaxTokens)
	if err != nil {
		return models.Message{}, fmt.Errorf("compact: summarize chunk: %w", err)
	}

	msg := models.NewMessage(models.RoleSystem, "[Conversation summary]\n"+text)
	msg.Summary = true
	return msg, nil
}

// hardTruncate drops oldest turns whole until the sequence fits. The system
// prompt and the last turn always survive.
func (c *Compactor) hardTruncate(system []models.Message, turns []turn, target int, stats *Stats) []models.Message {
	stats.HardTruncated = true

	systemTokens := tokens.EstimateMessages(system)
	for len(turns) > 1 {
		total := systemTokens
		for _, t := range turns {
			total += t.tokens()
		}
		if total <= target {
			break
		}
		turns = turns[1:]
		stats.DroppedTurns++
	}

	return assemble(system, nil, turns)
}

func assemble(system, summaries []models.Message, tail []turn) []models.Message {
	out := make([]models.Message, 0, len(system)+len(summaries)+8)
	out = append(out, system...)
	out = append(out, summaries...)
	for _, t := range tail {
		out = append(out, t.messages...)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
