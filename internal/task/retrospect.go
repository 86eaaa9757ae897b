package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

const retrospectPrompt = `Analyze the following completed assistant task. Provide:
(a) a complexity assessment,
(b) an efficiency analysis of the iterations and tool usage,
(c) an error analysis if anything failed,
(d) concrete improvement suggestions.
Keep the whole answer under 200 words.`

// Brain is the narrow LLM surface retrospect generation needs.
type Brain interface {
	Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error)
}

// Record is one persisted retrospect line.
type Record struct {
	TaskID     string    `json:"task_id"`
	CreatedAt  time.Time `json:"created_at"`
	Context    string    `json:"context"`
	Analysis   string    `json:"analysis"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
}

// Retrospector generates post-task analyses and appends them to a JSON
// lines file keyed by date. Records are read-only artifacts.
type Retrospector struct {
	brain  Brain
	dir    string
	logger *slog.Logger
}

// NewRetrospector creates a retrospector writing under dir.
func NewRetrospector(brain Brain, dir string, logger *slog.Logger) *Retrospector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrospector{brain: brain, dir: dir, logger: logger}
}

// BuildContext renders the retrospect input from a task record.
func BuildContext(rec *models.TaskRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", rec.Description)
	fmt.Fprintf(&sb, "Duration: %s over %d iterations\n", rec.Duration().Round(time.Millisecond), len(rec.Iterations))
	if rec.ModelSwitched {
		fmt.Fprintf(&sb, "Model switched: %s -> %s\n", rec.InitialModel, rec.FinalModel)
	}
	for _, it := range rec.Iterations {
		fmt.Fprintf(&sb, "- iteration %d (%s, %s): %d prompt / %d completion tokens",
			it.Index, it.Model, it.Duration().Round(time.Millisecond), it.PromptTokens, it.CompletionTokens)
		if len(it.ToolCalls) > 0 {
			fmt.Fprintf(&sb, ", tools: %s", strings.Join(it.ToolCalls, ", "))
		}
		sb.WriteString("\n")
	}
	if rec.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", rec.Error)
	}
	return sb.String()
}

// Generate produces the analysis for a finished task and appends it to the
// day's file.
func (r *Retrospector) Generate(ctx context.Context, rec *models.TaskRecord) error {
	taskContext := BuildContext(rec)

	analysis, err := r.brain.Summarize(ctx, retrospectPrompt, taskContext, 512)
	if err != nil {
		return fmt.Errorf("task: retrospect analysis: %w", err)
	}

	return r.append(Record{
		TaskID:     rec.TaskID,
		CreatedAt:  time.Now(),
		Context:    taskContext,
		Analysis:   analysis,
		DurationMS: rec.Duration().Milliseconds(),
		Success:    rec.Success,
	})
}

// append writes one record to the date-keyed JSONL file.
func (r *Retrospector) append(rec Record) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("task: retrospect dir: %w", err)
	}

	path := filepath.Join(r.dir, rec.CreatedAt.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("task: open retrospect file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("task: marshal retrospect: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("task: append retrospect: %w", err)
	}
	return nil
}

// List reads the records for one date, newest last.
func (r *Retrospector) List(date string) ([]Record, error) {
	path := filepath.Join(r.dir, date+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: read retrospects: %w", err)
	}

	var out []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			r.logger.Warn("skipping malformed retrospect line", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
