package models

import "time"

// IterationRecord captures one LLM call within an agent turn.
type IterationRecord struct {
	Index            int       `json:"index"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	ToolCalls        []string  `json:"tool_calls,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
}

// Duration returns the wall-clock time of the iteration.
func (r IterationRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// TaskRecord aggregates the iterations and outcome of one user turn.
type TaskRecord struct {
	TaskID        string            `json:"task_id"`
	Description   string            `json:"description"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at"`
	Iterations    []IterationRecord `json:"iterations"`
	InitialModel  string            `json:"initial_model,omitempty"`
	FinalModel    string            `json:"final_model,omitempty"`
	ModelSwitched bool              `json:"model_switched"`
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
}

// Duration returns the total wall-clock time of the task.
func (t TaskRecord) Duration() time.Duration {
	return t.EndedAt.Sub(t.StartedAt)
}

// TokenUsage is the per-request token accounting tuple reported by adapters
// and accumulated per iteration, per task, and per day.
type TokenUsage struct {
	Input         int64   `json:"input"`
	Output        int64   `json:"output"`
	CacheRead     int64   `json:"cache_read,omitempty"`
	CacheCreation int64   `json:"cache_creation,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheCreation += other.CacheCreation
	u.EstimatedCost += other.EstimatedCost
}

// Total returns the total token count.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheRead + u.CacheCreation
}
