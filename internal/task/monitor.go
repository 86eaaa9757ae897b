// Package task records per-turn metrics and generates post-task
// retrospects as append-only JSON lines.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quillhq/quill/pkg/models"
)

// Monitor accumulates task records. Safe for concurrent use.
type Monitor struct {
	mu        sync.RWMutex
	current   *models.TaskRecord
	completed []models.TaskRecord
	keep      int
	now       func() time.Time
}

// NewMonitor creates a monitor retaining up to keep completed records in
// memory (default 100).
func NewMonitor(keep int) *Monitor {
	if keep <= 0 {
		keep = 100
	}
	return &Monitor{keep: keep, now: time.Now}
}

// Begin opens a new task record and marks the monitor busy.
func (m *Monitor) Begin(description, model string) *models.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = &models.TaskRecord{
		TaskID:       uuid.NewString(),
		Description:  description,
		StartedAt:    m.now(),
		InitialModel: model,
		FinalModel:   model,
	}
	return m.current
}

// AddIteration appends one iteration record to the current task and tracks
// model switches.
func (m *Monitor) AddIteration(rec models.IterationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	m.current.Iterations = append(m.current.Iterations, rec)
	if rec.Model != "" && rec.Model != m.current.FinalModel {
		m.current.FinalModel = rec.Model
		if m.current.InitialModel != "" && rec.Model != m.current.InitialModel {
			m.current.ModelSwitched = true
		}
	}
}

// End closes the current task and returns the finished record.
func (m *Monitor) End(success bool, errText string) *models.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	m.current.EndedAt = m.now()
	m.current.Success = success
	m.current.Error = errText

	finished := *m.current
	m.completed = append(m.completed, finished)
	if len(m.completed) > m.keep {
		m.completed = m.completed[len(m.completed)-m.keep:]
	}
	m.current = nil
	return &finished
}

// Busy reports whether a task is in flight.
func (m *Monitor) Busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Current returns a copy of the in-flight task, nil when idle.
func (m *Monitor) Current() *models.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	cur := *m.current
	return &cur
}

// Completed returns copies of the retained finished records, oldest first.
func (m *Monitor) Completed() []models.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TaskRecord, len(m.completed))
	copy(out, m.completed)
	return out
}
