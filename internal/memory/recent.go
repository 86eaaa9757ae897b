package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

// RecentTracker is the in-process ring of entities the user recently acted
// on. Entries expire by TTL and by capacity, newest wins; a new action on an
// already-tracked entity supersedes the old record. Safe for concurrent use.
type RecentTracker struct {
	mu       sync.Mutex
	entries  []models.RecentEntity
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// NewRecentTracker creates a tracker. Defaults: capacity 20, TTL 300s.
func NewRecentTracker(capacity int, ttl time.Duration) *RecentTracker {
	if capacity <= 0 {
		capacity = 20
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RecentTracker{capacity: capacity, ttl: ttl, now: time.Now}
}

// Add records an entity action. A matching name+location replaces the
// earlier record so the latest action wins.
func (t *RecentTracker) Add(entity models.RecentEntity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entity.Timestamp.IsZero() {
		entity.Timestamp = t.now()
	}

	t.pruneLocked()

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Name == entity.Name && e.Location == entity.Location {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = append(kept, entity)

	if len(t.entries) > t.capacity {
		t.entries = t.entries[len(t.entries)-t.capacity:]
	}
}

// Entities returns the unexpired entries, oldest first.
func (t *RecentTracker) Entities() []models.RecentEntity {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	out := make([]models.RecentEntity, len(t.entries))
	copy(out, t.entries)
	return out
}

// Render emits a bullet list of unexpired entries for prompt injection.
// Returns "" when nothing is tracked.
func (t *RecentTracker) Render() string {
	entities := t.Entities()
	if len(entities) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, e := range entities {
		age := t.now().Sub(e.Timestamp).Round(time.Second)
		sb.WriteString(fmt.Sprintf("- %s %q", e.Action, e.Name))
		if e.Location != "" {
			sb.WriteString(" at " + e.Location)
		}
		sb.WriteString(fmt.Sprintf(" (%s, %s ago)\n", e.Kind, age))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// pruneLocked drops expired entries. Caller holds mu.
func (t *RecentTracker) pruneLocked() {
	cutoff := t.now().Add(-t.ttl)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}
