// Package usage provides token usage tracking and cost estimation across
// providers, with per provider:model and daily rollups.
package usage

import (
	"strings"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

// Cost is the pricing for a model in dollars per million tokens.
type Cost struct {
	Input         float64 `yaml:"input"`
	Output        float64 `yaml:"output"`
	CacheRead     float64 `yaml:"cache_read"`
	CacheCreation float64 `yaml:"cache_creation"`
}

// Estimate calculates the cost of a usage record.
func (c Cost) Estimate(u models.TokenUsage) float64 {
	total := float64(u.Input)*c.Input +
		float64(u.Output)*c.Output +
		float64(u.CacheRead)*c.CacheRead +
		float64(u.CacheCreation)*c.CacheCreation
	return total / 1_000_000
}

// defaultPricing maps model-id prefixes to costs. Unknown models estimate
// at zero cost.
var defaultPricing = map[string]Cost{
	"claude-opus":   {Input: 15, Output: 75, CacheRead: 1.5, CacheCreation: 18.75},
	"claude-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75},
	"claude-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheCreation: 1},
	"gpt-4o-mini":   {Input: 0.15, Output: 0.6},
	"gpt-4o":        {Input: 2.5, Output: 10},
	"gpt-4":         {Input: 30, Output: 60},
}

// PriceFor returns the cost table for a model id by longest prefix match.
func PriceFor(model string) Cost {
	best := ""
	for prefix := range defaultPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Cost{}
	}
	return defaultPricing[best]
}

// Tracker accumulates usage per provider:model key and per day. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	byModel map[string]*models.TokenUsage
	byDay   map[string]*models.TokenUsage
	total   models.TokenUsage
	now     func() time.Time
}

// NewTracker creates a tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byModel: make(map[string]*models.TokenUsage),
		byDay:   make(map[string]*models.TokenUsage),
		now:     time.Now,
	}
}

// Record adds one request's usage, filling in the estimated cost, and
// returns the record with cost applied.
func (t *Tracker) Record(provider, model string, u models.TokenUsage) models.TokenUsage {
	if u.EstimatedCost == 0 {
		u.EstimatedCost = PriceFor(model).Estimate(u)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := provider + ":" + model
	if t.byModel[key] == nil {
		t.byModel[key] = &models.TokenUsage{}
	}
	t.byModel[key].Add(u)

	day := t.now().Format("2006-01-02")
	if t.byDay[day] == nil {
		t.byDay[day] = &models.TokenUsage{}
	}
	t.byDay[day].Add(u)

	t.total.Add(u)
	return u
}

// Total returns the cumulative usage.
func (t *Tracker) Total() models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ByModel returns a copy of the per provider:model totals.
func (t *Tracker) ByModel() map[string]models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.TokenUsage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}

// Today returns the current day's usage.
func (t *Tracker) Today() models.TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u := t.byDay[t.now().Format("2006-01-02")]; u != nil {
		return *u
	}
	return models.TokenUsage{}
}
