package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quillhq/quill/pkg/models"
	"github.com/robfig/cron/v3"
)

const consolidationPrompt = `Review the following assistant interaction records from the last day.
Extract durable insights: stable user preferences, recurring intents, facts about
the user's environment, and decisions that will matter later. Preserve entity
names verbatim. Output each insight as one short line of neutral prose. Output
nothing else.`

// Summarizer is the narrow LLM surface the consolidation pass needs.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error)
}

// Consolidator folds each day's interaction entries into insight entries.
// Insights get elevated importance; the raw interactions they supersede are
// demoted rather than deleted so keyword search still reaches them.
type Consolidator struct {
	store      *Store
	summarizer Summarizer
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewConsolidator creates a consolidator.
func NewConsolidator(store *Store, summarizer Summarizer, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{store: store, summarizer: summarizer, logger: logger}
}

// Start schedules the daily pass. spec is a cron expression; empty means
// "@daily".
func (c *Consolidator) Start(spec string) error {
	if spec == "" {
		spec = "@daily"
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := c.RunOnce(ctx); err != nil {
			c.logger.Warn("memory consolidation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("memory: schedule consolidation: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for a running pass.
func (c *Consolidator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RunOnce consolidates the last 24 hours of interactions into insights.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	since := time.Now().Add(-24 * time.Hour)
	interactions, err := c.store.ListByKindSince(ctx, models.MemoryInteraction, since)
	if err != nil {
		return err
	}
	if len(interactions) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, entry := range interactions {
		sb.WriteString(entry.Content)
		sb.WriteString("\n---\n")
	}

	summary, err := c.summarizer.Summarize(ctx, consolidationPrompt, sb.String(), 512)
	if err != nil {
		return fmt.Errorf("memory: consolidation summary: %w", err)
	}

	stored := 0
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		entry := &models.MemoryEntry{
			Kind:       models.MemoryInsight,
			Content:    line,
			Importance: 0.8,
		}
		if _, err := c.store.Save(ctx, entry); err != nil {
			return err
		}
		stored++
	}

	// Demote the consolidated interactions so insights outrank them.
	for _, entry := range interactions {
		if entry.Importance > 0.2 {
			entry.Importance = 0.2
			if _, err := c.store.Save(ctx, entry); err != nil {
				return err
			}
		}
	}

	c.logger.Info("memory consolidation complete",
		"interactions", len(interactions), "insights", stored)
	return nil
}
