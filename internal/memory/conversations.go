package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

const titleMaxLen = 60

// SaveConversation appends the given messages to the conversation with
// append semantics: messages whose ids are already stored are skipped, so
// re-saving a working copy is idempotent per message id.
func (s *Store) SaveConversation(ctx context.Context, id string, msgs []models.Message, title string) error {
	if id == "" {
		return fmt.Errorf("memory: conversation id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	defer rollback(tx)

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM conversations WHERE id = ?`, id).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
			id, nullString(title), time.Now(),
		); err != nil {
			return fmt.Errorf("memory: insert conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("memory: load conversation: %w", err)
	default:
		if title != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id); err != nil {
				return fmt.Errorf("memory: update title: %w", err)
			}
		}
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) FROM messages WHERE conversation_id = ?`, id,
	).Scan(&seq); err != nil {
		return fmt.Errorf("memory: max seq: %w", err)
	}

	for _, msg := range msgs {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, msg.ID).Scan(&exists); err != nil {
			return fmt.Errorf("memory: check message: %w", err)
		}
		if exists > 0 {
			continue
		}

		seq++
		var callsJSON any
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("memory: marshal tool calls: %w", err)
			}
			callsJSON = string(raw)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, id, seq, string(msg.Role), msg.Content, callsJSON, nullString(msg.ToolCallID), msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("memory: insert message: %w", err)
		}
	}

	return tx.Commit()
}

// LoadConversation returns the conversation with its messages in order.
func (s *Store) LoadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{ID: id}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: load conversation: %w", err)
	}
	conv.Title = title.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		var calls, callID sql.NullString
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &calls, &callID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.ToolCallID = callID.String
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("memory: unmarshal tool calls: %w", err)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// CountConversations returns the number of stored conversations.
func (s *Store) CountConversations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// DeriveTitle produces a conversation title from the first user text,
// truncated on a word boundary.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(strings.Join(strings.Fields(text), " "))
	if len(text) <= titleMaxLen {
		return text
	}
	cut := strings.LastIndex(text[:titleMaxLen], " ")
	if cut <= 0 {
		cut = titleMaxLen
	}
	return text[:cut] + "…"
}

// RecordUsage persists one iteration's token usage row.
func (s *Store) RecordUsage(ctx context.Context, provider, model string, usage models.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (provider, model, input, output, cache_read, cache_creation, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, model, usage.Input, usage.Output, usage.CacheRead, usage.CacheCreation, usage.EstimatedCost, time.Now())
	if err != nil {
		return fmt.Errorf("memory: record usage: %w", err)
	}
	return nil
}

// UsageSince sums usage rows created at or after the cutoff.
func (s *Store) UsageSince(ctx context.Context, since time.Time) (models.TokenUsage, error) {
	var u models.TokenUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input),0), COALESCE(SUM(output),0),
		       COALESCE(SUM(cache_read),0), COALESCE(SUM(cache_creation),0), COALESCE(SUM(cost),0)
		FROM token_usage WHERE created_at >= ?`, since,
	).Scan(&u.Input, &u.Output, &u.CacheRead, &u.CacheCreation, &u.EstimatedCost)
	if err != nil {
		return models.TokenUsage{}, fmt.Errorf("memory: usage since: %w", err)
	}
	return u, nil
}
