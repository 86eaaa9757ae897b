// Package memory implements the durable memory subsystem: a SQLite-backed
// content store with an inverted keyword index and optional embeddings, the
// multi-signal ranked retriever, the recent-entity tracker, and the daily
// consolidation pass.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quillhq/quill/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when an entry or conversation does not exist.
var ErrNotFound = errors.New("memory: not found")

// Store is the durable mapping from entry ids to memory entries plus the
// keyword, conversation, usage, and optional vector indices. A single
// writer serializes index updates; readers use snapshot semantics.
type Store struct {
	db *sql.DB
}

// StoreConfig configures the store.
type StoreConfig struct {
	// Path is the database file; empty means in-memory.
	Path string
}

// NewStore opens (and migrates) the database.
func NewStore(cfg StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	// SQLite tolerates exactly one writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			embedding BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS memory_keywords (
			token TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (token, memory_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_keywords_token ON memory_keywords(token)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input INTEGER NOT NULL,
			output INTEGER NOT NULL,
			cache_read INTEGER NOT NULL DEFAULT 0,
			cache_creation INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores an entry, deriving keywords from its content. Idempotent when
// the id is pre-assigned; the keyword index is rebuilt atomically with the
// row.
func (s *Store) Save(ctx context.Context, entry *models.MemoryEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = entry.CreatedAt
	}
	if len(entry.Keywords) == 0 {
		entry.Keywords = Tokenize(entry.Content)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("memory: begin: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
			(id, conversation_id, kind, content, importance, created_at, last_accessed_at, access_count, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		nullString(entry.ConversationID),
		string(entry.Kind),
		entry.Content,
		entry.Importance,
		entry.CreatedAt,
		entry.LastAccessedAt,
		entry.AccessCount,
		encodeEmbedding(entry.Embedding),
	)
	if err != nil {
		return "", fmt.Errorf("memory: insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_keywords WHERE memory_id = ?`, entry.ID); err != nil {
		return "", fmt.Errorf("memory: clear keywords: %w", err)
	}
	for _, token := range entry.Keywords {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO memory_keywords (token, memory_id, weight) VALUES (?, ?, 1.0)`,
			token, entry.ID,
		); err != nil {
			return "", fmt.Errorf("memory: index keyword: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("memory: commit: %w", err)
	}
	return entry.ID, nil
}

// KeywordHit is one scored match from the inverted index.
type KeywordHit struct {
	ID    string
	Score float64
}

// SearchKeywords ranks entries by the fraction of query tokens their
// keyword set covers, scaled into [0,1].
func (s *Store) SearchKeywords(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(tokens)+1)
	for i, tok := range tokens {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, tok)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, SUM(weight) AS hits
		FROM memory_keywords
		WHERE token IN (`+placeholders+`)
		GROUP BY memory_id
		ORDER BY hits DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var id string
		var sum float64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("memory: scan hit: %w", err)
		}
		score := sum / float64(len(tokens))
		if score > 1 {
			score = 1
		}
		hits = append(hits, KeywordHit{ID: id, Score: score})
	}
	return hits, rows.Err()
}

// SemanticHit is one nearest-neighbor match.
type SemanticHit struct {
	ID       string
	Distance float64 // normalized cosine distance in [0,1]
}

// SearchSemantic scans stored embeddings and returns the nearest entries by
// cosine distance. Returns empty when no embeddings are stored.
func (s *Store) SearchSemantic(ctx context.Context, queryVec []float32, limit int) ([]SemanticHit, error) {
	if len(queryVec) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic search: %w", err)
	}
	defer rows.Close()

	var hits []SemanticHit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("memory: scan embedding: %w", err)
		}
		vec := decodeEmbedding(blob)
		if len(vec) != len(queryVec) {
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		hits = append(hits, SemanticHit{ID: id, Distance: (1 - sim) / 2})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Load returns one entry by id.
func (s *Store) Load(ctx context.Context, id string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, kind, content, importance, created_at, last_accessed_at, access_count, embedding
		FROM memories WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// LoadMany returns the entries for the given ids, skipping missing ones.
func (s *Store) LoadMany(ctx context.Context, ids []string) ([]*models.MemoryEntry, error) {
	entries := make([]*models.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Touch bumps last_accessed_at and the monotonic access counter.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("memory: touch: %w", err)
	}
	return nil
}

// ListRecent returns the newest k entries.
func (s *Store) ListRecent(ctx context.Context, k int) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, content, importance, created_at, last_accessed_at, access_count, embedding
		FROM memories ORDER BY created_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("memory: list recent: %w", err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListByKindSince returns entries of a kind created at or after the cutoff.
func (s *Store) ListByKindSince(ctx context.Context, kind models.MemoryKind, since time.Time) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, content, importance, created_at, last_accessed_at, access_count, embedding
		FROM memories WHERE kind = ? AND created_at >= ? ORDER BY created_at ASC`,
		string(kind), since)
	if err != nil {
		return nil, fmt.Errorf("memory: list by kind: %w", err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes the entry from the store and every index atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_keywords WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("memory: delete keywords: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory: delete entry: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// SizeBytes returns the approximate database size.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	var convID sql.NullString
	var kind string
	var blob []byte
	err := row.Scan(&entry.ID, &convID, &kind, &entry.Content, &entry.Importance,
		&entry.CreatedAt, &entry.LastAccessedAt, &entry.AccessCount, &blob)
	if err != nil {
		return nil, err
	}
	entry.ConversationID = convID.String
	entry.Kind = models.MemoryKind(kind)
	entry.Embedding = decodeEmbedding(blob)
	entry.Keywords = Tokenize(entry.Content)
	return &entry, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeEmbedding packs a vector as little-endian float32 bytes.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
