package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/cache"
	"github.com/quillhq/quill/pkg/models"
)

// Relevance weights. When no semantic signal exists the semantic share
// shifts onto the keyword score.
const (
	weightKeyword    = 0.35
	weightSemantic   = 0.25
	weightTime       = 0.20
	weightAccess     = 0.10
	weightImportance = 0.10

	weightKeywordNoVec = 0.60

	timeDecayDays = 30.0
	accessRefLog  = 100.0

	mmrLambda = 0.7

	candidateFactor = 4
)

// Embedder vectorizes text for the optional semantic index. Implementations
// are black boxes to the retriever.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RetrieverConfig configures retrieval behavior.
type RetrieverConfig struct {
	// CacheSize is the L1 cache capacity. Default 1000.
	CacheSize int

	// CacheTTL expires cached results; zero disables expiry.
	CacheTTL time.Duration

	// EnableQueryRewrite adds stopword-stripped and synonym-expanded
	// rewrites to candidate gathering.
	EnableQueryRewrite bool
}

// Retriever ranks stored memories for a query using keyword, semantic,
// recency, access, and importance signals, then diversifies with MMR.
type Retriever struct {
	store    *Store
	embedder Embedder
	cfg      RetrieverConfig
	logger   *slog.Logger
	l1       *cache.LRU[[]models.ScoredEntry]
	now      func() time.Time
}

// NewRetriever creates a retriever. embedder may be nil to disable the
// semantic signal.
func NewRetriever(store *Store, embedder Embedder, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		l1:       cache.NewLRU[[]models.ScoredEntry](cfg.CacheSize, cfg.CacheTTL),
		now:      time.Now,
	}
}

// CacheStats returns L1 hit and miss counts.
func (r *Retriever) CacheStats() (hits, misses int64) { return r.l1.Stats() }

// InvalidateCache drops all cached results. Called after writes that must
// become visible to retrieval immediately.
func (r *Retriever) InvalidateCache() { r.l1.Purge() }

// Retrieve returns the topK entries ranked for the query. kindFilter
// restricts results to one kind when non-empty.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, kindFilter models.MemoryKind) ([]models.ScoredEntry, error) {
	if topK <= 0 {
		topK = 5
	}

	cacheKey := normalizeQuery(query) + "|" + string(kindFilter)
	if cached, ok := r.l1.Get(cacheKey); ok {
		return cached, nil
	}

	queries := []string{query}
	if r.cfg.EnableQueryRewrite {
		if stripped := StripStopwords(query); stripped != "" && stripped != query {
			queries = append(queries, stripped)
		}
		if expanded := ExpandSynonyms(query); expanded != query {
			queries = append(queries, expanded)
		}
	}

	// Gather candidates across all query forms, keeping max score per id.
	keywordScores := map[string]float64{}
	for _, q := range queries {
		hits, err := r.store.SearchKeywords(ctx, q, candidateFactor*topK)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if hit.Score > keywordScores[hit.ID] {
				keywordScores[hit.ID] = hit.Score
			}
		}
	}

	semanticScores := map[string]float64{}
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			// Semantic signal degrades gracefully; keyword ranking stands.
			r.logger.Debug("embedding failed, keyword-only retrieval", "error", err)
		} else {
			hits, err := r.store.SearchSemantic(ctx, vec, candidateFactor*topK)
			if err != nil {
				return nil, err
			}
			for _, hit := range hits {
				semanticScores[hit.ID] = 1 - hit.Distance
			}
		}
	}

	ids := make([]string, 0, len(keywordScores)+len(semanticScores))
	seen := map[string]struct{}{}
	for id := range keywordScores {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range semanticScores {
		if _, dup := seen[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	entries, err := r.store.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	hasSemantic := len(semanticScores) > 0
	scored := make([]models.ScoredEntry, 0, len(entries))
	for _, entry := range entries {
		if kindFilter != "" && entry.Kind != kindFilter {
			continue
		}
		score := r.relevance(entry, keywordScores[entry.ID], semanticScores[entry.ID], hasSemantic)
		scored = append(scored, models.ScoredEntry{Entry: *entry, Score: score})
	}

	selected := r.rerankMMR(scored, topK)

	for i := range selected {
		if err := r.store.Touch(ctx, selected[i].Entry.ID); err != nil {
			r.logger.Debug("touch failed", "id", selected[i].Entry.ID, "error", err)
		}
	}

	r.l1.Set(cacheKey, selected)
	return selected, nil
}

// relevance combines the ranking signals with the fixed weights.
func (r *Retriever) relevance(entry *models.MemoryEntry, keyword, semantic float64, hasSemantic bool) float64 {
	ageDays := r.now().Sub(entry.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	timeScore := math.Exp(-ageDays / timeDecayDays)

	accessScore := math.Log(1+float64(entry.AccessCount)) / math.Log(1+accessRefLog)
	if accessScore > 1 {
		accessScore = 1
	}

	kw := weightKeyword
	if !hasSemantic {
		kw = weightKeywordNoVec
	}
	return kw*keyword +
		weightSemantic*semantic +
		weightTime*timeScore +
		weightAccess*accessScore +
		weightImportance*entry.Importance
}

// rerankMMR applies Maximal Marginal Relevance: iteratively pick the
// candidate maximizing λ·relevance − (1−λ)·max similarity to the selection.
// Similarity is cosine when both entries carry vectors, token Jaccard
// otherwise.
func (r *Retriever) rerankMMR(candidates []models.ScoredEntry, topK int) []models.ScoredEntry {
	if len(candidates) <= 1 {
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	selected := make([]models.ScoredEntry, 0, topK)
	remaining := append([]models.ScoredEntry{}, candidates...)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestVal := math.Inf(-1)
		for i, cand := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				if sim := entrySimilarity(&cand.Entry, &sel.Entry); sim > maxSim {
					maxSim = sim
				}
			}
			val := mmrLambda*cand.Score - (1-mmrLambda)*maxSim
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func entrySimilarity(a, b *models.MemoryEntry) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return (cosineSimilarity(a.Embedding, b.Embedding) + 1) / 2
	}
	return jaccard(a.Keywords, b.Keywords)
}

func normalizeQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
