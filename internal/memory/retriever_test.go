package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder offline")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func seedEntries(t *testing.T, store *Store, contents ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(contents))
	for _, c := range contents {
		id, err := store.Save(context.Background(), &models.MemoryEntry{
			Kind:       models.MemoryInteraction,
			Content:    c,
			Importance: 0.5,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestRetrieveCacheCoherence(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)
	ctx := context.Background()

	ids := seedEntries(t, store, "booked a dentist appointment for Tuesday")

	results, err := retriever.Retrieve(ctx, "dentist appointment", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != ids[0] {
		t.Fatalf("stored entry not retrieved: %+v", results)
	}

	// A new matching entry must surface after the write invalidates L1.
	newIDs := seedEntries(t, store, "rescheduled the dentist appointment to Friday")
	retriever.InvalidateCache()

	results, err = retriever.Retrieve(ctx, "dentist appointment", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range results {
		if r.Entry.ID == newIDs[0] {
			found = true
		}
	}
	if !found {
		t.Fatal("new entry invisible after cache invalidation")
	}
}

func TestRetrieveCacheHit(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)
	ctx := context.Background()

	seedEntries(t, store, "grocery list saved to notes")

	if _, err := retriever.Retrieve(ctx, "grocery list", 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := retriever.Retrieve(ctx, "grocery list", 5, ""); err != nil {
		t.Fatal(err)
	}

	hits, misses := retriever.CacheStats()
	if hits != 1 || misses != 1 {
		t.Fatalf("cache stats = %d hits, %d misses", hits, misses)
	}
}

func TestRetrieveKindFilter(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)
	ctx := context.Background()

	if _, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryInteraction, Content: "deploy pipeline discussion"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(ctx, &models.MemoryEntry{Kind: models.MemoryInsight, Content: "deploy pipeline requires approval"}); err != nil {
		t.Fatal(err)
	}

	results, err := retriever.Retrieve(ctx, "deploy pipeline", 5, models.MemoryInsight)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.Kind != models.MemoryInsight {
		t.Fatalf("kind filter leaked: %+v", results)
	}
}

func TestRetrieveDegradesWithoutEmbedder(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{fail: true}
	retriever := NewRetriever(store, embedder, RetrieverConfig{}, nil)
	ctx := context.Background()

	ids := seedEntries(t, store, "weekly standup notes archived")

	results, err := retriever.Retrieve(ctx, "standup notes", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != ids[0] {
		t.Fatal("keyword retrieval lost when embedder fails")
	}
}

func TestRetrieveTouchIncrementsAccess(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)
	ctx := context.Background()

	ids := seedEntries(t, store, "tax documents filed in march")

	if _, err := retriever.Retrieve(ctx, "tax documents", 5, ""); err != nil {
		t.Fatal(err)
	}
	entry, err := store.Load(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if entry.AccessCount != 1 {
		t.Fatalf("access_count = %d after retrieval", entry.AccessCount)
	}
}

func TestRelevanceWeightShiftWithoutSemantic(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)

	entry := &models.MemoryEntry{CreatedAt: time.Now(), Importance: 0}
	withVec := retriever.relevance(entry, 1.0, 0, true)
	withoutVec := retriever.relevance(entry, 1.0, 0, false)

	// keyword weight is 0.35 with a semantic signal present, 0.60 without.
	if withoutVec <= withVec {
		t.Fatalf("weight did not shift: with=%f without=%f", withVec, withoutVec)
	}
	if diff := withoutVec - withVec; diff < 0.24 || diff > 0.26 {
		t.Fatalf("weight shift = %f, want 0.25", diff)
	}
}

func TestMMRPrefersDiversity(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{}, nil)

	near1 := models.ScoredEntry{Entry: models.MemoryEntry{ID: "1", Keywords: []string{"apple", "pie", "recipe"}}, Score: 1.0}
	near2 := models.ScoredEntry{Entry: models.MemoryEntry{ID: "2", Keywords: []string{"apple", "pie", "recipe"}}, Score: 0.95}
	diverse := models.ScoredEntry{Entry: models.MemoryEntry{ID: "3", Keywords: []string{"flight", "lisbon"}}, Score: 0.6}

	selected := retriever.rerankMMR([]models.ScoredEntry{near1, near2, diverse}, 2)
	if len(selected) != 2 {
		t.Fatalf("selected %d", len(selected))
	}
	if selected[0].Entry.ID != "1" {
		t.Fatalf("highest relevance not first: %s", selected[0].Entry.ID)
	}
	if selected[1].Entry.ID != "3" {
		t.Fatalf("near-duplicate outranked the diverse entry: %s", selected[1].Entry.ID)
	}
}

func TestQueryRewriteExpandsCandidates(t *testing.T) {
	store := newTestStore(t)
	retriever := NewRetriever(store, nil, RetrieverConfig{EnableQueryRewrite: true}, nil)
	ctx := context.Background()

	// Stored with "directory"; query says "folder", reachable via synonym.
	ids := seedEntries(t, store, "created the backups directory on the nas")

	results, err := retriever.Retrieve(ctx, "backups folder", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range results {
		if r.Entry.ID == ids[0] {
			found = true
		}
	}
	if !found {
		t.Fatal("synonym rewrite did not reach the entry")
	}
}
