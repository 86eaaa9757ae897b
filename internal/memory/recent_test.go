package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

func trackerAt(capacity int, ttl time.Duration) (*RecentTracker, *time.Time) {
	tr := NewRecentTracker(capacity, ttl)
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestRecentTTLExpiry(t *testing.T) {
	tr, now := trackerAt(20, 300*time.Second)

	tr.Add(models.RecentEntity{Kind: models.EntityFile, Name: "report.xlsx", Action: models.ActionOpen})
	if !strings.Contains(tr.Render(), "report.xlsx") {
		t.Fatal("fresh entity missing from render")
	}

	*now = now.Add(300 * time.Second)
	if out := tr.Render(); out != "" {
		t.Fatalf("expired entity still rendered: %q", out)
	}
}

func TestRecentCapacityNewestWins(t *testing.T) {
	tr, _ := trackerAt(3, time.Hour)

	for _, name := range []string{"a", "b", "c", "d"} {
		tr.Add(models.RecentEntity{Kind: models.EntityFile, Name: name, Action: models.ActionCreate})
	}

	entities := tr.Entities()
	if len(entities) != 3 {
		t.Fatalf("capacity not enforced: %d entries", len(entities))
	}
	if entities[0].Name != "b" || entities[2].Name != "d" {
		t.Fatalf("oldest not evicted: %+v", entities)
	}
}

func TestRecentLatestActionSupersedes(t *testing.T) {
	tr, _ := trackerAt(20, time.Hour)

	tr.Add(models.RecentEntity{Kind: models.EntityFolder, Name: "X", Action: models.ActionCreate, Location: "."})
	tr.Add(models.RecentEntity{Kind: models.EntityFolder, Name: "X", Action: models.ActionDelete, Location: "."})

	entities := tr.Entities()
	if len(entities) != 1 {
		t.Fatalf("superseded entry kept: %+v", entities)
	}
	if entities[0].Action != models.ActionDelete {
		t.Fatalf("action = %s, want delete", entities[0].Action)
	}
}

func TestRecentRenderEmpty(t *testing.T) {
	tr, _ := trackerAt(20, time.Hour)
	if out := tr.Render(); out != "" {
		t.Fatalf("empty tracker rendered %q", out)
	}
}
