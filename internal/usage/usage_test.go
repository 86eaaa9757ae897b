package usage

import (
	"testing"

	"github.com/quillhq/quill/pkg/models"
)

func TestCostEstimate(t *testing.T) {
	cost := Cost{Input: 3, Output: 15}
	u := models.TokenUsage{Input: 1_000_000, Output: 100_000}
	if got := cost.Estimate(u); got != 4.5 {
		t.Fatalf("estimate = %f, want 4.5", got)
	}
}

func TestPriceForLongestPrefix(t *testing.T) {
	if got := PriceFor("gpt-4o-mini-2024"); got.Input != 0.15 {
		t.Fatalf("gpt-4o-mini price = %+v", got)
	}
	if got := PriceFor("gpt-4o-2024"); got.Input != 2.5 {
		t.Fatalf("gpt-4o price = %+v", got)
	}
	if got := PriceFor("unknown-model"); got.Input != 0 {
		t.Fatalf("unknown model priced: %+v", got)
	}
}

func TestTrackerRollups(t *testing.T) {
	tr := NewTracker()

	recorded := tr.Record("anthropic", "claude-sonnet-4", models.TokenUsage{Input: 1000, Output: 500})
	if recorded.EstimatedCost <= 0 {
		t.Fatal("cost not estimated")
	}
	tr.Record("anthropic", "claude-sonnet-4", models.TokenUsage{Input: 1000, Output: 500})
	tr.Record("openai", "gpt-4o", models.TokenUsage{Input: 200, Output: 100})

	total := tr.Total()
	if total.Input != 2200 || total.Output != 1100 {
		t.Fatalf("total = %+v", total)
	}

	byModel := tr.ByModel()
	if byModel["anthropic:claude-sonnet-4"].Input != 2000 {
		t.Fatalf("per-model rollup = %+v", byModel)
	}
	if tr.Today().Input != 2200 {
		t.Fatalf("daily rollup = %+v", tr.Today())
	}
}
