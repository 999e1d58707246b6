package optimizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dkazakov/opsrag/internal/retrieval"
)

type mockSearchClient struct {
	searchFn   func(ctx context.Context, vec []float32, threshold float64, limit int) []retrieval.Instruction
	fallbackFn func(ctx context.Context, limit int) []retrieval.Instruction
}

func (m *mockSearchClient) Search(ctx context.Context, vec []float32, threshold float64, limit int) []retrieval.Instruction {
	if m.searchFn == nil {
		return nil
	}
	return m.searchFn(ctx, vec, threshold, limit)
}

func (m *mockSearchClient) Fallback(ctx context.Context, limit int) []retrieval.Instruction {
	if m.fallbackFn == nil {
		return nil
	}
	return m.fallbackFn(ctx, limit)
}

func candidate(id, category string, similarity float64, updatedAt time.Time) retrieval.Instruction {
	return retrieval.Instruction{
		ID:         id,
		Title:      "title " + id,
		Content:    "content for " + id,
		Category:   category,
		Similarity: similarity,
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
}

func TestOptimizeWidensSearch(t *testing.T) {
	var gotThreshold float64
	var gotLimit int
	client := &mockSearchClient{
		searchFn: func(_ context.Context, _ []float32, threshold float64, limit int) []retrieval.Instruction {
			gotThreshold = threshold
			gotLimit = limit
			return nil
		},
		fallbackFn: func(context.Context, int) []retrieval.Instruction { return nil },
	}
	o := New(client, DefaultConfig())

	o.Optimize(context.Background(), "q", []float32{1}, 5)
	if gotThreshold != 0.5 {
		t.Errorf("widened threshold = %v, want 0.5", gotThreshold)
	}
	if gotLimit != 15 {
		t.Errorf("widened limit = %d, want 15", gotLimit)
	}

	o.Optimize(context.Background(), "q", []float32{1}, 10)
	if gotLimit != 30 {
		t.Errorf("widened limit for 10 = %d, want 30", gotLimit)
	}
}

func TestOptimizeEmptyUsesPriorityFallback(t *testing.T) {
	now := time.Now()
	fallback := []retrieval.Instruction{
		candidate("high", "ops", 0, now),
		candidate("low", "ops", 0, now),
	}
	var fallbackLimit int
	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction { return nil },
		fallbackFn: func(_ context.Context, limit int) []retrieval.Instruction {
			fallbackLimit = limit
			return fallback
		},
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "q", []float32{1}, 4)
	if fallbackLimit != 4 {
		t.Errorf("fallback limit = %d, want 4", fallbackLimit)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	// Fallback results pass through unscored, preserving store order.
	if got[0].Instruction.ID != "high" || got[0].Score != 0 {
		t.Errorf("fallback result reordered or scored: %+v", got[0])
	}
}

func TestScorePrefersHigherPriority(t *testing.T) {
	now := time.Now()
	low := candidate("low", "ops", 0.7, now)
	high := candidate("high", "ops", 0.7, now)
	high.Priority = 3

	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction {
			return []retrieval.Instruction{low, high}
		},
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "unrelated query", []float32{1}, 2)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Instruction.ID != "high" {
		t.Errorf("first result = %s, want high-priority instruction", got[0].Instruction.ID)
	}
	if got[0].PriorityBonus <= got[1].PriorityBonus {
		t.Errorf("priority bonus not reflected: %v <= %v", got[0].PriorityBonus, got[1].PriorityBonus)
	}
}

func TestScorePrefersRecentlyUpdated(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fresh := candidate("fresh", "ops", 0.7, now.AddDate(0, 0, -1))
	stale := candidate("stale", "ops", 0.7, now.AddDate(-2, 0, 0))

	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction {
			return []retrieval.Instruction{stale, fresh}
		},
	}
	o := New(client, DefaultConfig())
	o.now = func() time.Time { return now }

	got := o.Optimize(context.Background(), "unrelated query", []float32{1}, 2)
	if got[0].Instruction.ID != "fresh" {
		t.Errorf("first result = %s, want fresh", got[0].Instruction.ID)
	}
	if got[1].RecencyBonus != 0 {
		t.Errorf("two-year-old instruction should have zero recency bonus, got %v", got[1].RecencyBonus)
	}
}

func TestScoreRewardsTitleMatch(t *testing.T) {
	now := time.Now()
	matching := candidate("match", "ops", 0.7, now)
	matching.Title = "Deploy rollback procedure"
	other := candidate("other", "ops", 0.7, now)
	other.Title = "Lunch menu"

	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction {
			return []retrieval.Instruction{other, matching}
		},
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "rollback procedure", []float32{1}, 2)
	if got[0].Instruction.ID != "match" {
		t.Errorf("first result = %s, want title-matching instruction", got[0].Instruction.ID)
	}
}

func TestDiversifySelectionAdmitsMinorityCategory(t *testing.T) {
	now := time.Now()
	var pool []retrieval.Instruction
	for i := 0; i < 6; i++ {
		pool = append(pool, candidate(fmt.Sprintf("a%d", i), "alpha", 0.9-float64(i)*0.01, now))
	}
	pool = append(pool,
		candidate("b0", "beta", 0.5, now),
		candidate("b1", "beta", 0.49, now),
	)

	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction { return pool },
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "unrelated query", []float32{1}, 5)
	if len(got) != 5 {
		t.Fatalf("got %d results, want 5", len(got))
	}
	// Once 80% of the slots are filled, the per-category cap kicks in and a
	// pure top-by-score slate of all-alpha gives way to a beta entry.
	categories := make(map[string]int)
	for _, s := range got {
		categories[s.Instruction.Category]++
	}
	if categories["beta"] == 0 {
		t.Errorf("expected at least one beta result, got %v", categories)
	}
}

func TestDiversifyBackfillsWhenOneCategory(t *testing.T) {
	now := time.Now()
	var pool []retrieval.Instruction
	for i := 0; i < 5; i++ {
		pool = append(pool, candidate(fmt.Sprintf("a%d", i), "alpha", 0.9-float64(i)*0.01, now))
	}

	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction { return pool },
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "unrelated query", []float32{1}, 5)
	if len(got) != 5 {
		t.Fatalf("category cap must never shrink the result set below limit; got %d", len(got))
	}
}

func TestOptimizeDefaultLimit(t *testing.T) {
	now := time.Now()
	var pool []retrieval.Instruction
	for i := 0; i < 20; i++ {
		pool = append(pool, candidate(fmt.Sprintf("c%d", i), fmt.Sprintf("cat%d", i%4), 0.9-float64(i)*0.01, now))
	}
	client := &mockSearchClient{
		searchFn: func(context.Context, []float32, float64, int) []retrieval.Instruction { return pool },
	}
	o := New(client, DefaultConfig())

	got := o.Optimize(context.Background(), "q", []float32{1}, 0)
	if len(got) != 5 {
		t.Errorf("zero limit should default to 5 results, got %d", len(got))
	}
}
