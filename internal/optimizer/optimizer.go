// Package optimizer widens, re-scores and diversifies similarity-search
// candidates. A single similarity cutoff both starves results and produces
// homogeneous, redundant answers; instead the optimizer over-fetches at a
// permissive threshold, scores candidates on several signals, and selects a
// diverse top-K.
package optimizer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dkazakov/opsrag/internal/retrieval"
)

// Config holds the scoring weights and widening bounds. The weights are
// empirically chosen defaults; treat them as tunable configuration.
type Config struct {
	MinThreshold    float64 // widening threshold for the candidate pool
	MaxThreshold    float64 // upper bound a caller-supplied threshold is clamped to
	DiversityWeight float64
	RecencyWeight   float64
	PriorityWeight  float64
}

// DefaultConfig returns the production default weights.
func DefaultConfig() Config {
	return Config{
		MinThreshold:    0.5,
		MaxThreshold:    0.8,
		DiversityWeight: 0.2,
		RecencyWeight:   0.1,
		PriorityWeight:  0.3,
	}
}

// maxPriority is the highest priority ordinal instructions carry.
const maxPriority = 3

// uncategorized stands in for instructions without a category; for diversity
// purposes it is an ordinary category, not specially excluded.
const uncategorized = "uncategorized"

// Scored wraps a candidate with its derived sub-scores. Scored values are
// ephemeral: computed per query and discarded after the response is built.
type Scored struct {
	Instruction    retrieval.Instruction
	Score          float64
	Similarity     float64
	DiversityBonus float64
	RecencyBonus   float64
	PriorityBonus  float64
	RelevanceBonus float64
}

// SearchClient is the slice of the retrieval client the optimizer needs.
type SearchClient interface {
	Search(ctx context.Context, vec []float32, threshold float64, limit int) []retrieval.Instruction
	Fallback(ctx context.Context, limit int) []retrieval.Instruction
}

// Optimizer selects an optimally ranked, diverse result set for a query.
type Optimizer struct {
	client SearchClient
	cfg    Config
	now    func() time.Time // overridable in tests
}

// New creates an Optimizer over the given search client.
func New(client SearchClient, cfg Config) *Optimizer {
	return &Optimizer{client: client, cfg: cfg, now: time.Now}
}

// Optimize returns up to limit candidates for the already-embedded query:
// widen, score, diversify-select, backfill. If the widened search yields no
// candidates at all, the priority fallback list is returned unscored.
func (o *Optimizer) Optimize(ctx context.Context, query string, vec []float32, limit int) []Scored {
	if limit <= 0 {
		limit = 5
	}

	// Cast a wide net; reranking narrows it back down.
	wideCount := max(15, limit*3)
	candidates := o.client.Search(ctx, vec, o.cfg.MinThreshold, wideCount)

	if len(candidates) == 0 {
		slog.Debug("no candidates from widened search, using priority fallback")
		fallback := o.client.Fallback(ctx, limit)
		scored := make([]Scored, 0, len(fallback))
		for _, in := range fallback {
			scored = append(scored, Scored{Instruction: in, Similarity: in.Similarity})
		}
		return scored
	}

	scored := o.score(candidates, query)
	selected := diversifySelect(scored, limit)

	slog.Debug("optimization complete",
		"candidates", len(candidates),
		"selected", len(selected),
	)
	return selected
}

// score computes the weighted composite for each candidate and sorts
// descending. The sort is stable: ties preserve the incoming
// similarity-descending order.
func (o *Optimizer) score(candidates []retrieval.Instruction, query string) []Scored {
	queryWords := keywords(query)
	categoryCounts := make(map[string]int, len(candidates))
	for _, c := range candidates {
		categoryCounts[categoryOf(c)]++
	}
	total := len(candidates)
	now := o.now()

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		// Reward categories locally under-represented in this pool.
		diversity := 1 - float64(categoryCounts[categoryOf(c)])/float64(total)

		// Linear decay to zero over one year since last update.
		updatedAt := c.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = c.CreatedAt
		}
		days := now.Sub(updatedAt).Hours() / 24
		recency := math.Max(0, 1-days/365) * o.cfg.RecencyWeight

		priority := float64(c.Priority) / maxPriority * o.cfg.PriorityWeight

		relevance := titleRelevance(c.Title, queryWords)*0.3 +
			contentRelevance(c.Content, queryWords)*0.1

		s := Scored{
			Instruction:    c,
			Similarity:     c.Similarity,
			DiversityBonus: diversity,
			RecencyBonus:   recency,
			PriorityBonus:  priority,
			RelevanceBonus: relevance,
		}
		s.Score = c.Similarity + diversity*o.cfg.DiversityWeight + recency + priority + relevance
		scored[i] = s
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// diversifySelect walks the scored list admitting candidates while their
// category stays under ceil(limit/3), relaxing the cap once 80% of the slots
// are filled so the result set is never starved. Any remaining slots are
// backfilled with the best leftovers regardless of category.
func diversifySelect(scored []Scored, limit int) []Scored {
	selected := make([]Scored, 0, limit)
	picked := make(map[int]bool, limit)
	categoryCounts := make(map[string]int)
	maxPerCategory := int(math.Ceil(float64(limit) / 3))

	for i, s := range scored {
		if len(selected) >= limit {
			break
		}
		category := categoryOf(s.Instruction)
		if categoryCounts[category] < maxPerCategory || float64(len(selected)) < float64(limit)*0.8 {
			selected = append(selected, s)
			picked[i] = true
			categoryCounts[category]++
		}
	}

	// Backfill with the next-highest-scoring leftovers.
	for i, s := range scored {
		if len(selected) >= limit {
			break
		}
		if !picked[i] {
			selected = append(selected, s)
			picked[i] = true
		}
	}

	return selected
}

func categoryOf(in retrieval.Instruction) string {
	if in.Category == "" {
		return uncategorized
	}
	return in.Category
}

// keywords returns the lowercased query words longer than 2 characters.
func keywords(query string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	return words
}

// titleRelevance is the fraction of query keywords found in the title.
func titleRelevance(title string, queryWords []string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	lower := strings.ToLower(title)
	matches := 0
	for _, w := range queryWords {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	return float64(matches) / float64(len(queryWords))
}

// contentRelevance is a frequency-normalized keyword density score against
// the body content, capped at 1.
func contentRelevance(content string, queryWords []string) float64 {
	lower := strings.ToLower(content)
	contentWords := len(strings.Fields(lower))
	if contentWords == 0 {
		return 0
	}

	matches := 0
	for _, w := range queryWords {
		matches += strings.Count(lower, w)
	}

	return math.Min(1, float64(matches)/math.Max(float64(contentWords)*0.1, 1))
}
