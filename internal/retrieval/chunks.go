package retrieval

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/dkazakov/opsrag/internal/embedding"
)

// neutralSimilarity marks fallback results that carry no similarity data.
const neutralSimilarity = 0.5

// defaultChunkTypes covers every chunking strategy the store may hold.
var defaultChunkTypes = []string{"semantic", "fixed", "single"}

var (
	questionWordsRe    = regexp.MustCompile(`\b(what|how|why|when|where|who|which|can|could|should|would|will)\b`)
	specificityWordsRe = regexp.MustCompile(`\b(step|process|guide|tutorial|example|specific|exact)\b`)
)

// ChunkOptions configures chunk-aware retrieval.
type ChunkOptions struct {
	Limit             int
	AdaptiveThreshold bool
	EnableReranking   bool
}

// ChunkRetriever prefers retrieving the most relevant sub-sections of
// pre-chunked documents over whole documents, which improves precision for
// long documents. When chunk coverage is thin it supplements with
// whole-document search at a slightly relaxed threshold.
type ChunkRetriever struct {
	client *Client
}

// NewChunkRetriever creates a ChunkRetriever over the given client.
func NewChunkRetriever(client *Client) *ChunkRetriever {
	return &ChunkRetriever{client: client}
}

// Retrieve runs the chunk-aware search for the already-embedded query.
// It never returns an error: a zero-vector embedding or a failed search
// degrades to a small priority-ordered fallback with neutral similarity.
func (r *ChunkRetriever) Retrieve(ctx context.Context, query string, vec []float32, opts ChunkOptions) []Result {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	if embedding.IsZero(vec) {
		slog.Debug("zero-vector embedding on chunk path, using priority fallback")
		return r.fallback(ctx, limit)
	}

	threshold := 0.6
	if opts.AdaptiveThreshold {
		threshold = r.adaptiveThreshold(ctx, query, vec)
	}
	slog.Debug("chunk retrieval", "threshold", threshold, "limit", limit)

	// Over-fetch chunks to leave headroom for deduplication.
	chunks := r.client.SearchChunks(ctx, vec, threshold, limit*2, defaultChunkTypes)
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, ChunkToResult(c))
	}

	// Thin chunk coverage: supplement with whole documents at a relaxed bar.
	if len(results) < min(3, limit) {
		full := r.client.Search(ctx, vec, threshold*0.9, limit-len(results))
		for _, in := range full {
			results = append(results, InstructionToResult(in))
		}
	}

	if opts.EnableReranking && len(results) > 1 {
		results = rerankResults(results, query)
	}

	results = dedupeResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// adaptiveThreshold derives a similarity threshold from query shape and a
// cheap low-threshold probe of the data distribution, clamped to [0.4, 0.85].
func (r *ChunkRetriever) adaptiveThreshold(ctx context.Context, query string, vec []float32) float64 {
	lower := strings.ToLower(query)
	threshold := 0.6

	if questionWordsRe.MatchString(lower) {
		threshold += 0.05
	}
	if specificityWordsRe.MatchString(lower) {
		threshold += 0.1
	}
	if len(query) < 20 {
		threshold -= 0.05
	} else if len(query) > 100 {
		threshold += 0.05
	}

	// Probe at a permissive threshold: a high average similarity means we can
	// afford to be selective, a low one means the bar must come down.
	if probe := r.client.Search(ctx, vec, 0.3, 5); len(probe) > 0 {
		var sum float64
		for _, p := range probe {
			sum += p.Similarity
		}
		avg := sum / float64(len(probe))
		if avg > 0.8 {
			threshold += 0.1
		} else if avg < 0.5 {
			threshold -= 0.1
		}
	}

	if threshold < 0.4 {
		threshold = 0.4
	}
	if threshold > 0.85 {
		threshold = 0.85
	}
	return threshold
}

// rerankResults re-scores results with keyword-overlap and content-shape
// bonuses on top of raw similarity. The sort is stable so ties keep their
// similarity order.
func rerankResults(results []Result, query string) []Result {
	queryWords := strings.Fields(strings.ToLower(query))

	scores := make([]float64, len(results))
	for i, res := range results {
		score := res.Similarity

		contentWords := strings.Fields(strings.ToLower(res.Content))
		titleWords := strings.Fields(strings.ToLower(res.Title))
		for _, w := range queryWords {
			if len(w) <= 3 {
				continue
			}
			if wordsContain(contentWords, w) {
				score += 0.02
			}
			if wordsContain(titleWords, w) {
				score += 0.05
			}
		}

		// A parent split into many chunks signals a comprehensively
		// documented topic.
		if res.IsChunk && res.TotalChunks > 1 {
			score += 0.01
		}
		if res.ContentType == "process" || res.ContentType == "guide" {
			score += 0.02
		}

		scores[i] = score
	}

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	reranked := make([]Result, len(results))
	for i, idx := range order {
		reranked[i] = results[idx]
	}
	return reranked
}

func wordsContain(words []string, sub string) bool {
	for _, w := range words {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}

// dedupeResults collapses duplicates by title plus the first 100 characters
// of content, keeping the first (highest-ranked) occurrence.
func dedupeResults(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	deduped := results[:0:0]
	for _, res := range results {
		content := res.Content
		if len(content) > 100 {
			content = content[:100]
		}
		key := res.Title + "-" + content
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, res)
	}
	return deduped
}

// fallback maps priority-ordered instructions to results with a neutral
// mid-value similarity, signalling "unranked".
func (r *ChunkRetriever) fallback(ctx context.Context, limit int) []Result {
	instructions := r.client.Fallback(ctx, min(limit, fallbackCap))
	results := make([]Result, 0, len(instructions))
	for _, in := range instructions {
		res := InstructionToResult(in)
		res.Similarity = neutralSimilarity
		results = append(results, res)
	}
	return results
}
