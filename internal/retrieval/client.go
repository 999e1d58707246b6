package retrieval

import (
	"context"
	"log/slog"

	"github.com/dkazakov/opsrag/internal/embedding"
)

// fallbackCap bounds how many generally-applicable instructions the
// zero-vector bypass returns.
const fallbackCap = 3

// Client translates an embedding plus threshold and limit into ranked
// candidates, with a cheap bypass when the embedding is the zero-vector
// sentinel. Remote errors degrade to empty results: callers treat an empty
// set as "no confident matches", which is distinct from the priority-ordered
// fallback of the zero-vector path.
type Client struct {
	store SearchStore
}

// NewClient creates a Client over the given search backend.
func NewClient(store SearchStore) *Client {
	return &Client{store: store}
}

// Search returns candidate instructions for the embedding. A zero-vector
// embedding skips the similarity backend entirely (zero-vector similarity is
// degenerate) and returns at most min(limit, 3) priority-ordered fallback
// instructions instead.
func (c *Client) Search(ctx context.Context, vec []float32, threshold float64, limit int) []Instruction {
	if embedding.IsZero(vec) {
		slog.Debug("zero-vector embedding, bypassing similarity search")
		return c.Fallback(ctx, min(limit, fallbackCap))
	}

	results, err := c.store.SimilaritySearch(ctx, vec, threshold, limit)
	if err != nil {
		slog.Warn("similarity search failed, returning empty result set", "error", err)
		return nil
	}
	return results
}

// SearchChunks returns chunk candidates for the embedding. The zero-vector
// bypass does not apply here; callers on the chunk path check the sentinel
// before chunk search.
func (c *Client) SearchChunks(ctx context.Context, vec []float32, threshold float64, limit int, chunkTypes []string) []Chunk {
	chunks, err := c.store.ChunkSearch(ctx, vec, threshold, limit, chunkTypes)
	if err != nil {
		slog.Warn("chunk search failed, returning empty result set", "error", err)
		return nil
	}
	return chunks
}

// Fallback returns up to limit active instructions ordered by priority then
// recency, or nothing if even the fallback source fails.
func (c *Client) Fallback(ctx context.Context, limit int) []Instruction {
	results, err := c.store.FallbackByPriority(ctx, limit)
	if err != nil {
		slog.Warn("priority fallback failed", "error", err)
		return nil
	}
	return results
}
