package embedding

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dimensions is the expected embedding vector length.
const Dimensions = 1536

// defaultQuery substitutes empty input so bad callers never fail outright.
const defaultQuery = "Hello"

const batchConcurrency = 4

// Generator obtains embeddings with a cache check first and a hard latency
// budget on the provider call. It never returns an error: on timeout or
// provider failure it returns the all-zero vector of the expected length,
// which downstream code detects via IsZero and treats as "embedding
// unavailable".
type Generator struct {
	provider Provider
	cache    *Cache
	dims     int
	timeout  time.Duration
}

// NewGenerator creates a Generator. timeout bounds the whole Embed call on a
// cache miss; dims is the expected (and fallback zero-vector) length.
func NewGenerator(provider Provider, cache *Cache, dims int, timeout time.Duration) *Generator {
	if dims <= 0 {
		dims = Dimensions
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Generator{provider: provider, cache: cache, dims: dims, timeout: timeout}
}

// Embed returns the embedding for query, consulting the cache first.
// The provider call is raced against the configured timeout; a call that
// loses the race is abandoned and can never write to the cache, since the
// cache store happens only on the winning arm of the select.
func (g *Generator) Embed(ctx context.Context, query string) []float32 {
	if strings.TrimSpace(query) == "" {
		query = defaultQuery
	}

	if vec, ok := g.cache.Get(query); ok {
		return vec
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type embedResult struct {
		vec []float32
		err error
	}
	resultCh := make(chan embedResult, 1)
	go func() {
		vec, err := g.provider.Embed(ctx, query)
		resultCh <- embedResult{vec, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			slog.Warn("embedding generation failed, using zero vector", "error", r.err)
			return ZeroVector(g.dims)
		}
		g.cache.Set(query, r.vec)
		return r.vec
	case <-ctx.Done():
		slog.Warn("embedding generation timed out, using zero vector", "timeout", g.timeout)
		return ZeroVector(g.dims)
	}
}

// EmbedBatch embeds multiple texts concurrently (bounded to
// batchConcurrency). Individual failures degrade to the zero vector rather
// than failing the batch; only context cancellation aborts it.
// Returns nil (not error) for empty input.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(batchConcurrency)

	for i, text := range texts {
		i, text := i, text
		eg.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = g.Embed(gCtx, text)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ZeroVector returns the all-zero embedding of the given length, the
// sentinel for "embedding unavailable".
func ZeroVector(dims int) []float32 {
	return make([]float32, dims)
}

// IsZero reports whether vec is the zero-vector sentinel (or empty).
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
