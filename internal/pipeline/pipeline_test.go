package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dkazakov/opsrag/internal/analyzer"
	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/optimizer"
	"github.com/dkazakov/opsrag/internal/retrieval"
)

type stubProvider struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedFn(ctx, text)
}

type stubStore struct {
	similarityFn func(ctx context.Context, vec []float32, threshold float64, limit int) ([]retrieval.Instruction, error)
	chunkFn      func(ctx context.Context, vec []float32, threshold float64, limit int, chunkTypes []string) ([]retrieval.Chunk, error)
	fallbackFn   func(ctx context.Context, limit int) ([]retrieval.Instruction, error)
}

func (s *stubStore) SimilaritySearch(ctx context.Context, vec []float32, threshold float64, limit int) ([]retrieval.Instruction, error) {
	if s.similarityFn == nil {
		return nil, nil
	}
	return s.similarityFn(ctx, vec, threshold, limit)
}

func (s *stubStore) ChunkSearch(ctx context.Context, vec []float32, threshold float64, limit int, chunkTypes []string) ([]retrieval.Chunk, error) {
	if s.chunkFn == nil {
		return nil, nil
	}
	return s.chunkFn(ctx, vec, threshold, limit, chunkTypes)
}

func (s *stubStore) FallbackByPriority(ctx context.Context, limit int) ([]retrieval.Instruction, error) {
	if s.fallbackFn == nil {
		return nil, nil
	}
	return s.fallbackFn(ctx, limit)
}

func newTestRetriever(t *testing.T, provider embedding.Provider, store retrieval.SearchStore) *Retriever {
	t.Helper()
	cache := embedding.NewCache(embedding.DefaultCacheConfig())
	t.Cleanup(cache.Close)
	gen := embedding.NewGenerator(provider, cache, 4, 200*time.Millisecond)
	client := retrieval.NewClient(store)
	return New(gen, client, retrieval.NewChunkRetriever(client), optimizer.New(client, optimizer.DefaultConfig()))
}

func TestRetrieveEndToEnd(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		},
	}
	store := &stubStore{
		similarityFn: func(context.Context, []float32, float64, int) ([]retrieval.Instruction, error) {
			return []retrieval.Instruction{
				{ID: "a", Title: "Escalation policy", Content: "page the on-call", Similarity: 0.9},
				{ID: "b", Title: "Office plants", Content: "water weekly", Similarity: 0.6},
			}, nil
		},
	}
	r := newTestRetriever(t, provider, store)

	results, meta := r.Retrieve(context.Background(), "how do I escalate an incident", Options{Limit: 2})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Title != "Escalation policy" {
		t.Errorf("first result = %q, want the higher-scored instruction", results[0].Title)
	}
	if results[0].IsChunk {
		t.Error("document path must not mark results as chunks")
	}
	if meta.Classification.Type != analyzer.TypeSpecific {
		t.Errorf("classification = %v, want specific for a how-do-I query", meta.Classification.Type)
	}
	if meta.EmbeddingDegraded {
		t.Error("embedding should not be degraded on a healthy provider")
	}
	if meta.ResultCount != 2 {
		t.Errorf("metadata result count = %d, want 2", meta.ResultCount)
	}
}

func TestRetrieveIsDeterministic(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		},
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &stubStore{
		similarityFn: func(context.Context, []float32, float64, int) ([]retrieval.Instruction, error) {
			return []retrieval.Instruction{
				{ID: "a", Title: "one", Content: "x", Category: "alpha", Similarity: 0.8, UpdatedAt: now},
				{ID: "b", Title: "two", Content: "y", Category: "beta", Similarity: 0.8, UpdatedAt: now},
				{ID: "c", Title: "three", Content: "z", Category: "alpha", Similarity: 0.7, UpdatedAt: now},
			}, nil
		},
	}
	r := newTestRetriever(t, provider, store)

	first, _ := r.Retrieve(context.Background(), "team process question", Options{Limit: 3})
	second, _ := r.Retrieve(context.Background(), "team process question", Options{Limit: 3})
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs must produce identical output:\n%+v\nvs\n%+v", first, second)
	}
}

func TestRetrieveProviderFailureDegradesToFallback(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("provider down")
		},
	}
	similarityCalled := false
	store := &stubStore{
		similarityFn: func(context.Context, []float32, float64, int) ([]retrieval.Instruction, error) {
			similarityCalled = true
			return nil, nil
		},
		fallbackFn: func(_ context.Context, limit int) ([]retrieval.Instruction, error) {
			return []retrieval.Instruction{{ID: "p", Title: "Priority doc"}}, nil
		},
	}
	r := newTestRetriever(t, provider, store)

	results, meta := r.Retrieve(context.Background(), "anything at all", Options{Limit: 5})
	if !meta.EmbeddingDegraded {
		t.Error("metadata should flag the degraded embedding")
	}
	if similarityCalled {
		t.Error("degraded embedding must bypass similarity search")
	}
	if len(results) != 1 || results[0].Title != "Priority doc" {
		t.Errorf("expected priority fallback results, got %+v", results)
	}
}

func TestRetrieveSlowProviderIsBounded(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	store := &stubStore{
		fallbackFn: func(context.Context, int) ([]retrieval.Instruction, error) {
			return nil, nil
		},
	}
	r := newTestRetriever(t, provider, store)

	start := time.Now()
	_, meta := r.Retrieve(context.Background(), "slow provider", Options{Limit: 5})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("retrieval took %v, want it bounded by the embed timeout", elapsed)
	}
	if !meta.EmbeddingDegraded {
		t.Error("timed-out embedding should be flagged degraded")
	}
}

func TestRetrieveChunkPath(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		},
	}
	store := &stubStore{
		chunkFn: func(context.Context, []float32, float64, int, []string) ([]retrieval.Chunk, error) {
			return []retrieval.Chunk{
				{ID: "c1", ParentTitle: "Runbook", Content: "restart the service", ChunkType: "semantic", TotalChunks: 3, Similarity: 0.85},
				{ID: "c2", ParentTitle: "Runbook", Content: "check the logs first", ChunkType: "semantic", TotalChunks: 3, Similarity: 0.82},
				{ID: "c3", ParentTitle: "Onboarding", Content: "request access", ChunkType: "single", TotalChunks: 1, Similarity: 0.7},
			}, nil
		},
	}
	r := newTestRetriever(t, provider, store)

	results, _ := r.Retrieve(context.Background(), "service restart", Options{Limit: 3, UseChunks: true})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].IsChunk || results[0].Title != "Runbook" {
		t.Errorf("chunk path should return chunk results with parent titles, got %+v", results[0])
	}
}

func TestRetrieveZeroLimitUsesAnalyzerSuggestion(t *testing.T) {
	provider := &stubProvider{
		embedFn: func(context.Context, string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		},
	}
	var wideLimit int
	store := &stubStore{
		similarityFn: func(_ context.Context, _ []float32, _ float64, limit int) ([]retrieval.Instruction, error) {
			wideLimit = limit
			return nil, nil
		},
		fallbackFn: func(context.Context, int) ([]retrieval.Instruction, error) { return nil, nil },
	}
	r := newTestRetriever(t, provider, store)

	// An organizational query suggests limit 4; the optimizer widens that to
	// max(15, 4*3) = 15.
	_, meta := r.Retrieve(context.Background(), "explain our team structure", Options{})
	if meta.Classification.Type != analyzer.TypeOrganizational {
		t.Fatalf("classification = %v, want organizational", meta.Classification.Type)
	}
	if wideLimit != 15 {
		t.Errorf("widened limit = %d, want 15", wideLimit)
	}
}
