// Package pipeline composes the retrieval flow behind the single public
// entry point: analyze, embed, retrieve, optimize.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/dkazakov/opsrag/internal/analyzer"
	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/optimizer"
	"github.com/dkazakov/opsrag/internal/retrieval"
)

// Options configures one retrieval call. A zero Limit defers to the query
// analyzer's suggestion.
type Options struct {
	Limit             int  `json:"limit"`
	UseChunks         bool `json:"use_chunks"`
	EnableReranking   bool `json:"enable_reranking"`
	AdaptiveThreshold bool `json:"adaptive_threshold"`
}

// Metadata captures diagnostic information about one retrieval call.
type Metadata struct {
	Classification    analyzer.Classification
	EmbeddingDegraded bool
	ResultCount       int
	DurationMs        int64
}

// Retriever is the public face of the retrieval core. Its Retrieve method
// never returns an error: every internal failure degrades to an emptier or
// safer result set, and an empty slice is a valid outcome meaning "no
// relevant information found".
type Retriever struct {
	generator *embedding.Generator
	client    *retrieval.Client
	chunks    *retrieval.ChunkRetriever
	optimizer *optimizer.Optimizer
}

// New wires a Retriever from its components.
func New(gen *embedding.Generator, client *retrieval.Client, chunks *retrieval.ChunkRetriever, opt *optimizer.Optimizer) *Retriever {
	return &Retriever{generator: gen, client: client, chunks: chunks, optimizer: opt}
}

// Retrieve returns ranked instructions relevant to the query.
// Steps run strictly in order: analyze, embed (cache-checked, timeout
// bounded), retrieve, optimize. Given identical candidate data the output
// is deterministic.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]retrieval.Result, Metadata) {
	start := time.Now()

	meta := Metadata{Classification: analyzer.Classify(query)}
	limit := opts.Limit
	if limit <= 0 {
		limit = meta.Classification.Limit
	}

	vec := r.generator.Embed(ctx, query)
	meta.EmbeddingDegraded = embedding.IsZero(vec)

	var results []retrieval.Result
	if opts.UseChunks {
		results = r.chunks.Retrieve(ctx, query, vec, retrieval.ChunkOptions{
			Limit:             limit,
			AdaptiveThreshold: opts.AdaptiveThreshold,
			EnableReranking:   opts.EnableReranking,
		})
	} else {
		scored := r.optimizer.Optimize(ctx, query, vec, limit)
		results = make([]retrieval.Result, 0, len(scored))
		for _, s := range scored {
			results = append(results, retrieval.InstructionToResult(s.Instruction))
		}
	}

	meta.ResultCount = len(results)
	meta.DurationMs = time.Since(start).Milliseconds()

	slog.Debug("retrieval complete",
		"query_type", meta.Classification.Type,
		"limit", limit,
		"results", meta.ResultCount,
		"embedding_degraded", meta.EmbeddingDegraded,
		"duration_ms", meta.DurationMs,
	)
	return results, meta
}
