// Package indexer backfills missing embeddings for stored instructions and
// chunks so similarity search can see them.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkazakov/opsrag/internal/embedding"
	"github.com/dkazakov/opsrag/internal/retrieval"
	"github.com/dkazakov/opsrag/internal/storage"
)

// batchSize bounds how many pending rows one pass picks up.
const batchSize = 50

// PendingStore abstracts the storage operations the indexer needs.
type PendingStore interface {
	InstructionsMissingEmbedding(limit int) ([]storage.Instruction, error)
	ChunksMissingEmbedding(limit int) ([]storage.Chunk, error)
	SetInstructionEmbedding(id string, blob []byte) error
	SetChunkEmbedding(id string, blob []byte) error
}

// Embedder generates embeddings for batches of text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Report summarizes one indexing pass.
type Report struct {
	Processed int
	Failed    int
}

// Indexer embeds pending rows in batches. Rows whose embedding degrades to
// the zero-vector sentinel are counted as failures and left pending for a
// later pass rather than stored as meaningless vectors.
type Indexer struct {
	store    PendingStore
	embedder Embedder
	poll     time.Duration
}

// New creates an Indexer. If pollInterval is <= 0, Run defaults to one
// minute between passes.
func New(store PendingStore, embedder Embedder, pollInterval time.Duration) *Indexer {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Indexer{store: store, embedder: embedder, poll: pollInterval}
}

// Run performs indexing passes until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	for {
		report, err := ix.RunOnce(ctx)
		if err != nil {
			slog.Error("indexing pass failed", "error", err)
		} else if report.Processed > 0 || report.Failed > 0 {
			slog.Info("indexing pass complete", "processed", report.Processed, "failed", report.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ix.poll):
		}
	}
}

// RunOnce embeds one batch of pending instructions and chunks.
func (ix *Indexer) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	instructions, err := ix.store.InstructionsMissingEmbedding(batchSize)
	if err != nil {
		return report, fmt.Errorf("listing pending instructions: %w", err)
	}
	if len(instructions) > 0 {
		texts := make([]string, len(instructions))
		for i, in := range instructions {
			texts[i] = in.Title + "\n" + in.Content
		}
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return report, fmt.Errorf("embedding instructions: %w", err)
		}
		for i, vec := range vecs {
			if embedding.IsZero(vec) {
				report.Failed++
				continue
			}
			if err := ix.store.SetInstructionEmbedding(instructions[i].ID, retrieval.EncodeVector(vec)); err != nil {
				slog.Warn("storing instruction embedding failed", "id", instructions[i].ID, "error", err)
				report.Failed++
				continue
			}
			report.Processed++
		}
	}

	chunks, err := ix.store.ChunksMissingEmbedding(batchSize)
	if err != nil {
		return report, fmt.Errorf("listing pending chunks: %w", err)
	}
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return report, fmt.Errorf("embedding chunks: %w", err)
		}
		for i, vec := range vecs {
			if embedding.IsZero(vec) {
				report.Failed++
				continue
			}
			if err := ix.store.SetChunkEmbedding(chunks[i].ID, retrieval.EncodeVector(vec)); err != nil {
				slog.Warn("storing chunk embedding failed", "id", chunks[i].ID, "error", err)
				report.Failed++
				continue
			}
			report.Processed++
		}
	}

	return report, nil
}
