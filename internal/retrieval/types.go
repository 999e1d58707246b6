package retrieval

import (
	"context"
	"time"
)

// Instruction is a knowledge-base document candidate. Similarity is the
// cosine-derived score attached by the search that produced it (0..1);
// candidates returned by a thresholded search always satisfy
// Similarity > threshold.
type Instruction struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	URL         string    `json:"url,omitempty"`
	Category    string    `json:"category,omitempty"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Similarity  float64   `json:"similarity"`
}

// Chunk is a sub-document candidate from chunk-level search. Many chunks
// reference one parent instruction; TotalChunks is the parent's chunk count.
type Chunk struct {
	ID                string  `json:"chunk_id"`
	InstructionID     string  `json:"instruction_id"`
	Content           string  `json:"content"`
	ChunkIndex        int     `json:"chunk_index"`
	ChunkType         string  `json:"chunk_type"` // "semantic", "fixed" or "single"
	TotalChunks       int     `json:"total_chunks"`
	ParentTitle       string  `json:"parent_title"`
	ParentContentType string  `json:"parent_content_type"`
	ParentURL         string  `json:"parent_url,omitempty"`
	Similarity        float64 `json:"similarity"`
}

// Result unifies chunk and whole-document candidates behind one scorable
// shape for reranking and for the public retrieval response. IsChunk is the
// discriminant; chunk fields are zero for whole-document results.
type Result struct {
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	ContentType string  `json:"content_type"`
	URL         string  `json:"url,omitempty"`
	Similarity  float64 `json:"similarity"`
	IsChunk     bool    `json:"is_chunk"`
	ChunkIndex  int     `json:"chunk_index,omitempty"`
	ChunkType   string  `json:"chunk_type,omitempty"`
	TotalChunks int     `json:"total_chunks,omitempty"`
}

// SearchStore is the interface to the vector-similarity backend.
// The bundled implementation is SQLiteStore (brute-force cosine similarity);
// deployments backed by a remote vector search implement the same interface.
type SearchStore interface {
	// SimilaritySearch returns instructions with similarity strictly above
	// threshold, ordered by similarity descending, at most limit of them.
	SimilaritySearch(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Instruction, error)

	// ChunkSearch is SimilaritySearch over sub-document chunks, optionally
	// restricted to the given chunk types.
	ChunkSearch(ctx context.Context, embedding []float32, threshold float64, limit int, chunkTypes []string) ([]Chunk, error)

	// FallbackByPriority returns active instructions ordered by priority
	// descending then recency descending, with no similarity data. Used
	// whenever semantic search is unavailable or degenerate.
	FallbackByPriority(ctx context.Context, limit int) ([]Instruction, error)
}

// ChunkToResult converts a chunk candidate to the unified result shape.
func ChunkToResult(c Chunk) Result {
	total := c.TotalChunks
	if total < 1 {
		total = 1
	}
	return Result{
		Title:       c.ParentTitle,
		Content:     c.Content,
		ContentType: c.ParentContentType,
		URL:         c.ParentURL,
		Similarity:  c.Similarity,
		IsChunk:     true,
		ChunkIndex:  c.ChunkIndex,
		ChunkType:   c.ChunkType,
		TotalChunks: total,
	}
}

// InstructionToResult converts a whole-document candidate to the unified
// result shape.
func InstructionToResult(in Instruction) Result {
	return Result{
		Title:       in.Title,
		Content:     in.Content,
		ContentType: in.ContentType,
		URL:         in.URL,
		Similarity:  in.Similarity,
	}
}
