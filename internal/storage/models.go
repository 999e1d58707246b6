package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Instruction is a stored knowledge-base document. Embedding holds the
// encoded vector blob and stays nil until the indexer backfills it.
type Instruction struct {
	ID          string
	Title       string
	Content     string
	ContentType string
	URL         string
	Category    string
	Priority    int
	IsActive    bool
	Embedding   []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is a stored sub-section of an instruction, embedded and indexed
// independently for finer-grained retrieval.
type Chunk struct {
	ID            string
	InstructionID string
	ChunkIndex    int
	ChunkType     string // "semantic", "fixed" or "single"
	Content       string
	TotalChunks   int
	Embedding     []byte
	CreatedAt     time.Time
}
