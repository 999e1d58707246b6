package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements SearchStore.
var _ SearchStore = (*SQLiteStore)(nil)

// SQLiteStore is the bundled SearchStore implementation: brute-force cosine
// similarity over embedding blobs in SQLite. It serves local deployments and
// tests; a production deployment backed by a hosted vector search substitutes
// its own SearchStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for similarity search.
// The instructions and instruction_chunks tables must already exist
// (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// idScore holds only the ID and score during the scan phase of a search.
// Full rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// SimilaritySearch scans all active embedded instructions, keeps the top-K
// with similarity strictly above threshold, and returns them ordered by
// similarity descending.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, vec []float32, threshold float64, limit int) ([]Instruction, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM instructions WHERE is_active = 1 AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying instruction vectors: %w", err)
	}
	defer rows.Close()

	top, err := scanTopK(rows, vec, threshold, limit)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, nil
	}

	ids, scores := splitIDScores(top)
	query := `SELECT id, title, content, content_type, url, category, priority, created_at, updated_at
		FROM instructions WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K instructions: %w", err)
	}
	defer fullRows.Close()

	var results []Instruction
	for fullRows.Next() {
		var in Instruction
		var url, category sql.NullString
		var createdAt, updatedAt string
		if err := fullRows.Scan(&in.ID, &in.Title, &in.Content, &in.ContentType, &url, &category, &in.Priority, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning instruction: %w", err)
		}
		in.URL = url.String
		in.Category = category.String
		if in.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if in.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		in.Similarity = scores[in.ID]
		results = append(results, in)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instructions: %w", err)
	}

	// IN queries don't preserve order; restore similarity-descending.
	sortInstructionsByScore(results)
	return results, nil
}

// ChunkSearch scans embedded chunks of active instructions, optionally
// restricted to chunkTypes, and returns the top-K above threshold joined
// with their parent's title, content type and URL.
func (s *SQLiteStore) ChunkSearch(ctx context.Context, vec []float32, threshold float64, limit int, chunkTypes []string) ([]Chunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT c.id, c.embedding FROM instruction_chunks c
		JOIN instructions i ON i.id = c.instruction_id
		WHERE i.is_active = 1 AND c.embedding IS NOT NULL`
	var args []interface{}
	if len(chunkTypes) > 0 {
		query += ` AND c.chunk_type IN (?` + strings.Repeat(",?", len(chunkTypes)-1) + `)`
		for _, t := range chunkTypes {
			args = append(args, t)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunk vectors: %w", err)
	}
	defer rows.Close()

	top, err := scanTopK(rows, vec, threshold, limit)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, nil
	}

	ids, scores := splitIDScores(top)
	fullQuery := `SELECT c.id, c.instruction_id, c.content, c.chunk_index, c.chunk_type, c.total_chunks,
			i.title, i.content_type, i.url
		FROM instruction_chunks c
		JOIN instructions i ON i.id = c.instruction_id
		WHERE c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []Chunk
	for fullRows.Next() {
		var c Chunk
		var url sql.NullString
		if err := fullRows.Scan(&c.ID, &c.InstructionID, &c.Content, &c.ChunkIndex, &c.ChunkType, &c.TotalChunks, &c.ParentTitle, &c.ParentContentType, &url); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.ParentURL = url.String
		c.Similarity = scores[c.ID]
		results = append(results, c)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sortChunksByScore(results)
	return results, nil
}

// FallbackByPriority returns active instructions ordered by priority
// descending, then recency descending. No similarity data is attached.
func (s *SQLiteStore) FallbackByPriority(ctx context.Context, limit int) ([]Instruction, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, content_type, url, category, priority, created_at, updated_at
		FROM instructions WHERE is_active = 1
		ORDER BY priority DESC, updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fallback instructions: %w", err)
	}
	defer rows.Close()

	var results []Instruction
	for rows.Next() {
		var in Instruction
		var url, category sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&in.ID, &in.Title, &in.Content, &in.ContentType, &url, &category, &in.Priority, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning fallback instruction: %w", err)
		}
		in.URL = url.String
		in.Category = category.String
		if in.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if in.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}

// scanTopK walks (id, embedding) rows, keeping the top-K by cosine
// similarity among rows whose similarity strictly exceeds threshold.
func scanTopK(rows *sql.Rows, vec []float32, threshold float64, limit int) ([]idScore, error) {
	queryNorm := vectorNorm(vec)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer to avoid per-row allocations during the scan.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}

		var err error
		buf, err = decodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosineSimilarity(vec, buf, queryNorm)
		if score <= threshold {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}

	top := make([]idScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(idScore)
	}
	return top, nil
}

func splitIDScores(top []idScore) ([]string, map[string]float64) {
	ids := make([]string, len(top))
	scores := make(map[string]float64, len(top))
	for i, t := range top {
		ids[i] = t.ID
		scores[t.ID] = t.Score
	}
	return ids, scores
}

func idArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// sortInstructionsByScore sorts by similarity descending. Insertion sort is
// fine for top-K sized slices.
func sortInstructionsByScore(results []Instruction) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func sortChunksByScore(results []Chunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// EncodeVector serializes a float32 vector to little-endian bytes for
// storage in an embedding blob column.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 vector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeVectorInto decodes into the provided buffer, reusing it across rows.
func decodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity computes dot(a,b) / (aNorm * |b|) with aNorm precomputed.
func cosineSimilarity(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap of idScore ordered by Score, used to track
// top-K candidates during the scan phase.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
