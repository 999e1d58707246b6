package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding instructions and their chunks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "opsrag.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database for the similarity-search layer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Instructions ---

// SaveInstruction inserts an instruction, assigning a UUID and timestamps
// when missing. Returns the stored ID.
func (s *Store) SaveInstruction(in Instruction) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = in.CreatedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO instructions (id, title, content, content_type, url, category, priority, is_active, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Title, in.Content, in.ContentType, nullable(in.URL), nullable(in.Category),
		in.Priority, boolToInt(in.IsActive), in.Embedding,
		in.CreatedAt.Format(time.RFC3339), in.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting instruction: %w", err)
	}
	return in.ID, nil
}

// GetInstruction returns the instruction with the given ID.
func (s *Store) GetInstruction(id string) (Instruction, error) {
	var in Instruction
	var url, category sql.NullString
	var isActive int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, title, content, content_type, url, category, priority, is_active, embedding, created_at, updated_at
		FROM instructions WHERE id = ?`, id,
	).Scan(&in.ID, &in.Title, &in.Content, &in.ContentType, &url, &category, &in.Priority, &isActive, &in.Embedding, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Instruction{}, ErrNotFound
	}
	if err != nil {
		return Instruction{}, err
	}

	in.URL = url.String
	in.Category = category.String
	in.IsActive = isActive != 0
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return Instruction{}, err
	}
	if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

// SetInstructionEmbedding stores the encoded embedding blob for an
// instruction without touching its content timestamps.
func (s *Store) SetInstructionEmbedding(id string, blob []byte) error {
	res, err := s.db.Exec("UPDATE instructions SET embedding = ? WHERE id = ?", blob, id)
	if err != nil {
		return fmt.Errorf("updating instruction embedding: %w", err)
	}
	return checkAffected(res)
}

// InstructionsMissingEmbedding returns up to limit instructions whose
// embedding has not been generated yet.
func (s *Store) InstructionsMissingEmbedding(limit int) ([]Instruction, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, content_type, url, category, priority, is_active, created_at, updated_at
		FROM instructions WHERE embedding IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unembedded instructions: %w", err)
	}
	defer rows.Close()

	var results []Instruction
	for rows.Next() {
		var in Instruction
		var url, category sql.NullString
		var isActive int
		var createdAt, updatedAt string
		if err := rows.Scan(&in.ID, &in.Title, &in.Content, &in.ContentType, &url, &category, &in.Priority, &isActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		in.URL = url.String
		in.Category = category.String
		in.IsActive = isActive != 0
		if in.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}

// CountInstructions returns the number of stored instructions and how many
// of them have embeddings.
func (s *Store) CountInstructions() (total, embedded int, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COUNT(embedding) FROM instructions`).Scan(&total, &embedded)
	return total, embedded, err
}

// --- Chunks ---

// SaveChunk inserts a chunk, assigning a UUID and timestamp when missing.
// Returns the stored ID.
func (s *Store) SaveChunk(c Chunk) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.TotalChunks < 1 {
		c.TotalChunks = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO instruction_chunks (id, instruction_id, chunk_index, chunk_type, content, total_chunks, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InstructionID, c.ChunkIndex, c.ChunkType, c.Content, c.TotalChunks,
		c.Embedding, c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting chunk: %w", err)
	}
	return c.ID, nil
}

// SetChunkEmbedding stores the encoded embedding blob for a chunk.
func (s *Store) SetChunkEmbedding(id string, blob []byte) error {
	res, err := s.db.Exec("UPDATE instruction_chunks SET embedding = ? WHERE id = ?", blob, id)
	if err != nil {
		return fmt.Errorf("updating chunk embedding: %w", err)
	}
	return checkAffected(res)
}

// ChunksMissingEmbedding returns up to limit chunks whose embedding has not
// been generated yet.
func (s *Store) ChunksMissingEmbedding(limit int) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, instruction_id, chunk_index, chunk_type, content, total_chunks, created_at
		FROM instruction_chunks WHERE embedding IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unembedded chunks: %w", err)
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.InstructionID, &c.ChunkIndex, &c.ChunkType, &c.Content, &c.TotalChunks, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- helpers ---

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
