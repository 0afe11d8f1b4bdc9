package kb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Chunk is one stored piece of a document together with its embedding.
type Chunk struct {
	ID        int64
	Filename  string
	Index     int
	Content   string
	Embedding []float64
}

// Store persists document chunks and their embeddings in a SQLite database
// under the knowledge store directory.
type Store struct {
	dir string
	db  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	filename    TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_filename ON chunks(filename);
`

// OpenStore opens (creating if necessary) the chunk database in dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "kb.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize chunk schema: %w", err)
	}

	return &Store{dir: dir, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// AddChunks stores the chunks of one document. Any previous chunks for the
// same filename are replaced so re-ingesting a file never duplicates it.
func (s *Store) AddChunks(filename string, contents []string, embeddings [][]float64) error {
	if len(contents) != len(embeddings) {
		return fmt.Errorf("chunk and embedding counts differ: %d vs %d", len(contents), len(embeddings))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE filename = ?`, filename); err != nil {
		return fmt.Errorf("failed to clear previous chunks for %s: %w", filename, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chunks (filename, chunk_index, content, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, content := range contents {
		vector, err := json.Marshal(embeddings[i])
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(filename, i, content, string(vector)); err != nil {
			return fmt.Errorf("failed to insert chunk %d of %s: %w", i, filename, err)
		}
	}

	return tx.Commit()
}

// AllChunks returns every stored chunk with its embedding decoded.
func (s *Store) AllChunks() ([]Chunk, error) {
	rows, err := s.db.Query(`SELECT id, filename, chunk_index, content, embedding FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var vector string
		if err := rows.Scan(&c.ID, &c.Filename, &c.Index, &c.Content, &vector); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vector), &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %d: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Filenames returns the distinct ingested filenames in alphabetical order.
func (s *Store) Filenames() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT filename FROM chunks ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteByFilename removes all chunks of one document and returns how many
// were removed.
func (s *Store) DeleteByFilename(filename string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM chunks WHERE filename = ?`, filename)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Counts returns the number of distinct files and total chunks stored.
func (s *Store) Counts() (files, chunks int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(DISTINCT filename), COUNT(*) FROM chunks`)
	if err := row.Scan(&files, &chunks); err != nil {
		return 0, 0, err
	}
	return files, chunks, nil
}
