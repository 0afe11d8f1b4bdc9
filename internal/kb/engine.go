package kb

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"tutorbot/internal/models"
)

// Engine ties the chunk store, splitter and embedder together behind the
// operations the worker protocol exposes.
type Engine struct {
	store    *Store
	splitter *Splitter
	embedder Embedder
}

// NewEngine opens the store in dir and wires the given embedder.
func NewEngine(dir string, embedder Embedder) (*Engine, error) {
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, splitter: NewSplitter(), embedder: embedder}, nil
}

// Close releases the engine's store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Ingest loads, splits and embeds each file, replacing any previous version
// of the same filename. A file that fails does not abort the batch: its
// result entry carries the failure note instead, and only an all-failed
// batch is an error.
func (e *Engine) Ingest(ctx context.Context, filePaths []string) ([]models.IngestResult, error) {
	var results []models.IngestResult
	failed := 0
	for _, path := range filePaths {
		filename := filepath.Base(path)
		chunks, err := e.ingestOne(ctx, path)
		if err != nil {
			failed++
			results = append(results, models.IngestResult{
				Filename: fmt.Sprintf("%s (failed: %v)", filename, err),
			})
			continue
		}
		results = append(results, models.IngestResult{
			Filename:    filename,
			ChunksCount: chunks,
		})
	}
	if failed == len(filePaths) {
		return nil, fmt.Errorf("no files could be ingested: %s", results[0].Filename)
	}
	return results, nil
}

func (e *Engine) ingestOne(ctx context.Context, path string) (int, error) {
	if !Supported(path) {
		return 0, fmt.Errorf("unsupported file type %s", filepath.Ext(path))
	}
	text, err := LoadFile(path)
	if err != nil {
		return 0, err
	}

	chunks := e.splitter.Split(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text could be extracted")
	}

	embeddings, err := e.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embedding failed: %w", err)
	}

	if err := e.store.AddChunks(filepath.Base(path), chunks, embeddings); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Query embeds the query text and returns the k most similar chunks by
// cosine similarity.
func (e *Engine) Query(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = 4
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := vectors[0]

	chunks, err := e.store.AllChunks()
	if err != nil {
		return nil, err
	}

	type scored struct {
		chunk Chunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		ranked = append(ranked, scored{chunk: c, score: cosineSimilarity(queryVec, c.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]models.RetrievedChunk, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, models.RetrievedChunk{
			PageContent: r.chunk.Content,
			Metadata: map[string]string{
				"source": r.chunk.Filename,
			},
		})
	}
	return out, nil
}

// List returns the ingested filenames.
func (e *Engine) List() ([]string, error) {
	return e.store.Filenames()
}

// Delete removes one document and reports how many chunks went with it. An
// absent filename is an explicit not-found error and leaves the store
// untouched.
func (e *Engine) Delete(filename string) (models.DeleteResult, error) {
	deleted, err := e.store.DeleteByFilename(filename)
	if err != nil {
		return models.DeleteResult{}, err
	}
	if deleted == 0 {
		return models.DeleteResult{}, fmt.Errorf("no document named %s in the store", filename)
	}
	return models.DeleteResult{Filename: filename, DeletedCount: deleted}, nil
}

// Stats reports file and chunk counts.
func (e *Engine) Stats() (models.StoreStats, error) {
	files, chunks, err := e.store.Counts()
	if err != nil {
		return models.StoreStats{}, err
	}
	return models.StoreStats{FileCount: files, ChunkCount: chunks}, nil
}

// Clear drops the whole store directory and recreates it empty. Clearing a
// store that never existed succeeds.
func Clear(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove store directory: %w", err)
	}
	return os.MkdirAll(dir, 0o755)
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
