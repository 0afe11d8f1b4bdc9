package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeEmbedder maps each text to a deterministic vector so similarity
// ranking can be asserted without a model server.
type fakeEmbedder struct {
	vectors map[string][]float64
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding backend unavailable")
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
			continue
		}
		// Default: a crude bag-of-letters vector so distinct texts get
		// distinct but stable embeddings.
		v := make([]float64, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		out[i] = v
	}
	return out, nil
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func newTestEngine(t *testing.T, embedder Embedder) (*Engine, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create store dir: %v", err)
	}
	engine, err := NewEngine(dir, embedder)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, dir
}

func TestIngestThenList(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{})
	docs := t.TempDir()

	paths := []string{
		writeDoc(t, docs, "algebra.txt", "Linear equations have one unknown."),
		writeDoc(t, docs, "geometry.md", "A triangle has three sides."),
		writeDoc(t, docs, "physics.txt", "Force equals mass times acceleration."),
	}

	results, err := engine.Ingest(context.Background(), paths)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.ChunksCount == 0 {
			t.Errorf("Document %s produced no chunks", r.Filename)
		}
	}

	names, err := engine.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Expected 3 filenames, got %v", names)
	}
	want := map[string]bool{"algebra.txt": true, "geometry.md": true, "physics.txt": true}
	for _, n := range names {
		if !want[n] {
			t.Errorf("Unexpected filename %q in list", n)
		}
	}
}

func TestIngestReplacesSameFilename(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{})
	docs := t.TempDir()

	path := writeDoc(t, docs, "notes.txt", "first version")
	if _, err := engine.Ingest(context.Background(), []string{path}); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	writeDoc(t, docs, "notes.txt", "second version")
	if _, err := engine.Ingest(context.Background(), []string{path}); err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}

	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.FileCount != 1 {
		t.Errorf("Expected 1 file after re-ingest, got %d", stats.FileCount)
	}
}

func TestIngestCollectsPerFileFailures(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{})
	docs := t.TempDir()

	good := writeDoc(t, docs, "good.txt", "some usable content")
	bad := writeDoc(t, docs, "image.png", "not a supported format")

	results, err := engine.Ingest(context.Background(), []string{good, bad})
	if err != nil {
		t.Fatalf("Ingest should tolerate a partial failure, got: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	var failNote string
	for _, r := range results {
		if strings.Contains(r.Filename, "failed") {
			failNote = r.Filename
		}
	}
	if !strings.Contains(failNote, "image.png") {
		t.Errorf("Expected failure note naming image.png, got %q", failNote)
	}
}

func TestIngestAllFailedIsError(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{fail: true})
	docs := t.TempDir()
	path := writeDoc(t, docs, "doc.txt", "content")

	if _, err := engine.Ingest(context.Background(), []string{path}); err == nil {
		t.Fatal("Expected error when every file fails")
	}

	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.FileCount != 0 || stats.ChunkCount != 0 {
		t.Errorf("Failed ingest should leave store empty, got %+v", stats)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"cats are small animals": {1, 0, 0},
		"planets orbit the sun":  {0, 1, 0},
		"tell me about cats":     {0.9, 0.1, 0},
	}}
	engine, _ := newTestEngine(t, embedder)
	docs := t.TempDir()

	paths := []string{
		writeDoc(t, docs, "cats.txt", "cats are small animals"),
		writeDoc(t, docs, "space.txt", "planets orbit the sun"),
	}
	if _, err := engine.Ingest(context.Background(), paths); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	chunks, err := engine.Query(context.Background(), "tell me about cats", 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Metadata["source"] != "cats.txt" {
		t.Errorf("Expected cats.txt ranked first, got %q", chunks[0].Metadata["source"])
	}
	if chunks[0].PageContent != "cats are small animals" {
		t.Errorf("Unexpected chunk content %q", chunks[0].PageContent)
	}
}

func TestDeleteAbsentFileIsError(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{})
	docs := t.TempDir()
	path := writeDoc(t, docs, "keep.txt", "stays in place")
	if _, err := engine.Ingest(context.Background(), []string{path}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	before, _ := engine.Stats()

	if _, err := engine.Delete("missing.txt"); err == nil {
		t.Fatal("Expected error deleting a filename that was never ingested")
	}

	after, err := engine.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if after != before {
		t.Errorf("Failed delete changed stats: before %+v after %+v", before, after)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeEmbedder{})
	docs := t.TempDir()
	path := writeDoc(t, docs, "gone.txt", "to be removed")
	if _, err := engine.Ingest(context.Background(), []string{path}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	result, err := engine.Delete("gone.txt")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if result.DeletedCount == 0 {
		t.Error("Expected at least one deleted chunk")
	}

	stats, _ := engine.Stats()
	if stats.FileCount != 0 {
		t.Errorf("Expected empty store after delete, got %+v", stats)
	}
}

func TestClearResetsStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	engine, err := NewEngine(dir, &fakeEmbedder{})
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	docs := t.TempDir()
	path := writeDoc(t, docs, "doc.txt", "content to wipe")
	if _, err := engine.Ingest(context.Background(), []string{path}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	engine.Close()

	if err := Clear(dir); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	engine, err = NewEngine(dir, &fakeEmbedder{})
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer engine.Close()

	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.FileCount != 0 || stats.ChunkCount != 0 {
		t.Errorf("Expected empty store after clear, got %+v", stats)
	}
}

func TestClearMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	if err := Clear(dir); err != nil {
		t.Fatalf("Clear of a missing directory should succeed, got: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Clear should have created the directory: %v", err)
	}
}
