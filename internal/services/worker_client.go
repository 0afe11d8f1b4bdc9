package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tutorbot/internal/config"
	"tutorbot/internal/models"
)

// WorkerTimeout bounds a single worker invocation. Ingesting a large PDF
// through a local embedding model can legitimately take minutes.
const WorkerTimeout = 180 * time.Second

// WorkerError classifies a failed worker invocation.
type WorkerError struct {
	Kind   string // one of the WorkerErr* constants
	Detail string
}

const (
	WorkerErrTimeout = "timeout"
	WorkerErrExit    = "exit"
	WorkerErrEmpty   = "empty_output"
	WorkerErrParse   = "parse"
	WorkerErrApp     = "application"
)

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Kind, e.Detail)
}

// WorkerClient runs the knowledge store worker binary, one process per call.
// Calls are serialized with a mutex so concurrent pipeline turns cannot race
// on the store.
type WorkerClient struct {
	binPath string
	cfg     *config.Store
	timeout time.Duration
	mu      sync.Mutex
	metrics *Metrics
}

// NewWorkerClient creates a worker client invoking the binary at binPath.
func NewWorkerClient(binPath string, cfg *config.Store, metrics *Metrics) *WorkerClient {
	return &WorkerClient{
		binPath: binPath,
		cfg:     cfg,
		timeout: WorkerTimeout,
		metrics: metrics,
	}
}

// baseRequest assembles the store and embedding fields every action carries,
// reading the configuration live so admin changes apply to the next call.
func (c *WorkerClient) baseRequest(action string) models.WorkerRequest {
	req := models.WorkerRequest{
		Action:            action,
		StoreDir:          c.cfg.GetString(config.KeyStoreDir, "kb_store"),
		EmbeddingProvider: c.cfg.GetString(config.KeyEmbeddingProvider, config.ProviderOllama),
		OllamaURL:         c.cfg.GetString(config.KeyOllamaURL, "http://127.0.0.1:11434"),
	}
	if req.EmbeddingProvider == config.ProviderOpenRouter {
		req.ModelName = c.cfg.GetString(config.KeyOpenRouterEmbed, "qwen/qwen3-embedding-8b")
		req.APIKey = c.cfg.Secret(config.KeyOpenRouterKey)
	} else {
		req.ModelName = c.cfg.GetString(config.KeyOllamaEmbedding, "nomic-embed-text")
	}
	return req
}

// call runs one worker process: request JSON on stdin, stdin closed, the last
// non-empty stdout line is the response.
func (c *WorkerClient) call(ctx context.Context, req models.WorkerRequest) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	if c.metrics != nil {
		c.metrics.ObserveWorkerCall(req.Action, time.Since(started), runErr == nil)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &WorkerError{Kind: WorkerErrTimeout, Detail: fmt.Sprintf("%s did not finish within %s", req.Action, c.timeout)}
	}

	line := lastLine(stdout.String())

	if runErr != nil {
		// A clean protocol error still carries a parseable response line
		// with ok=false; prefer that over the raw exit status.
		if resp, ok := parseResponse(line); ok && !resp.OK {
			return nil, &WorkerError{Kind: WorkerErrApp, Detail: resp.Error}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &WorkerError{Kind: WorkerErrExit, Detail: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), firstLine(stderr.String()))}
		}
		return nil, &WorkerError{Kind: WorkerErrExit, Detail: runErr.Error()}
	}

	if line == "" {
		return nil, &WorkerError{Kind: WorkerErrEmpty, Detail: "worker produced no output"}
	}

	var resp struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("unparseable worker output: %.200s", line)}
	}
	if !resp.OK {
		return nil, &WorkerError{Kind: WorkerErrApp, Detail: resp.Error}
	}
	return resp.Result, nil
}

func parseResponse(line string) (models.WorkerResponse, bool) {
	var resp models.WorkerResponse
	if line == "" || json.Unmarshal([]byte(line), &resp) != nil {
		return models.WorkerResponse{}, false
	}
	return resp, true
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// Ingest adds files to the knowledge store.
func (c *WorkerClient) Ingest(ctx context.Context, filePaths []string) ([]models.IngestResult, error) {
	req := c.baseRequest(models.WorkerActionIngest)
	req.FilePaths = filePaths

	raw, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var results []models.IngestResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("bad ingest result: %v", err)}
	}
	return results, nil
}

// Query retrieves the k most relevant chunks for a question.
func (c *WorkerClient) Query(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error) {
	req := c.baseRequest(models.WorkerActionQuery)
	req.Query = query
	req.K = k

	raw, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var chunks []models.RetrievedChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("bad query result: %v", err)}
	}
	return chunks, nil
}

// List returns the filenames currently in the store.
func (c *WorkerClient) List(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, c.baseRequest(models.WorkerActionList))
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("bad list result: %v", err)}
	}
	return names, nil
}

// Delete removes one document from the store.
func (c *WorkerClient) Delete(ctx context.Context, filename string) (models.DeleteResult, error) {
	req := c.baseRequest(models.WorkerActionDelete)
	req.Filename = filename

	raw, err := c.call(ctx, req)
	if err != nil {
		return models.DeleteResult{}, err
	}
	var result models.DeleteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.DeleteResult{}, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("bad delete result: %v", err)}
	}
	return result, nil
}

// Clear wipes the whole store.
func (c *WorkerClient) Clear(ctx context.Context) error {
	_, err := c.call(ctx, c.baseRequest(models.WorkerActionClear))
	return err
}

// Stats reports file and chunk counts.
func (c *WorkerClient) Stats(ctx context.Context) (models.StoreStats, error) {
	raw, err := c.call(ctx, c.baseRequest(models.WorkerActionStats))
	if err != nil {
		return models.StoreStats{}, err
	}
	var stats models.StoreStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return models.StoreStats{}, &WorkerError{Kind: WorkerErrParse, Detail: fmt.Sprintf("bad stats result: %v", err)}
	}
	return stats, nil
}

// HasDocuments reports whether the store holds anything, logging but
// tolerating failures so the pipeline can fall back to chat without context.
func (c *WorkerClient) HasDocuments(ctx context.Context) bool {
	stats, err := c.Stats(ctx)
	if err != nil {
		slog.Warn("failed to check knowledge store", "error", err)
		return false
	}
	return stats.ChunkCount > 0
}
