// kbworker is the knowledge store worker. It reads one JSON request from
// stdin, performs the requested store operation and prints one JSON response
// line to stdout. Diagnostics go to stderr so stdout stays machine-readable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tutorbot/internal/kb"
	"tutorbot/internal/logging"
	"tutorbot/internal/models"
)

func main() {
	logging.InitWriter(os.Stderr)

	response := run()
	out, err := json.Marshal(response)
	if err != nil {
		fmt.Println(`{"ok": false, "error": "failed to encode response"}`)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if !response.OK {
		os.Exit(1)
	}
}

func run() models.WorkerResponse {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fail(fmt.Errorf("failed to read request: %w", err))
	}

	var req models.WorkerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(fmt.Errorf("failed to parse request: %w", err))
	}
	if req.StoreDir == "" {
		return fail(fmt.Errorf("store_dir is required"))
	}

	slog.Info("worker request", "action", req.Action, "store_dir", req.StoreDir)
	ctx := context.Background()

	// clear never needs an embedder or an open store.
	if req.Action == models.WorkerActionClear {
		if err := kb.Clear(req.StoreDir); err != nil {
			return fail(err)
		}
		return ok("knowledge store cleared")
	}

	engine, err := kb.NewEngine(req.StoreDir, buildEmbedder(req))
	if err != nil {
		return fail(err)
	}
	defer engine.Close()

	switch req.Action {
	case models.WorkerActionIngest:
		if len(req.FilePaths) == 0 {
			return fail(fmt.Errorf("ingest requires file_paths"))
		}
		results, err := engine.Ingest(ctx, req.FilePaths)
		if err != nil {
			return fail(err)
		}
		return ok(results)
	case models.WorkerActionQuery:
		if req.Query == "" {
			return fail(fmt.Errorf("query requires query text"))
		}
		chunks, err := engine.Query(ctx, req.Query, req.K)
		if err != nil {
			return fail(err)
		}
		return ok(chunks)
	case models.WorkerActionList:
		names, err := engine.List()
		if err != nil {
			return fail(err)
		}
		if names == nil {
			names = []string{}
		}
		return ok(names)
	case models.WorkerActionDelete:
		if req.Filename == "" {
			return fail(fmt.Errorf("delete requires filename"))
		}
		result, err := engine.Delete(req.Filename)
		if err != nil {
			return fail(err)
		}
		return ok(result)
	case models.WorkerActionStats:
		stats, err := engine.Stats()
		if err != nil {
			return fail(err)
		}
		return ok(stats)
	default:
		return fail(fmt.Errorf("unknown action: %q", req.Action))
	}
}

func buildEmbedder(req models.WorkerRequest) kb.Embedder {
	if req.EmbeddingProvider == "openrouter" {
		return kb.NewOpenRouterEmbedder(req.APIKey, req.ModelName)
	}
	return kb.NewOllamaEmbedder(req.OllamaURL, req.ModelName)
}

func ok(result interface{}) models.WorkerResponse {
	return models.WorkerResponse{OK: true, Result: result}
}

func fail(err error) models.WorkerResponse {
	slog.Error("worker request failed", "error", err)
	return models.WorkerResponse{OK: false, Error: err.Error()}
}
