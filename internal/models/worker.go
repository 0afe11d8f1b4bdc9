package models

// Worker protocol actions. Every operation that touches the knowledge store
// runs in a fresh kbworker process: one JSON request on stdin, one JSON
// response as the final stdout line, then the process exits.
const (
	WorkerActionIngest = "ingest"
	WorkerActionQuery  = "query"
	WorkerActionList   = "list"
	WorkerActionDelete = "delete"
	WorkerActionClear  = "clear"
	WorkerActionStats  = "stats"
)

// WorkerRequest is the single request object written to the worker's stdin.
// Store and embedding configuration is threaded through every call so the
// worker holds no state of its own between invocations.
type WorkerRequest struct {
	Action            string `json:"action"`
	StoreDir          string `json:"store_dir"`
	ModelName         string `json:"model_name"`
	EmbeddingProvider string `json:"embedding_provider"`
	APIKey            string `json:"api_key,omitempty"`
	OllamaURL         string `json:"ollama_url,omitempty"`

	// Action-specific fields
	FilePaths []string `json:"file_paths,omitempty"` // ingest
	Query     string   `json:"query,omitempty"`      // query
	K         int      `json:"k,omitempty"`          // query
	Filename  string   `json:"filename,omitempty"`   // delete
}

// WorkerResponse is the single response object read from the worker's stdout.
type WorkerResponse struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// IngestResult is the aggregated outcome of an ingest action. Per-file
// failures are collected into Filename rather than aborting the batch.
type IngestResult struct {
	ChunksCount int    `json:"chunks_count"`
	Filename    string `json:"filename"`
}

// RetrievedChunk is one query hit.
type RetrievedChunk struct {
	PageContent string            `json:"page_content"`
	Metadata    map[string]string `json:"metadata"`
}

// DeleteResult reports how many chunks a delete removed.
type DeleteResult struct {
	DeletedCount int    `json:"deleted_count"`
	Filename     string `json:"filename"`
}

// StoreStats summarizes the knowledge store.
type StoreStats struct {
	FileCount  int `json:"file_count"`
	ChunkCount int `json:"chunk_count"`
}
