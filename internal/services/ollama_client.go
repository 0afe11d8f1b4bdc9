package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
	metrics *Metrics
}

const modelListCacheKey = "models"

// NewOllamaClient creates an Ollama provider client.
func NewOllamaClient(baseURL string, metrics *Metrics) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
		metrics: metrics,
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

// Generate streams a chat completion and returns the accumulated text with
// any reasoning blocks stripped.
func (c *OllamaClient) Generate(ctx context.Context, req ChatRequest) (string, error) {
	prompt := req.Prompt
	if isQwenModel(req.Model) {
		// Qwen honors an inline hint to skip its thinking phase.
		prompt += " /no_think"
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":  req.Model,
		"stream": true,
		"messages": []map[string]string{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": prompt},
		},
		"options": map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.observe(started, false)
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.observe(started, false)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	text, err := c.readStream(resp.Body)
	c.observe(started, err == nil)
	if err != nil {
		return "", err
	}
	return stripThinkTags(text), nil
}

// readStream accumulates the NDJSON response stream. Each line carries one
// message fragment; done=true ends the stream.
func (c *OllamaClient) readStream(reader io.Reader) (string, error) {
	scanner := bufio.NewScanner(reader)

	// Increase buffer to 1MB for large chunks (default is 64KB)
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var fullContent strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var chunk struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done  bool   `json:"done"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Debug("skipping unparseable ollama chunk", "line", line)
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		fullContent.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ollama stream read failed: %w", err)
	}
	return fullContent.String(), nil
}

// ListModels returns the locally installed model names, cached briefly so the
// settings commands do not hammer the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	if cached, ok := c.cache.Get(modelListCacheKey); ok {
		return cached.([]string), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama model list failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama model list returned status %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse ollama model list: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	c.cache.Set(modelListCacheKey, names, gocache.DefaultExpiration)
	return names, nil
}

func (c *OllamaClient) observe(started time.Time, ok bool) {
	if c.metrics != nil {
		c.metrics.ObserveProvider("ollama", time.Since(started), ok)
	}
}
