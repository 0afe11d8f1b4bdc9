package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterClient talks to the OpenRouter API.
type OpenRouterClient struct {
	baseURL string
	apiKey  func() string
	client  *http.Client
	cache   *gocache.Cache
	metrics *Metrics
}

// NewOpenRouterClient creates an OpenRouter provider client. apiKey is read
// per request so key changes apply without a restart.
func NewOpenRouterClient(apiKey func() string, metrics *Metrics) *OpenRouterClient {
	return &OpenRouterClient{
		baseURL: openRouterBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
		metrics: metrics,
	}
}

func (c *OpenRouterClient) Name() string { return "openrouter" }

// Generate streams a chat completion over SSE and returns the accumulated
// text.
func (c *OpenRouterClient) Generate(ctx context.Context, req ChatRequest) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":  req.Model,
		"stream": true,
		"messages": []map[string]string{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": req.Prompt},
		},
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey())

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.observe(started, false)
		return "", fmt.Errorf("openrouter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.observe(started, false)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("openrouter returned status %d: %s", resp.StatusCode, string(body))
	}

	text, err := c.processStream(resp.Body)
	c.observe(started, err == nil)
	if err != nil {
		return "", err
	}
	return stripThinkTags(text), nil
}

// processStream processes the SSE stream from the provider.
func (c *OpenRouterClient) processStream(reader io.Reader) (string, error) {
	scanner := bufio.NewScanner(reader)

	// Increase buffer to 1MB for large SSE chunks (default is 64KB)
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var fullContent strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("openrouter stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 {
			fullContent.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("openrouter stream read failed: %w", err)
	}
	return fullContent.String(), nil
}

// ListModels returns the model ids OpenRouter offers, cached briefly.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]string, error) {
	if cached, ok := c.cache.Get(modelListCacheKey); ok {
		return cached.([]string), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter model list failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openrouter model list returned status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse openrouter model list: %w", err)
	}

	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	c.cache.Set(modelListCacheKey, ids, gocache.DefaultExpiration)
	return ids, nil
}

// Credits reports the account's purchased and used credit.
type Credits struct {
	TotalCredits float64 `json:"total_credits"`
	TotalUsage   float64 `json:"total_usage"`
}

// Credits fetches the current account balance.
func (c *OpenRouterClient) Credits(ctx context.Context) (Credits, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/credits", nil)
	if err != nil {
		return Credits{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey())

	resp, err := c.client.Do(req)
	if err != nil {
		return Credits{}, fmt.Errorf("openrouter credits request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credits{}, fmt.Errorf("openrouter credits returned status %d", resp.StatusCode)
	}

	var result struct {
		Data Credits `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Credits{}, fmt.Errorf("failed to parse openrouter credits: %w", err)
	}
	return result.Data, nil
}

func (c *OpenRouterClient) observe(started time.Time, ok bool) {
	if c.metrics != nil {
		c.metrics.ObserveProvider("openrouter", time.Since(started), ok)
	}
}
