package services

import (
	"context"
	"regexp"
	"strings"
)

// ChatRequest is one completion request to an LLM provider.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Provider generates chat completions. Implementations stream internally and
// return the accumulated text.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req ChatRequest) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripThinkTags removes reasoning blocks some models emit before the answer.
func stripThinkTags(s string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(s, ""))
}

// isQwenModel reports whether the model honors the /no_think prompt hint.
func isQwenModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "qwen")
}
