package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/leonid-shevtsov/telegold"
	"github.com/yuin/goldmark"

	"tutorbot/internal/models"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramService talks to the Telegram Bot API over plain HTTP.
type TelegramService struct {
	apiBase    string
	token      func() string
	httpClient *http.Client
	metrics    *Metrics
}

// NewTelegramService creates a Telegram client. token is read per request so
// a token change in the configuration applies without a restart.
func NewTelegramService(token func() string, metrics *Metrics) *TelegramService {
	return &TelegramService{
		apiBase:    telegramAPIBase,
		token:      token,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		metrics:    metrics,
	}
}

func (s *TelegramService) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", s.apiBase, s.token(), method)
}

// post sends one API call and decodes the envelope, returning the raw result.
func (s *TelegramService) post(ctx context.Context, method string, payload map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("telegram %s returned unparseable body: %.200s", method, string(raw))
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram %s error: %s", method, envelope.Description)
	}
	return envelope.Result, nil
}

// GetMe verifies the token and returns the bot's own account.
func (s *TelegramService) GetMe(ctx context.Context) (*models.TelegramUser, error) {
	raw, err := s.post(ctx, "getMe", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var me models.TelegramUser
	if err := json.Unmarshal(raw, &me); err != nil {
		return nil, fmt.Errorf("failed to parse getMe result: %w", err)
	}
	return &me, nil
}

// GetUpdates long-polls for new updates after offset.
func (s *TelegramService) GetUpdates(ctx context.Context, offset int64, timeout int) ([]models.TelegramUpdate, error) {
	raw, err := s.post(ctx, "getUpdates", map[string]interface{}{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []models.TelegramUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse updates: %w", err)
	}
	return updates, nil
}

// Telegram Markdown converter using telegold (goldmark with Telegram HTML renderer)
var telegramMarkdownConverter = goldmark.New(goldmark.WithRenderer(telegold.NewRenderer()))

// convertToTelegramHTML converts standard Markdown to Telegram-compatible HTML.
func convertToTelegramHTML(text string) string {
	var buf bytes.Buffer
	if err := telegramMarkdownConverter.Convert([]byte(text), &buf); err != nil {
		slog.Warn("markdown conversion failed", "error", err)
		return text
	}
	return buf.String()
}

// SendMessage sends a message in HTML format, falling back to plain text when
// Telegram rejects the markup. markup may be nil.
func (s *TelegramService) SendMessage(ctx context.Context, chatID int64, text string, markup *models.InlineKeyboardMarkup) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       convertToTelegramHTML(text),
		"parse_mode": "HTML",
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}

	_, err := s.post(ctx, "sendMessage", payload)
	if err == nil {
		if s.metrics != nil {
			s.metrics.MessagesSent.WithLabelValues("reply").Inc()
		}
		return nil
	}

	if strings.Contains(err.Error(), "can't parse entities") {
		// Retry without parse_mode.
		slog.Warn("html send rejected, retrying as plain text", "chat_id", chatID)
		payload = map[string]interface{}{
			"chat_id": chatID,
			"text":    stripMarkdown(text),
		}
		if markup != nil {
			payload["reply_markup"] = markup
		}
		if _, err := s.post(ctx, "sendMessage", payload); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.MessagesSent.WithLabelValues("reply").Inc()
		}
		return nil
	}
	return err
}

// stripMarkdown removes Markdown formatting for the plain text fallback.
func stripMarkdown(text string) string {
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	codeBlockPattern := regexp.MustCompile("```[a-zA-Z]*\\n([\\s\\S]*?)```")
	text = codeBlockPattern.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "`", "")
	text = strings.ReplaceAll(text, "~~", "")
	headerPattern := regexp.MustCompile(`(?m)^#{1,6}\s+`)
	text = headerPattern.ReplaceAllString(text, "")
	linkPattern := regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	return text
}

// SendMessageChunked sends a long message by splitting it into chunks.
// Telegram has a 4096 character limit per message.
func (s *TelegramService) SendMessageChunked(ctx context.Context, chatID int64, text string) error {
	const maxChunkSize = 4000 // margin under the hard limit

	if len(text) <= maxChunkSize {
		return s.SendMessage(ctx, chatID, text, nil)
	}

	chunks := splitMessageIntoChunks(text, maxChunkSize)
	totalChunks := len(chunks)
	slog.Debug("splitting long message", "chars", len(text), "chunks", totalChunks)

	for i, chunk := range chunks {
		if totalChunks > 1 {
			chunk = fmt.Sprintf("**[Part %d/%d]**\n\n%s", i+1, totalChunks, chunk)
		}
		if err := s.SendMessage(ctx, chatID, chunk, nil); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, totalChunks, err)
		}
		// Small delay between chunks to avoid rate limiting.
		if i < totalChunks-1 {
			time.Sleep(300 * time.Millisecond)
		}
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues("chunked").Inc()
	}
	return nil
}

// splitMessageIntoChunks splits a message into chunks respecting boundaries.
func splitMessageIntoChunks(text string, maxSize int) []string {
	if len(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}

		chunk := remaining[:maxSize]
		breakPoint := maxSize

		// Prefer code block, paragraph, line, sentence, then word boundaries.
		if idx := strings.LastIndex(chunk, "\n```"); idx > maxSize/2 {
			breakPoint = idx + 1
		} else if idx := strings.LastIndex(chunk, "```\n"); idx > maxSize/2 {
			breakPoint = idx + 4
		} else if idx := strings.LastIndex(chunk, "\n\n"); idx > maxSize/2 {
			breakPoint = idx + 2
		} else if idx := strings.LastIndex(chunk, "\n"); idx > maxSize/2 {
			breakPoint = idx + 1
		} else if idx := strings.LastIndex(chunk, ". "); idx > maxSize/2 {
			breakPoint = idx + 2
		} else if idx := strings.LastIndex(chunk, " "); idx > maxSize/2 {
			breakPoint = idx + 1
		}

		chunks = append(chunks, strings.TrimSpace(remaining[:breakPoint]))
		remaining = strings.TrimSpace(remaining[breakPoint:])
	}

	return chunks
}

// SendTypingAction shows the "typing..." indicator once.
func (s *TelegramService) SendTypingAction(ctx context.Context, chatID int64) error {
	_, err := s.post(ctx, "sendChatAction", map[string]interface{}{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// SendContinuousTypingAction refreshes the typing indicator every 4 seconds
// until ctx is cancelled. Telegram's indicator only lasts about 5 seconds.
func (s *TelegramService) SendContinuousTypingAction(ctx context.Context, chatID int64) {
	s.SendTypingAction(ctx, chatID)

	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendTypingAction(ctx, chatID); err != nil {
				slog.Warn("failed to send typing action", "error", err)
				return
			}
		}
	}
}

// SendDocument uploads a file to the chat with an optional caption.
func (s *TelegramService) SendDocument(ctx context.Context, chatID int64, path, caption string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.methodURL("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendDocument failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram sendDocument error: %s", string(raw))
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues("document").Inc()
	}
	return nil
}

// AnswerCallbackQuery acknowledges a button press so the client stops its
// spinner.
func (s *TelegramService) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, err := s.post(ctx, "answerCallbackQuery", payload)
	return err
}

// EditMessageText rewrites a previously sent message, dropping its keyboard.
func (s *TelegramService) EditMessageText(ctx context.Context, chatID int64, messageID int64, text string) error {
	_, err := s.post(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       convertToTelegramHTML(text),
		"parse_mode": "HTML",
	})
	return err
}

// DownloadFile fetches an uploaded file's bytes and its Telegram file path.
func (s *TelegramService) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	raw, err := s.post(ctx, "getFile", map[string]interface{}{"file_id": fileID})
	if err != nil {
		return nil, "", err
	}
	var info struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, "", fmt.Errorf("failed to parse getFile result: %w", err)
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", s.apiBase, s.token(), info.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram file download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, info.FilePath, nil
}
