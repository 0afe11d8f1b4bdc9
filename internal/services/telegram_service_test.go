package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *TelegramService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc := NewTelegramService(func() string { return "test-token" }, nil)
	svc.apiBase = srv.URL
	return svc
}

func TestSendMessageHTML(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}
	svc := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotPayload)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	if err := svc.SendMessage(context.Background(), 42, "hello **world**", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("Unexpected path %q", gotPath)
	}
	if gotPayload["parse_mode"] != "HTML" {
		t.Errorf("Expected HTML parse mode, got %v", gotPayload["parse_mode"])
	}
	text, _ := gotPayload["text"].(string)
	if !strings.Contains(text, "<b>world</b>") {
		t.Errorf("Expected bold converted to HTML, got %q", text)
	}
}

func TestSendMessageFallsBackToPlainText(t *testing.T) {
	var calls []map[string]interface{}
	svc := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		json.Unmarshal(body, &payload)
		calls = append(calls, payload)
		if payload["parse_mode"] == "HTML" {
			w.Write([]byte(`{"ok":false,"description":"Bad Request: can't parse entities"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	if err := svc.SendMessage(context.Background(), 42, "broken <tag **bold**", nil); err != nil {
		t.Fatalf("Expected fallback to succeed, got: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("Expected 2 API calls, got %d", len(calls))
	}
	if _, hasMode := calls[1]["parse_mode"]; hasMode {
		t.Error("Fallback call should not set parse_mode")
	}
	text, _ := calls[1]["text"].(string)
	if strings.Contains(text, "**") {
		t.Errorf("Fallback text should have markdown stripped, got %q", text)
	}
}

func TestSendMessageOtherErrorsPropagate(t *testing.T) {
	svc := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
	})

	err := svc.SendMessage(context.Background(), 42, "hi", nil)
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("Expected blocked error to propagate, got: %v", err)
	}
}

func TestGetUpdatesParsesMessages(t *testing.T) {
	svc := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"text":"hi","chat":{"id":5},"from":{"id":5,"first_name":"Ana"}}},
			{"update_id":11,"message":{"message_id":2,"text":"there","chat":{"id":5},"from":{"id":5,"first_name":"Ana"}}}
		]}`))
	})

	updates, err := svc.GetUpdates(context.Background(), 0, 30)
	if err != nil {
		t.Fatalf("GetUpdates failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0].UpdateID != 10 || updates[0].Message.Text != "hi" {
		t.Errorf("Unexpected first update %+v", updates[0])
	}
}

func TestStripMarkdown(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"**bold** and __underline__", "bold and underline"},
		{"inline `code` here", "inline code here"},
		{"# Header\ntext", "Header\ntext"},
		{"[link](https://example.com)", "link (https://example.com)"},
		{"```go\nfmt.Println(1)\n```", "fmt.Println(1)\n"},
		{"~~gone~~", "gone"},
	}
	for _, c := range cases {
		if got := stripMarkdown(c.in); got != c.want {
			t.Errorf("stripMarkdown(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSplitMessageIntoChunks(t *testing.T) {
	// Paragraph boundaries are preferred over mid-sentence cuts.
	text := strings.Repeat("First paragraph with several words in it.\n\n", 40)
	chunks := splitMessageIntoChunks(text, 500)

	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 500 {
			t.Errorf("Chunk %d over size: %d chars", i, len(c))
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c, ".") {
			t.Errorf("Chunk %d should end at a paragraph boundary, ends %q", i, c[len(c)-20:])
		}
	}

	joined := strings.Join(chunks, " ")
	if !strings.Contains(joined, "First paragraph") {
		t.Error("Content lost during chunking")
	}
}

func TestSplitMessageShortTextUntouched(t *testing.T) {
	chunks := splitMessageIntoChunks("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("Expected single untouched chunk, got %v", chunks)
	}
}

func TestSplitMessageUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 1200)
	chunks := splitMessageIntoChunks(text, 500)
	total := 0
	for i, c := range chunks {
		if len(c) > 500 {
			t.Errorf("Chunk %d over size: %d", i, len(c))
		}
		total += len(c)
	}
	if total != 1200 {
		t.Errorf("Expected all 1200 chars kept, got %d", total)
	}
}

func TestGetMe(t *testing.T) {
	svc := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Tutor","username":"tutor_bot"}}`))
	})

	me, err := svc.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe failed: %v", err)
	}
	if me.Username != "tutor_bot" {
		t.Errorf("Unexpected username %q", me.Username)
	}
}
