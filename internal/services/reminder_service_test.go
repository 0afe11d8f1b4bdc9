package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tutorbot/internal/config"
)

// countingTelegram runs a Telegram API stub counting sendMessage deliveries
// per chat.
type countingTelegram struct {
	mu    sync.Mutex
	sends map[int64]int
	texts []string
}

func newCountingTelegram(t *testing.T) (*TelegramService, *countingTelegram) {
	t.Helper()
	counter := &countingTelegram{sends: make(map[int64]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			var payload struct {
				ChatID int64  `json:"chat_id"`
				Text   string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			counter.mu.Lock()
			counter.sends[payload.ChatID]++
			counter.texts = append(counter.texts, payload.Text)
			counter.mu.Unlock()
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	t.Cleanup(srv.Close)

	svc := NewTelegramService(func() string { return "test-token" }, nil)
	svc.apiBase = srv.URL
	return svc, counter
}

func (c *countingTelegram) deliveries(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[chatID]
}

func newTestReminders(t *testing.T, path string, telegram *TelegramService, recipients func() ([]int64, error)) *ReminderService {
	t.Helper()
	s, err := NewReminderService(path, telegram, testConfig(t), recipients, nil)
	if err != nil {
		t.Fatalf("Failed to create reminder service: %v", err)
	}
	return s
}

func staticRecipients(ids ...int64) func() ([]int64, error) {
	return func() ([]int64, error) { return ids, nil }
}

func TestAddRejectsPastTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	_, err := s.Add("too late", time.Now().Add(-time.Minute))
	if err == nil {
		t.Fatal("Expected error scheduling a reminder in the past")
	}
}

func TestAddCronRejectsInvalidExpression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	if _, err := s.AddCron("weekly", "not a cron"); err == nil {
		t.Fatal("Expected error for an invalid cron expression")
	}
	if _, err := s.AddCron("weekly", "0 9 * * 1"); err != nil {
		t.Fatalf("Valid five-field expression rejected: %v", err)
	}
}

func TestAddPersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	r, err := s.Add("study session", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if r.ID == "" || r.DateHuman == "" {
		t.Errorf("Reminder missing id or date: %+v", r)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reminders file not written: %v", err)
	}
	if !strings.Contains(string(raw), "study session") {
		t.Errorf("Persisted file missing the message: %s", raw)
	}
}

func TestListOrdersOneShotsFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	if _, err := s.AddCron("recurring", "0 9 * * *"); err != nil {
		t.Fatalf("AddCron failed: %v", err)
	}
	later, err := s.Add("later", time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	sooner, err := s.Add("sooner", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 reminders, got %d", len(list))
	}
	if list[0].ID != sooner.ID || list[1].ID != later.ID {
		t.Errorf("One-shots should come first by time: %+v", list)
	}
	if !list[2].Recurring() {
		t.Errorf("Recurring reminder should come last: %+v", list[2])
	}
}

func TestRemoveUnknownID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	if err := s.Remove("rem_missing"); err == nil {
		t.Fatal("Expected error removing an unknown reminder")
	}
}

func TestRemoveDeletesFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	s := newTestReminders(t, path, nil, staticRecipients())

	r, err := s.Add("short lived", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Remove(r.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "short lived") {
		t.Errorf("Removed reminder still on disk: %s", raw)
	}
	if len(s.List()) != 0 {
		t.Error("Expected empty list after remove")
	}
}

func TestStartSweepsExpiredOneShots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	stored := fmt.Sprintf(`[
    {"id":"rem_1","timestamp":%d,"message":"missed while offline"},
    {"id":"rem_2","timestamp":%d,"message":"still pending"},
    {"id":"rem_3","cron":"0 9 * * *","message":"recurring survives"}
]`, time.Now().Add(-time.Hour).Unix(), time.Now().Add(time.Hour).Unix())
	if err := os.WriteFile(path, []byte(stored), 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestReminders(t, path, nil, staticRecipients())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("Expected expired reminder swept, got %d reminders", len(list))
	}
	for _, r := range list {
		if r.ID == "rem_1" {
			t.Error("Expired reminder survived the sweep")
		}
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "missed while offline") {
		t.Error("Expired reminder still persisted after sweep")
	}
}

func TestReminderSurvivesRestartAndFires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	telegram, counter := newCountingTelegram(t)
	recipients := staticRecipients(101, 102, 103)

	// First process: schedule and stop without firing.
	first := newTestReminders(t, path, telegram, recipients)
	if _, err := first.Add("homework due", time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Second process: loads the persisted reminder and fires it.
	second := newTestReminders(t, path, telegram, recipients)
	if err := second.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer second.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if counter.deliveries(101) > 0 && counter.deliveries(102) > 0 && counter.deliveries(103) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, chatID := range []int64{101, 102, 103} {
		if got := counter.deliveries(chatID); got != 1 {
			t.Errorf("Expected exactly 1 delivery to %d, got %d", chatID, got)
		}
	}
	counter.mu.Lock()
	text := strings.Join(counter.texts, "\n")
	counter.mu.Unlock()
	if !strings.Contains(text, "homework due") {
		t.Errorf("Delivered text missing the message: %q", text)
	}

	// The fired one-shot must be gone from memory and disk.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(second.List()) > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if got := len(second.List()); got != 0 {
		t.Errorf("Expected fired reminder removed, %d still listed", got)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "homework due") {
		t.Error("Fired reminder still persisted")
	}
}

func TestFireFallsBackToAdminsOnAudienceError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reminders.json")
	telegram, counter := newCountingTelegram(t)

	cfg := testConfig(t)
	cfg.Set(config.KeyAdminID, "900")

	s, err := NewReminderService(path, telegram, cfg, func() ([]int64, error) {
		return nil, fmt.Errorf("analytics log unreadable")
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create reminder service: %v", err)
	}
	if _, err := s.Add("fallback delivery", time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && counter.deliveries(900) == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if counter.deliveries(900) != 1 {
		t.Errorf("Expected fallback delivery to the admin, got %d", counter.deliveries(900))
	}
}
