package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testAnalytics(t *testing.T) *AnalyticsService {
	t.Helper()
	return NewAnalyticsService(filepath.Join(t.TempDir(), "history.jsonl"))
}

func TestRecordAndAll(t *testing.T) {
	s := testAnalytics(t)

	if err := s.Record(InteractionRecord{UserID: 1, Username: "ana", Question: "q1", Answer: "a1", Provider: "ollama", Model: "llama3.2", ResponseSecs: 1.5}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(InteractionRecord{UserID: 2, Username: "bob", Question: "q2", Answer: "a2", Provider: "openrouter", Model: "gpt-4o-mini", ResponseSecs: 2.5}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	records, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ID == "" || records[0].Timestamp == "" {
		t.Error("Record should fill in ID and timestamp")
	}
	if records[0].Question != "q1" || records[1].Question != "q2" {
		t.Errorf("Records out of order: %+v", records)
	}
}

func TestAllOnMissingFile(t *testing.T) {
	s := testAnalytics(t)
	records, err := s.All()
	if err != nil {
		t.Fatalf("All on a missing log should succeed, got: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records, got %d", len(records))
	}
}

func TestAllSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"id":"1","user_id":1,"question":"ok"}
this line is not json
{"id":"2","user_id":2,"question":"also ok"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewAnalyticsService(path)

	records, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected corrupt line skipped, got %d records", len(records))
	}
}

func TestUniqueUserIDsFirstSeenOrder(t *testing.T) {
	s := testAnalytics(t)

	for _, id := range []int64{5, 3, 5, 9, 3, 5} {
		if err := s.Record(InteractionRecord{UserID: id, Question: "q", Answer: "a"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	ids, err := s.UniqueUserIDs()
	if err != nil {
		t.Fatalf("UniqueUserIDs failed: %v", err)
	}
	want := []int64{5, 3, 9}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, ids)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := testAnalytics(t)

	s.Record(InteractionRecord{UserID: 1, Provider: "ollama", ResponseSecs: 2})
	s.Record(InteractionRecord{UserID: 1, Provider: "ollama", ResponseSecs: 4})
	s.Record(InteractionRecord{UserID: 2, Provider: "openrouter", ResponseSecs: 6})

	summary, err := s.Summarize()
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.TotalInteractions != 3 {
		t.Errorf("Expected 3 interactions, got %d", summary.TotalInteractions)
	}
	if summary.UniqueUsers != 2 {
		t.Errorf("Expected 2 unique users, got %d", summary.UniqueUsers)
	}
	if summary.AvgResponseSecs != 4 {
		t.Errorf("Expected average 4s, got %v", summary.AvgResponseSecs)
	}
	if summary.ByProvider["ollama"] != 2 || summary.ByProvider["openrouter"] != 1 {
		t.Errorf("Unexpected provider breakdown %v", summary.ByProvider)
	}
}

func TestRecentReturnsTail(t *testing.T) {
	s := testAnalytics(t)

	for i := 0; i < 5; i++ {
		s.Record(InteractionRecord{UserID: 1, Question: strings.Repeat("x", i+1)})
	}

	recent, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recent))
	}
	if recent[0].Question != "xxxx" || recent[1].Question != "xxxxx" {
		t.Errorf("Expected the two newest records, got %+v", recent)
	}
}

func TestClearAnalytics(t *testing.T) {
	s := testAnalytics(t)
	s.Record(InteractionRecord{UserID: 1})

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	records, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected empty log after clear, got %d records", len(records))
	}
}
