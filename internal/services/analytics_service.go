package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InteractionRecord is one answered question, appended to the JSONL log.
type InteractionRecord struct {
	ID           string  `json:"id"`
	Timestamp    string  `json:"timestamp"`
	UserID       int64   `json:"user_id"`
	Username     string  `json:"username"`
	Question     string  `json:"question"`
	Answer       string  `json:"answer"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	ResponseSecs float64 `json:"response_secs"`
	ContextUsed  bool    `json:"context_used"`
}

// AnalyticsService appends interaction records to a JSONL file, one object
// per line. Appends are serialized so concurrent turns cannot interleave.
type AnalyticsService struct {
	path string
	mu   sync.Mutex
}

// NewAnalyticsService creates an analytics log at path.
func NewAnalyticsService(path string) *AnalyticsService {
	return &AnalyticsService{path: path}
}

// Record appends one interaction. IDs and timestamps are filled in here.
func (s *AnalyticsService) Record(rec InteractionRecord) error {
	rec.ID = uuid.New().String()
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode interaction record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open analytics log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append interaction record: %w", err)
	}
	return nil
}

// All reads every record in the log. Unparseable lines are skipped so one
// corrupt entry cannot hide the rest.
func (s *AnalyticsService) All() ([]InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var records []InteractionRecord
	for scanner.Scan() {
		var rec InteractionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// UniqueUserIDs returns every user id that appears in the log, in first-seen
// order. This is the broadcast recipient set; there is no separate subscriber
// list.
func (s *AnalyticsService) UniqueUserIDs() ([]int64, error) {
	records, err := s.All()
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{})
	var ids []int64
	for _, rec := range records {
		if _, ok := seen[rec.UserID]; ok {
			continue
		}
		seen[rec.UserID] = struct{}{}
		ids = append(ids, rec.UserID)
	}
	return ids, nil
}

// Summary aggregates the log for the admin insight command.
type Summary struct {
	TotalInteractions int
	UniqueUsers       int
	AvgResponseSecs   float64
	ByProvider        map[string]int
}

// Summarize computes usage totals over the whole log.
func (s *AnalyticsService) Summarize() (Summary, error) {
	records, err := s.All()
	if err != nil {
		return Summary{}, err
	}

	users := make(map[int64]struct{})
	byProvider := make(map[string]int)
	var totalSecs float64
	for _, rec := range records {
		users[rec.UserID] = struct{}{}
		byProvider[rec.Provider]++
		totalSecs += rec.ResponseSecs
	}

	summary := Summary{
		TotalInteractions: len(records),
		UniqueUsers:       len(users),
		ByProvider:        byProvider,
	}
	if len(records) > 0 {
		summary.AvgResponseSecs = totalSecs / float64(len(records))
	}
	return summary, nil
}

// Recent returns the last n records, newest last.
func (s *AnalyticsService) Recent(n int) ([]InteractionRecord, error) {
	records, err := s.All()
	if err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Clear truncates the log.
func (s *AnalyticsService) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
