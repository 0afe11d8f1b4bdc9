package services

import (
	"strings"
	"sync"
	"time"

	"tutorbot/internal/config"
)

// rateWindow is the span of the sliding rate limit window.
const rateWindow = time.Minute

// Exchange is one completed question and answer pair.
type Exchange struct {
	Question string
	Answer   string
}

// SessionService tracks per-user conversational state: the sliding window
// rate limiter, the short conversation memory fed back into prompts, and the
// day the user last saw the menu.
type SessionService struct {
	cfg *config.Store
	now func() time.Time

	mu          sync.Mutex
	requests    map[int64][]time.Time
	history     map[int64][]Exchange
	lastGreeted map[int64]string // userID -> YYYY-MM-DD
}

// NewSessionService creates a session service reading its ceilings from cfg.
func NewSessionService(cfg *config.Store) *SessionService {
	return &SessionService{
		cfg:         cfg,
		now:         time.Now,
		requests:    make(map[int64][]time.Time),
		history:     make(map[int64][]Exchange),
		lastGreeted: make(map[int64]string),
	}
}

// Allow records one request for userID if the user is under the per-minute
// ceiling and reports whether the message may proceed. A refused message does
// not consume budget, so a user at the ceiling regains capacity as old
// requests age out rather than being pushed further back by retries.
func (s *SessionService) Allow(userID int64) bool {
	limit := s.cfg.GetInt(config.KeyRateLimitPerMinute, 10)
	if limit <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-rateWindow)
	recent := s.requests[userID][:0]
	for _, t := range s.requests[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.requests[userID] = recent

	if len(recent) >= limit {
		return false
	}
	s.requests[userID] = append(recent, now)
	return true
}

// RetryAfter estimates how long userID must wait for a slot to free up.
func (s *SessionService) RetryAfter(userID int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	times := s.requests[userID]
	if len(times) == 0 {
		return 0
	}
	wait := rateWindow - s.now().Sub(times[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Remember appends one exchange to the user's conversation memory, trimming
// the oldest entries to the configured size. The size is read live so
// lowering it takes effect on the next turn.
func (s *SessionService) Remember(userID int64, question, answer string) {
	size := s.cfg.GetInt(config.KeyChatHistorySize, 5)
	if size <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[userID], Exchange{Question: question, Answer: answer})
	if len(h) > size {
		h = h[len(h)-size:]
	}
	s.history[userID] = h
}

// History returns a copy of the user's remembered exchanges, trimmed to the
// current configured size.
func (s *SessionService) History(userID int64) []Exchange {
	size := s.cfg.GetInt(config.KeyChatHistorySize, 5)
	if size <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[userID]
	if len(h) > size {
		h = h[len(h)-size:]
	}
	out := make([]Exchange, len(h))
	copy(out, h)
	return out
}

// HistoryText renders the user's memory as prompt context lines.
func (s *SessionService) HistoryText(userID int64) string {
	exchanges := s.History(userID)
	if len(exchanges) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, e := range exchanges {
		sb.WriteString("Student: ")
		sb.WriteString(e.Question)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(e.Answer)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ClearHistory forgets a user's conversation memory.
func (s *SessionService) ClearHistory(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, userID)
}

// Seen reports whether userID has ever been greeted this process lifetime.
func (s *SessionService) Seen(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastGreeted[userID]
	return ok
}

// ShouldGreet reports whether userID has not yet been greeted today, marking
// today as greeted when it returns true.
func (s *SessionService) ShouldGreet(userID int64) bool {
	today := s.now().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastGreeted[userID] == today {
		return false
	}
	s.lastGreeted[userID] = today
	return true
}
