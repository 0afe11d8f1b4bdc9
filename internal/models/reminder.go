package models

// Reminder is a persisted broadcast job. One-shot reminders carry a future
// Timestamp; recurring announcements carry a cron expression instead and
// never expire on their own.
type Reminder struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp,omitempty"` // epoch seconds, one-shot only
	Cron      string  `json:"cron,omitempty"`      // recurring only
	DateHuman string  `json:"date_human,omitempty"`
	Message   string  `json:"message"`
}

// Recurring reports whether the reminder is a cron announcement.
func (r *Reminder) Recurring() bool {
	return r.Cron != ""
}
