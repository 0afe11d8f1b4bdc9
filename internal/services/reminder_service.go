package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tutorbot/internal/config"
	"tutorbot/internal/models"
)

// cronParser validates recurring schedules with the standard five fields.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ReminderService schedules one-shot and recurring reminders and delivers
// them to the admin chats. Reminders persist in a JSON file so they survive
// restarts.
type ReminderService struct {
	path      string
	scheduler gocron.Scheduler
	telegram  *TelegramService
	cfg       *config.Store
	metrics   *Metrics

	// recipients resolves the current broadcast audience at fire time.
	recipients func() ([]int64, error)

	// limiter paces Telegram deliveries when a reminder fans out to
	// several admins.
	limiter *rate.Limiter

	mu        sync.Mutex
	reminders map[string]models.Reminder
	jobs      map[string]gocron.Job
}

// NewReminderService creates a reminder service persisting to path.
// recipients resolves the audience a firing reminder is broadcast to.
func NewReminderService(path string, telegram *TelegramService, cfg *config.Store, recipients func() ([]int64, error), metrics *Metrics) (*ReminderService, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.Local))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &ReminderService{
		path:       path,
		scheduler:  scheduler,
		telegram:   telegram,
		cfg:        cfg,
		metrics:    metrics,
		recipients: recipients,
		limiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		reminders:  make(map[string]models.Reminder),
		jobs:       make(map[string]gocron.Job),
	}, nil
}

// Start loads persisted reminders, drops the ones whose time passed while
// the bot was down, registers the rest and starts the scheduler.
func (s *ReminderService) Start() error {
	if err := s.load(); err != nil {
		return err
	}
	s.scheduler.Start()
	slog.Info("reminder scheduler started", "reminders", len(s.reminders))
	return nil
}

// Stop shuts the scheduler down.
func (s *ReminderService) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *ReminderService) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read reminders: %w", err)
	}

	var stored []models.Reminder
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("failed to parse reminders %s: %w", s.path, err)
	}

	now := float64(time.Now().Unix())
	swept := 0
	for _, r := range stored {
		if !r.Recurring() && r.Timestamp <= now {
			swept++
			continue
		}
		if err := s.register(r); err != nil {
			slog.Warn("skipping unschedulable reminder", "id", r.ID, "error", err)
			continue
		}
		s.reminders[r.ID] = r
	}
	if swept > 0 {
		slog.Info("dropped reminders that expired while offline", "count", swept)
	}
	// Rewrite so expired entries do not come back on the next restart.
	return s.save()
}

// save rewrites the reminders file. Callers must hold s.mu.
func (s *ReminderService) save() error {
	list := make([]models.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	raw, err := json.MarshalIndent(list, "", "    ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write reminders: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// newID builds a reminder id from the schedule time, disambiguating with a
// uuid fragment when two reminders land on the same second.
func (s *ReminderService) newID(unix int64) string {
	id := fmt.Sprintf("rem_%d", unix)
	if _, taken := s.reminders[id]; taken {
		id = fmt.Sprintf("%s_%s", id, uuid.New().String()[:8])
	}
	return id
}

// Add schedules a one-shot reminder at t.
func (s *ReminderService) Add(message string, t time.Time) (models.Reminder, error) {
	if !t.After(time.Now()) {
		return models.Reminder{}, fmt.Errorf("reminder time %s is in the past", t.Format("2006-01-02 15:04"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := models.Reminder{
		ID:        s.newID(t.Unix()),
		Timestamp: float64(t.Unix()),
		DateHuman: t.Format("02/01/2006 15:04"),
		Message:   message,
	}
	if err := s.register(r); err != nil {
		return models.Reminder{}, err
	}
	s.reminders[r.ID] = r
	if err := s.save(); err != nil {
		return models.Reminder{}, err
	}
	return r, nil
}

// AddCron schedules a recurring reminder from a five-field cron expression.
func (s *ReminderService) AddCron(message, spec string) (models.Reminder, error) {
	if _, err := cronParser.Parse(spec); err != nil {
		return models.Reminder{}, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := models.Reminder{
		ID:        s.newID(time.Now().Unix()),
		Cron:      spec,
		DateHuman: spec,
		Message:   message,
	}
	if err := s.register(r); err != nil {
		return models.Reminder{}, err
	}
	s.reminders[r.ID] = r
	if err := s.save(); err != nil {
		return models.Reminder{}, err
	}
	return r, nil
}

// register creates the gocron job for r. Callers must hold s.mu.
func (s *ReminderService) register(r models.Reminder) error {
	var definition gocron.JobDefinition
	if r.Recurring() {
		definition = gocron.CronJob(r.Cron, false)
	} else {
		definition = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Unix(int64(r.Timestamp), 0)))
	}

	job, err := s.scheduler.NewJob(definition, gocron.NewTask(func() {
		s.fire(r.ID)
	}))
	if err != nil {
		return fmt.Errorf("failed to schedule reminder %s: %w", r.ID, err)
	}
	s.jobs[r.ID] = job
	return nil
}

// fire broadcasts one reminder to every known user and removes it if
// one-shot. The reminder is removed exactly once even when some deliveries
// fail.
func (s *ReminderService) fire(id string) {
	s.mu.Lock()
	r, ok := s.reminders[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	audience, err := s.recipients()
	if err != nil {
		slog.Error("failed to resolve reminder audience, falling back to admins", "id", r.ID, "error", err)
		audience = s.cfg.AdminIDs()
	}

	text := fmt.Sprintf("⏰ Reminder: %s", r.Message)
	for _, userID := range audience {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if s.metrics != nil {
			s.metrics.BroadcastsSent.Inc()
		}
		if err := s.telegram.SendMessage(ctx, userID, text, nil); err != nil {
			slog.Error("failed to deliver reminder", "id", r.ID, "user", userID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RemindersFired.Inc()
	}
	slog.Info("reminder fired", "id", r.ID, "recipients", len(audience), "recurring", r.Recurring())

	if !r.Recurring() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reminders, id)
		delete(s.jobs, id)
		if err := s.save(); err != nil {
			slog.Error("failed to persist reminder removal", "id", id, "error", err)
		}
	}
}

// List returns the pending reminders, one-shots first by time, then
// recurring ones by id.
func (s *ReminderService) List() []models.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]models.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Recurring() != b.Recurring() {
			return !a.Recurring()
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})
	return list
}

// Remove cancels and deletes one reminder.
func (s *ReminderService) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reminders[id]; !ok {
		return fmt.Errorf("no reminder with id %s", id)
	}
	if job, ok := s.jobs[id]; ok {
		if err := s.scheduler.RemoveJob(job.ID()); err != nil {
			slog.Warn("failed to remove scheduled job", "id", id, "error", err)
		}
		delete(s.jobs, id)
	}
	delete(s.reminders, id)
	return s.save()
}
