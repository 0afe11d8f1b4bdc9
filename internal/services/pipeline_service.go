package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tutorbot/internal/bridge"
	"tutorbot/internal/config"
	"tutorbot/internal/logging"
	"tutorbot/internal/models"
)

// PipelineService drives the per-update state machine: admission, greeting,
// retrieval, generation, reply and side effects. One pipeline task runs per
// inbound update.
type PipelineService struct {
	cfg        *config.Store
	telegram   *TelegramService
	session    *SessionService
	worker     *WorkerClient
	analytics  *AnalyticsService
	reminders  *ReminderService
	ollama     *OllamaClient
	openrouter *OpenRouterClient
	runner     *bridge.Runner
	metrics    *Metrics

	// broadcastLimiter paces outbound fan-out so Telegram does not throttle
	// the bot.
	broadcastLimiter *rate.Limiter

	// restart replaces the process image; injected by the daemon.
	restart func() error

	startedAt time.Time
}

// NewPipelineService wires the pipeline's collaborators together.
func NewPipelineService(
	cfg *config.Store,
	telegram *TelegramService,
	session *SessionService,
	worker *WorkerClient,
	analytics *AnalyticsService,
	reminders *ReminderService,
	ollama *OllamaClient,
	openrouter *OpenRouterClient,
	runner *bridge.Runner,
	metrics *Metrics,
	restart func() error,
) *PipelineService {
	return &PipelineService{
		cfg:              cfg,
		telegram:         telegram,
		session:          session,
		worker:           worker,
		analytics:        analytics,
		reminders:        reminders,
		ollama:           ollama,
		openrouter:       openrouter,
		runner:           runner,
		metrics:          metrics,
		broadcastLimiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		restart:          restart,
		startedAt:        time.Now(),
	}
}

// provider returns the chat provider selected by configuration.
func (p *PipelineService) provider() Provider {
	if p.cfg.GetString(config.KeyAIProvider, config.ProviderOllama) == config.ProviderOpenRouter {
		return p.openrouter
	}
	return p.ollama
}

// chatModel returns the configured model for the active provider.
func (p *PipelineService) chatModel() string {
	if p.cfg.GetString(config.KeyAIProvider, config.ProviderOllama) == config.ProviderOpenRouter {
		return p.cfg.GetString(config.KeyOpenRouterModel, "openai/gpt-3.5-turbo")
	}
	return p.cfg.GetString(config.KeyOllamaModel, "llama3:latest")
}

// Run long-polls Telegram for updates until ctx is cancelled, spawning one
// pipeline task per update through the bridge.
func (p *PipelineService) Run(ctx context.Context) error {
	me, err := p.telegram.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram token check failed: %w", err)
	}
	slog.Info("bot online", "username", me.Username)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.telegram.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("getUpdates failed, backing off", "error", err)
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			u := update
			if _, err := p.runner.Submit("pipeline", func(taskCtx context.Context) (interface{}, error) {
				p.HandleUpdate(taskCtx, u)
				return nil, nil
			}); err != nil {
				slog.Warn("dropping update, dispatcher unavailable", "update_id", u.UpdateID, "error", err)
			}
		}
	}
}

// HandleUpdate processes one inbound update end-to-end. Failures are
// contained here so one user's bad turn never touches another's.
func (p *PipelineService) HandleUpdate(ctx context.Context, update models.TelegramUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline task panicked", "update_id", update.UpdateID, "panic", rec)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		p.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Document != nil:
		p.handleDocument(ctx, update.Message)
	case update.Message != nil && update.Message.Text != "":
		p.handleText(ctx, update.Message)
	}
}

func (p *PipelineService) handleText(ctx context.Context, msg *models.TelegramMessage) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	log := logging.WithUser(userID)

	text := strings.TrimSpace(msg.Text)
	// Legacy alternate prefix: a leading backslash dispatches as the slash
	// command.
	if strings.HasPrefix(text, "\\") {
		text = "/" + strings.TrimPrefix(text, "\\")
	}

	// Admission.
	if !p.session.Allow(userID) {
		if p.metrics != nil {
			p.metrics.RateLimited.Inc()
			p.metrics.TurnsProcessed.WithLabelValues("rate_limited").Inc()
		}
		wait := p.session.RetryAfter(userID)
		log.Info("rate limited", "retry_after", wait)
		p.reply(ctx, chatID, fmt.Sprintf("⏳ You are sending messages too fast. Please wait about %d seconds.", int(wait.Seconds())+1))
		return
	}

	if strings.HasPrefix(text, "/") {
		p.dispatchCommand(ctx, msg, text)
		if p.metrics != nil {
			p.metrics.TurnsProcessed.WithLabelValues("command").Inc()
		}
		return
	}

	// First contact gets the welcome; returning users get the menu again
	// once per calendar day.
	known := p.session.Seen(userID)
	if p.session.ShouldGreet(userID) {
		if known {
			p.sendMenu(ctx, chatID)
		} else {
			p.sendWelcome(ctx, chatID, msg.From)
		}
	}

	p.answerQuestion(ctx, msg, text)
}

// answerQuestion runs the conversational branch: retrieval, prompt assembly,
// generation, reply and side effects.
func (p *PipelineService) answerQuestion(ctx context.Context, msg *models.TelegramMessage, question string) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	log := logging.WithUser(userID)
	started := time.Now()

	// Keep the typing indicator fresh for the whole turn.
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go p.telegram.SendContinuousTypingAction(typingCtx, chatID)

	// Context retrieval degrades to empty context rather than failing the
	// turn.
	contextText := ""
	k := p.cfg.GetInt(config.KeyRAGTopK, 8)
	chunks, err := p.worker.Query(ctx, question, k)
	if err != nil {
		log.Warn("context retrieval failed, answering without context", "error", err)
	} else {
		var sb strings.Builder
		for _, c := range chunks {
			sb.WriteString(c.PageContent)
			sb.WriteString("\n\n")
		}
		contextText = strings.TrimSpace(sb.String())
	}

	prompt := p.assemblePrompt(userID, contextText, question)
	provider := p.provider()

	answer, err := provider.Generate(ctx, ChatRequest{
		Model:        p.chatModel(),
		SystemPrompt: p.cfg.GetString(config.KeySystemPrompt, ""),
		Prompt:       prompt,
		Temperature:  p.cfg.GetFloat(config.KeyTemperature, 0.7),
		MaxTokens:    p.cfg.GetInt(config.KeyMaxTokens, 2048),
	})
	stopTyping()

	if err != nil {
		log.Error("generation failed", "provider", provider.Name(), "error", err)
		if p.metrics != nil {
			p.metrics.TurnsProcessed.WithLabelValues("error").Inc()
		}
		p.notifyAdmins(ctx, fmt.Sprintf("⚠️ Generation error for user %d: %v", userID, err))
		p.reply(ctx, chatID, "😔 Sorry, I could not produce an answer right now. Please try again in a moment.")
		p.sendMenu(ctx, chatID)
		return
	}

	answer = cleanupResponse(answer)
	if answer == "" {
		answer = "I do not have an answer for that."
	}

	if err := p.telegram.SendMessageChunked(ctx, chatID, answer); err != nil {
		log.Error("failed to send reply", "error", err)
	}
	p.sendMenu(ctx, chatID)

	// Side effects.
	p.session.Remember(userID, question, answer)
	elapsed := time.Since(started)
	if err := p.analytics.Record(InteractionRecord{
		UserID:       userID,
		Username:     msg.From.Username,
		Question:     question,
		Answer:       answer,
		Provider:     provider.Name(),
		Model:        p.chatModel(),
		ResponseSecs: elapsed.Seconds(),
		ContextUsed:  contextText != "",
	}); err != nil {
		log.Warn("failed to record interaction", "error", err)
	}
	if p.metrics != nil {
		p.metrics.TurnsProcessed.WithLabelValues("answered").Inc()
		p.metrics.TurnLatency.Observe(elapsed.Seconds())
	}
	log.Info("turn answered", "elapsed", elapsed, "context_used", contextText != "")
}

// assemblePrompt builds the single generation request from date, context,
// memory and the new question.
func (p *PipelineService) assemblePrompt(userID int64, contextText, question string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[Current date and time: %s]\n\n", time.Now().Format("Monday, 02 January 2006, 15:04")))

	if contextText != "" {
		sb.WriteString("Context from the knowledge base:\n")
		sb.WriteString(contextText)
		sb.WriteString("\n\n")
	}

	if history := p.session.HistoryText(userID); history != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(history)
		sb.WriteString("\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer based on the context above. If the context does not contain the information, say you do not know.")
	return sb.String()
}

var (
	latexInlineRe  = regexp.MustCompile(`\${1,2}([^$]+)\${1,2}`)
	latexFracRe    = regexp.MustCompile(`\\frac\{([^{}]*)\}\{([^{}]*)\}`)
	latexSqrtRe    = regexp.MustCompile(`\\sqrt\{([^{}]*)\}`)
	latexCommandRe = regexp.MustCompile(`\\(left|right|,|;|!)`)
)

// cleanupResponse strips model formatting artifacts (markdown markers and
// LaTeX fragments) so the reply reads as plain chat text.
func cleanupResponse(text string) string {
	text = stripThinkTags(text)
	text = latexFracRe.ReplaceAllString(text, "($1)/($2)")
	text = latexSqrtRe.ReplaceAllString(text, "√($1)")
	text = latexInlineRe.ReplaceAllString(text, "$1")
	text = latexCommandRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, `\times`, "×")
	text = strings.ReplaceAll(text, `\cdot`, "·")
	text = stripMarkdown(text)
	return strings.TrimSpace(text)
}

// reply sends a plain message, logging failures instead of propagating them.
func (p *PipelineService) reply(ctx context.Context, chatID int64, text string) {
	if err := p.telegram.SendMessage(ctx, chatID, text, nil); err != nil {
		slog.Error("failed to send message", "chat_id", chatID, "error", err)
	}
}

// sendWelcome sends the configured welcome template with name substitution,
// then the menu.
func (p *PipelineService) sendWelcome(ctx context.Context, chatID int64, user *models.TelegramUser) {
	welcome := p.cfg.GetString(config.KeyWelcomeMessage, "Hello, {name}!")
	welcome = strings.ReplaceAll(welcome, "{name}", user.FullName())
	p.reply(ctx, chatID, welcome)
	p.sendMenu(ctx, chatID)
}

// notifyAdmins sends text to every configured administrator.
func (p *PipelineService) notifyAdmins(ctx context.Context, text string) {
	for _, adminID := range p.cfg.AdminIDs() {
		if err := p.telegram.SendMessage(ctx, adminID, text, nil); err != nil {
			slog.Warn("failed to notify admin", "admin", adminID, "error", err)
		}
	}
}

// broadcast delivers text to every known user at a paced rate, tolerating
// per-user failures. It returns delivered and failed counts.
func (p *PipelineService) broadcast(ctx context.Context, text string) (sent, failed int) {
	ids, err := p.analytics.UniqueUserIDs()
	if err != nil {
		slog.Error("failed to resolve broadcast audience", "error", err)
		return 0, 0
	}
	for _, userID := range ids {
		if err := p.broadcastLimiter.Wait(ctx); err != nil {
			break
		}
		if p.metrics != nil {
			p.metrics.BroadcastsSent.Inc()
		}
		if err := p.telegram.SendMessage(ctx, userID, text, nil); err != nil {
			failed++
			slog.Warn("broadcast delivery failed", "user", userID, "error", err)
			continue
		}
		sent++
	}
	return sent, failed
}

// handleDocument downloads an admin's uploaded document into the files
// directory and ingests it.
func (p *PipelineService) handleDocument(ctx context.Context, msg *models.TelegramMessage) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	if !p.cfg.IsAdmin(msg.From.ID) {
		p.reply(ctx, chatID, "⛔ Only administrators can add documents.")
		return
	}

	doc := msg.Document
	if !supportedUpload(doc.FileName) {
		p.reply(ctx, chatID, fmt.Sprintf("Unsupported file type. Accepted: %s", strings.Join([]string{".txt", ".md", ".csv", ".pdf"}, ", ")))
		return
	}

	p.reply(ctx, chatID, fmt.Sprintf("📥 Receiving %s...", doc.FileName))

	data, _, err := p.telegram.DownloadFile(ctx, doc.FileID)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Download failed: %v", err))
		return
	}

	filesDir := p.cfg.GetString(config.KeyFilesDir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not store the file: %v", err))
		return
	}
	path := filepath.Join(filesDir, filepath.Base(doc.FileName))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not store the file: %v", err))
		return
	}

	results, err := p.worker.Ingest(ctx, []string{path})
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Ingestion failed: %v", err))
		return
	}

	var lines []string
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("• %s: %d chunks", r.Filename, r.ChunksCount))
	}
	p.reply(ctx, chatID, "✅ Added to the knowledge base:\n"+strings.Join(lines, "\n"))
}

func supportedUpload(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".csv", ".pdf":
		return true
	}
	return false
}
