package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"tutorbot/internal/config"
	"tutorbot/internal/logging"
	"tutorbot/internal/models"
)

// RestartMarkerFile carries the "I was restarted by an admin" notification
// across the process replacement boundary.
const RestartMarkerFile = ".update_restart"

// commandAliases maps the original Portuguese command names onto their
// canonical forms.
var commandAliases = map[string]string{
	"inicio":           "start",
	"ajuda":            "help",
	"meuid":            "myid",
	"modelos":          "models",
	"listar":           "list",
	"remover":          "remove",
	"lembrete":         "remind",
	"aviso":            "broadcast",
	"saude":            "health",
	"estatisticas":     "stats",
	"limpar-historico": "clear-history",
}

// dispatchCommand routes one /command message.
func (p *PipelineService) dispatchCommand(ctx context.Context, msg *models.TelegramMessage, text string) {
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats append the bot's username: /help@somebot.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if canonical, ok := commandAliases[name]; ok {
		name = canonical
	}
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	chatID := msg.Chat.ID
	slog.Info("command received", "user_id", msg.From.ID, "command", name)

	switch name {
	case "start":
		p.session.ShouldGreet(msg.From.ID) // mark today greeted
		p.sendWelcome(ctx, chatID, msg.From)
	case "help":
		p.cmdHelp(ctx, msg)
	case "myid":
		p.reply(ctx, chatID, fmt.Sprintf("Your ID is: `%d`", msg.From.ID))
	case "faq":
		p.sendTextFile(ctx, chatID, "faq.txt")
		p.sendMenu(ctx, chatID)
	case "menu":
		p.sendMenu(ctx, chatID)
	case "clear-history":
		p.cmdClearHistory(ctx, msg)

	case "models":
		p.adminOnly(ctx, msg, func() { p.cmdModels(ctx, chatID, args) })
	case "embedding":
		p.adminOnly(ctx, msg, func() { p.cmdEmbedding(ctx, chatID, args) })
	case "clear-db":
		p.adminOnly(ctx, msg, func() { p.cmdClearDB(ctx, chatID) })
	case "list":
		p.adminOnly(ctx, msg, func() { p.cmdList(ctx, chatID) })
	case "remove":
		p.adminOnly(ctx, msg, func() { p.cmdRemove(ctx, chatID, rest) })
	case "broadcast":
		p.adminOnly(ctx, msg, func() { p.cmdBroadcast(ctx, chatID, rest) })
	case "prompt":
		p.adminOnly(ctx, msg, func() { p.cmdPrompt(ctx, chatID, rest) })
	case "add-knowledge":
		p.adminOnly(ctx, msg, func() { p.cmdAddKnowledge(ctx, chatID, rest) })
	case "stats":
		p.adminOnly(ctx, msg, func() { p.cmdStats(ctx, chatID) })
	case "logs":
		p.adminOnly(ctx, msg, func() { p.cmdLogs(ctx, chatID, args) })
	case "remind":
		p.adminOnly(ctx, msg, func() { p.cmdRemind(ctx, chatID, args, rest) })
	case "restart":
		p.adminOnly(ctx, msg, func() { p.cmdRestart(ctx, chatID) })
	case "update":
		p.adminOnly(ctx, msg, func() { p.cmdUpdate(ctx, chatID) })
	case "health":
		p.adminOnly(ctx, msg, func() { p.cmdHealth(ctx, chatID) })
	case "ping":
		p.adminOnly(ctx, msg, func() { p.cmdPing(ctx, chatID) })
	case "insight":
		p.adminOnly(ctx, msg, func() { p.cmdInsight(ctx, chatID) })

	default:
		p.reply(ctx, chatID, "Unknown command. Send /help for the list of commands.")
	}
}

// adminOnly runs fn for administrators and replies with an explicit denial
// for everyone else.
func (p *PipelineService) adminOnly(ctx context.Context, msg *models.TelegramMessage, fn func()) {
	if !p.cfg.IsAdmin(msg.From.ID) {
		slog.Info("admin command denied", "user_id", msg.From.ID)
		p.reply(ctx, msg.Chat.ID, "⛔ This command is restricted to administrators.")
		return
	}
	fn()
}

func (p *PipelineService) cmdHelp(ctx context.Context, msg *models.TelegramMessage) {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	sb.WriteString("/start - welcome message and menu\n")
	sb.WriteString("/help - this list\n")
	sb.WriteString("/myid - show your ID\n")
	sb.WriteString("/faq - frequently asked questions\n")
	sb.WriteString("/menu - show the menu\n")
	sb.WriteString("/clear-history - forget our recent conversation\n")

	if p.cfg.IsAdmin(msg.From.ID) {
		sb.WriteString("\nAdministrator commands:\n")
		sb.WriteString("/models [name] - list or switch chat models\n")
		sb.WriteString("/embedding [provider] [model] - show or switch embeddings\n")
		sb.WriteString("/add-knowledge <text> - add text to the knowledge base\n")
		sb.WriteString("/list - list knowledge base files\n")
		sb.WriteString("/remove <file> - remove a file from the knowledge base\n")
		sb.WriteString("/clear-db - wipe the knowledge base\n")
		sb.WriteString("/stats - knowledge base and usage statistics\n")
		sb.WriteString("/broadcast <text> - message every known user\n")
		sb.WriteString("/prompt [text] - show or change the system prompt\n")
		sb.WriteString("/remind <dd/mm/yyyy> <hh:mm> <text> - schedule a reminder\n")
		sb.WriteString("/remind cron <m h dom mon dow> | <text> - recurring reminder\n")
		sb.WriteString("/remind list | /remind remove <id>\n")
		sb.WriteString("/logs [low|medium|high] - show or change log verbosity\n")
		sb.WriteString("/insight - summarize recent usage with the model\n")
		sb.WriteString("/ping - latency probes\n")
		sb.WriteString("/health - process health\n")
		sb.WriteString("/restart - restart the bot\n")
		sb.WriteString("/update - pull the latest code and restart\n")
	}
	p.reply(ctx, msg.Chat.ID, sb.String())
}

func (p *PipelineService) cmdClearHistory(ctx context.Context, msg *models.TelegramMessage) {
	markup := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
		{Text: "Yes, clear it", CallbackData: "clearhist:yes"},
		{Text: "No, keep it", CallbackData: "clearhist:no"},
	}}}
	if err := p.telegram.SendMessage(ctx, msg.Chat.ID, "Clear your recent conversation history?", markup); err != nil {
		slog.Error("failed to send confirmation", "error", err)
	}
}

func (p *PipelineService) cmdModels(ctx context.Context, chatID int64, args []string) {
	provider := p.provider()

	if len(args) > 0 {
		model := args[0]
		key := config.KeyOllamaModel
		if provider.Name() == config.ProviderOpenRouter {
			key = config.KeyOpenRouterModel
		}
		if err := p.cfg.Set(key, model); err != nil {
			p.reply(ctx, chatID, fmt.Sprintf("❌ Could not save the model: %v", err))
			return
		}
		p.reply(ctx, chatID, fmt.Sprintf("✅ Chat model switched to %s (%s).", model, provider.Name()))
		return
	}

	names, err := provider.ListModels(ctx)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not list models: %v", err))
		return
	}
	current := p.chatModel()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Models on %s (current: %s):\n", provider.Name(), current))
	limit := len(names)
	if limit > 40 {
		limit = 40
	}
	for _, name := range names[:limit] {
		marker := "  "
		if name == current {
			marker = "▶ "
		}
		sb.WriteString(marker + name + "\n")
	}
	if len(names) > limit {
		sb.WriteString(fmt.Sprintf("... and %d more\n", len(names)-limit))
	}
	sb.WriteString("\nUse /models <name> to switch.")
	p.reply(ctx, chatID, sb.String())
}

func (p *PipelineService) cmdEmbedding(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		provider := p.cfg.GetString(config.KeyEmbeddingProvider, config.ProviderOllama)
		model := p.cfg.GetString(config.KeyOllamaEmbedding, "")
		if provider == config.ProviderOpenRouter {
			model = p.cfg.GetString(config.KeyOpenRouterEmbed, "")
		}
		p.reply(ctx, chatID, fmt.Sprintf("Embeddings: provider %s, model %s.\nUse /embedding <ollama|openrouter> [model] to switch. Switching requires /clear-db because stored vectors keep their old dimensionality.", provider, model))
		return
	}

	provider := strings.ToLower(args[0])
	if provider != config.ProviderOllama && provider != config.ProviderOpenRouter {
		p.reply(ctx, chatID, "Provider must be ollama or openrouter.")
		return
	}

	updates := map[string]interface{}{config.KeyEmbeddingProvider: provider}
	if len(args) > 1 {
		key := config.KeyOllamaEmbedding
		if provider == config.ProviderOpenRouter {
			key = config.KeyOpenRouterEmbed
		}
		updates[key] = args[1]
	}
	if err := p.cfg.UpdateBatch(updates); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not save embedding settings: %v", err))
		return
	}
	p.reply(ctx, chatID, fmt.Sprintf("✅ Embedding provider set to %s. Remember to /clear-db and re-ingest.", provider))
}

func (p *PipelineService) cmdClearDB(ctx context.Context, chatID int64) {
	if err := p.worker.Clear(ctx); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not clear the knowledge base: %v", err))
		return
	}
	p.reply(ctx, chatID, "🗑 Knowledge base cleared.")
}

func (p *PipelineService) cmdList(ctx context.Context, chatID int64) {
	names, err := p.worker.List(ctx)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not list files: %v", err))
		return
	}
	if len(names) == 0 {
		p.reply(ctx, chatID, "The knowledge base is empty.")
		return
	}

	// Offer download buttons for files still present on disk.
	filesDir := p.cfg.GetString(config.KeyFilesDir, "files")
	var rows [][]models.InlineKeyboardButton
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Knowledge base files (%d):\n", len(names)))
	for _, name := range names {
		sb.WriteString("• " + name + "\n")
		if _, err := os.Stat(filepath.Join(filesDir, name)); err == nil {
			rows = append(rows, []models.InlineKeyboardButton{{
				Text:         "⬇ " + name,
				CallbackData: "file:" + name,
			}})
		}
	}
	var markup *models.InlineKeyboardMarkup
	if len(rows) > 0 {
		markup = &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	}
	if err := p.telegram.SendMessage(ctx, chatID, sb.String(), markup); err != nil {
		slog.Error("failed to send file list", "error", err)
	}
}

func (p *PipelineService) cmdRemove(ctx context.Context, chatID int64, filename string) {
	if filename == "" {
		p.reply(ctx, chatID, "Usage: /remove <filename>")
		return
	}
	result, err := p.worker.Delete(ctx, filename)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	p.reply(ctx, chatID, fmt.Sprintf("🗑 Removed %s (%d chunks).", result.Filename, result.DeletedCount))
}

func (p *PipelineService) cmdBroadcast(ctx context.Context, chatID int64, text string) {
	if text == "" {
		p.reply(ctx, chatID, "Usage: /broadcast <message>")
		return
	}
	sent, failed := p.broadcast(ctx, "📢 "+text)
	p.reply(ctx, chatID, fmt.Sprintf("Broadcast finished: %d delivered, %d failed.", sent, failed))
}

func (p *PipelineService) cmdPrompt(ctx context.Context, chatID int64, text string) {
	if text == "" {
		p.reply(ctx, chatID, "Current system prompt:\n\n"+p.cfg.GetString(config.KeySystemPrompt, "(empty)"))
		return
	}
	if err := p.cfg.Set(config.KeySystemPrompt, text); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not save the prompt: %v", err))
		return
	}
	p.reply(ctx, chatID, "✅ System prompt updated.")
}

func (p *PipelineService) cmdAddKnowledge(ctx context.Context, chatID int64, text string) {
	if text == "" {
		p.reply(ctx, chatID, "Usage: /add-knowledge <text to remember>")
		return
	}

	filesDir := p.cfg.GetString(config.KeyFilesDir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not store the text: %v", err))
		return
	}
	path := filepath.Join(filesDir, fmt.Sprintf("message_%d.txt", time.Now().Unix()))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not store the text: %v", err))
		return
	}

	results, err := p.worker.Ingest(ctx, []string{path})
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Ingestion failed: %v", err))
		return
	}
	p.reply(ctx, chatID, fmt.Sprintf("✅ Stored as %s (%d chunks).", results[0].Filename, results[0].ChunksCount))
}

func (p *PipelineService) cmdStats(ctx context.Context, chatID int64) {
	stats, err := p.worker.Stats(ctx)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not read store stats: %v", err))
		return
	}
	summary, err := p.analytics.Summarize()
	if err != nil {
		slog.Warn("failed to summarize analytics", "error", err)
	}

	var sb strings.Builder
	sb.WriteString("📊 Statistics\n\n")
	sb.WriteString(fmt.Sprintf("Knowledge base: %d files, %d chunks\n", stats.FileCount, stats.ChunkCount))
	sb.WriteString(fmt.Sprintf("Interactions: %d from %d users\n", summary.TotalInteractions, summary.UniqueUsers))
	if summary.TotalInteractions > 0 {
		sb.WriteString(fmt.Sprintf("Average response time: %.1fs\n", summary.AvgResponseSecs))
	}
	for provider, count := range summary.ByProvider {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", provider, count))
	}
	p.reply(ctx, chatID, sb.String())
}

func (p *PipelineService) cmdLogs(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		p.reply(ctx, chatID, fmt.Sprintf("Log verbosity is %s. Use /logs <low|medium|high> to change it.", logging.Verbosity()))
		return
	}
	name := strings.ToLower(args[0])
	if !logging.SetVerbosity(name) {
		p.reply(ctx, chatID, "Verbosity must be low, medium or high.")
		return
	}
	if err := p.cfg.Set(config.KeyLogVerbosity, name); err != nil {
		slog.Warn("failed to persist verbosity", "error", err)
	}
	p.reply(ctx, chatID, fmt.Sprintf("✅ Log verbosity set to %s.", name))
}

func (p *PipelineService) cmdRemind(ctx context.Context, chatID int64, args []string, rest string) {
	if len(args) == 0 {
		p.reply(ctx, chatID, "Usage:\n/remind <dd/mm/yyyy> <hh:mm> <text>\n/remind cron <m h dom mon dow> | <text>\n/remind list\n/remind remove <id>")
		return
	}

	switch args[0] {
	case "list":
		reminders := p.reminders.List()
		if len(reminders) == 0 {
			p.reply(ctx, chatID, "No pending reminders.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Pending reminders:\n")
		for _, r := range reminders {
			kind := "once"
			if r.Recurring() {
				kind = "cron"
			}
			sb.WriteString(fmt.Sprintf("• %s [%s %s] %s\n", r.ID, kind, r.DateHuman, r.Message))
		}
		p.reply(ctx, chatID, sb.String())
		return

	case "remove":
		if len(args) < 2 {
			p.reply(ctx, chatID, "Usage: /remind remove <id>")
			return
		}
		if err := p.reminders.Remove(args[1]); err != nil {
			p.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
			return
		}
		p.reply(ctx, chatID, "✅ Reminder removed.")
		return

	case "cron":
		// /remind cron <five fields> | <text>
		body := strings.TrimSpace(strings.TrimPrefix(rest, "cron"))
		spec, message, found := strings.Cut(body, "|")
		if !found || strings.TrimSpace(message) == "" {
			p.reply(ctx, chatID, "Usage: /remind cron <m h dom mon dow> | <text>")
			return
		}
		r, err := p.reminders.AddCron(strings.TrimSpace(message), strings.TrimSpace(spec))
		if err != nil {
			p.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
			return
		}
		p.reply(ctx, chatID, fmt.Sprintf("✅ Recurring reminder %s scheduled (%s).", r.ID, r.Cron))
		return
	}

	// /remind <dd/mm/yyyy> <hh:mm> <text>
	if len(args) < 3 {
		p.reply(ctx, chatID, "Usage: /remind <dd/mm/yyyy> <hh:mm> <text>")
		return
	}
	when, err := time.ParseInLocation("02/01/2006 15:04", args[0]+" "+args[1], time.Local)
	if err != nil {
		p.reply(ctx, chatID, "Invalid date or time. Expected format: dd/mm/yyyy hh:mm")
		return
	}
	message := strings.Join(args[2:], " ")
	r, err := p.reminders.Add(message, when)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	p.reply(ctx, chatID, fmt.Sprintf("✅ Reminder %s scheduled for %s.", r.ID, r.DateHuman))
}

func (p *PipelineService) cmdRestart(ctx context.Context, chatID int64) {
	p.reply(ctx, chatID, "🔄 Restarting...")
	if err := os.WriteFile(RestartMarkerFile, []byte("restart"), 0o600); err != nil {
		slog.Warn("failed to write restart marker", "error", err)
	}
	if err := p.restart(); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Restart failed: %v", err))
	}
}

func (p *PipelineService) cmdUpdate(ctx context.Context, chatID int64) {
	p.reply(ctx, chatID, "⬆️ Updating from the repository...")

	var output strings.Builder
	for _, step := range [][]string{
		{"git", "stash"},
		{"git", "pull"},
		{"git", "stash", "pop"},
	} {
		cmd := exec.CommandContext(ctx, step[0], step[1:]...)
		out, err := cmd.CombinedOutput()
		output.WriteString(fmt.Sprintf("$ %s\n%s\n", strings.Join(step, " "), strings.TrimSpace(string(out))))
		// stash pop failing on an empty stash is expected.
		isStashPop := len(step) == 3 && step[2] == "pop"
		if err != nil && !isStashPop {
			p.reply(ctx, chatID, fmt.Sprintf("❌ Update failed at %q:\n%s", strings.Join(step, " "), string(out)))
			return
		}
	}

	if err := os.WriteFile(RestartMarkerFile, []byte(output.String()), 0o600); err != nil {
		slog.Warn("failed to write restart marker", "error", err)
	}
	p.reply(ctx, chatID, "✅ Updated, restarting...")
	if err := p.restart(); err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Restart failed: %v", err))
	}
}

func (p *PipelineService) cmdHealth(ctx context.Context, chatID int64) {
	var sb strings.Builder
	sb.WriteString("❤️ Health\n\n")
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(p.startedAt).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Provider: %s (%s)\n", p.provider().Name(), p.chatModel()))

	if stats, err := p.worker.Stats(ctx); err == nil {
		sb.WriteString(fmt.Sprintf("Knowledge base: %d files, %d chunks\n", stats.FileCount, stats.ChunkCount))
	} else {
		sb.WriteString(fmt.Sprintf("Knowledge base: unavailable (%v)\n", err))
	}

	if p.provider().Name() == config.ProviderOpenRouter {
		if credits, err := p.openrouter.Credits(ctx); err == nil {
			sb.WriteString(fmt.Sprintf("OpenRouter credit: %.2f used of %.2f\n", credits.TotalUsage, credits.TotalCredits))
		} else {
			sb.WriteString(fmt.Sprintf("OpenRouter credit: unavailable (%v)\n", err))
		}
	}
	p.reply(ctx, chatID, sb.String())
}

func (p *PipelineService) cmdPing(ctx context.Context, chatID int64) {
	var sb strings.Builder
	sb.WriteString("🏓 Latency probes\n\n")

	start := time.Now()
	if _, err := p.telegram.GetMe(ctx); err != nil {
		sb.WriteString(fmt.Sprintf("Telegram: error (%v)\n", err))
	} else {
		sb.WriteString(fmt.Sprintf("Telegram: %s\n", time.Since(start).Round(time.Millisecond)))
	}

	start = time.Now()
	if _, err := p.provider().ListModels(ctx); err != nil {
		sb.WriteString(fmt.Sprintf("%s: error (%v)\n", p.provider().Name(), err))
	} else {
		sb.WriteString(fmt.Sprintf("%s: %s\n", p.provider().Name(), time.Since(start).Round(time.Millisecond)))
	}
	p.reply(ctx, chatID, sb.String())
}

// cmdInsight asks the configured model to summarize recent usage.
func (p *PipelineService) cmdInsight(ctx context.Context, chatID int64) {
	records, err := p.analytics.Recent(50)
	if err != nil || len(records) == 0 {
		p.reply(ctx, chatID, "No interactions to analyze yet.")
		return
	}

	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("- user %d asked: %s\n", rec.UserID, rec.Question))
	}

	answer, err := p.provider().Generate(ctx, ChatRequest{
		Model:        p.chatModel(),
		SystemPrompt: "You analyze usage logs of a student support bot and report the main topics and any recurring problems, briefly.",
		Prompt:       "Recent questions:\n" + sb.String() + "\nSummarize the main topics and anything the knowledge base seems to be missing.",
		Temperature:  0.3,
		MaxTokens:    p.cfg.GetInt(config.KeyMaxTokens, 2048),
	})
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("❌ Could not analyze the logs: %v", err))
		return
	}
	if err := p.telegram.SendMessageChunked(ctx, chatID, "🔎 Usage insight:\n\n"+cleanupResponse(answer)); err != nil {
		slog.Error("failed to send insight", "error", err)
	}
}
