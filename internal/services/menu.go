package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tutorbot/internal/config"
	"tutorbot/internal/models"
)

// renderMenu builds the inline keyboard from the enabled config slots, packed
// two buttons per row.
func renderMenu(buttons []models.MenuButton) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	var row []models.InlineKeyboardButton
	for _, b := range buttons {
		if !b.Enabled || b.Text == "" {
			continue
		}
		row = append(row, models.InlineKeyboardButton{
			Text:         b.Text,
			CallbackData: "menu:" + b.ID,
		})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// sendMenu re-offers the interactive menu. Turns always end with this, even
// after an error, unless the menu itself cannot be sent.
func (p *PipelineService) sendMenu(ctx context.Context, chatID int64) {
	markup := renderMenu(p.cfg.MenuButtons())
	if markup == nil {
		return
	}
	if err := p.telegram.SendMessage(ctx, chatID, "What else can I help you with?", markup); err != nil {
		slog.Warn("failed to send menu", "chat_id", chatID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.MessagesSent.WithLabelValues("menu").Inc()
	}
}

// handleCallback dispatches inline button presses.
func (p *PipelineService) handleCallback(ctx context.Context, cb *models.TelegramCallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID

	if err := p.telegram.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
		slog.Debug("failed to answer callback", "error", err)
	}

	switch {
	case strings.HasPrefix(cb.Data, "menu:"):
		p.runMenuAction(ctx, chatID, strings.TrimPrefix(cb.Data, "menu:"))
	case cb.Data == "clearhist:yes":
		p.session.ClearHistory(userID)
		p.editOrReply(ctx, chatID, cb.Message.MessageID, "🧹 Your conversation history was cleared.")
	case cb.Data == "clearhist:no":
		p.editOrReply(ctx, chatID, cb.Message.MessageID, "Kept your conversation history.")
	case strings.HasPrefix(cb.Data, "file:"):
		p.sendStoredFile(ctx, chatID, strings.TrimPrefix(cb.Data, "file:"))
	default:
		slog.Debug("ignoring unknown callback", "data", cb.Data)
	}
}

func (p *PipelineService) editOrReply(ctx context.Context, chatID int64, messageID int64, text string) {
	if err := p.telegram.EditMessageText(ctx, chatID, messageID, text); err != nil {
		p.reply(ctx, chatID, text)
	}
}

// runMenuAction executes one configured menu slot. Unknown actions are a
// validation error, reported to the user without state changes.
func (p *PipelineService) runMenuAction(ctx context.Context, chatID int64, buttonID string) {
	var button *models.MenuButton
	for _, b := range p.cfg.MenuButtons() {
		if b.ID == buttonID {
			b := b
			button = &b
			break
		}
	}
	if button == nil || !button.Enabled {
		p.reply(ctx, chatID, "That option is not available anymore.")
		return
	}

	switch button.Action {
	case models.MenuActionFixedText:
		text := button.Parameter
		if text == "" {
			text = "No content is configured for this option yet."
		}
		p.reply(ctx, chatID, text)
	case models.MenuActionTextFile:
		p.sendTextFile(ctx, chatID, button.Parameter)
	case models.MenuActionFileUpload:
		p.sendStoredFile(ctx, chatID, button.Parameter)
	default:
		p.reply(ctx, chatID, fmt.Sprintf("This option is misconfigured (unknown action %q). Please tell an administrator.", button.Action))
	}
	p.sendMenu(ctx, chatID)
}

// sendTextFile replies with the content of a text file from the files
// directory.
func (p *PipelineService) sendTextFile(ctx context.Context, chatID int64, name string) {
	path := filepath.Join(p.cfg.GetString(config.KeyFilesDir, "files"), filepath.Base(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		p.reply(ctx, chatID, "That content is not available right now.")
		slog.Warn("menu text file missing", "path", path, "error", err)
		return
	}
	if err := p.telegram.SendMessageChunked(ctx, chatID, string(raw)); err != nil {
		slog.Error("failed to send text file", "path", path, "error", err)
	}
}

// sendStoredFile uploads a document from the files directory. When name has
// no extension it matches the first stored file sharing that stem, so a menu
// slot can say "schedule" regardless of the upload format.
func (p *PipelineService) sendStoredFile(ctx context.Context, chatID int64, name string) {
	filesDir := p.cfg.GetString(config.KeyFilesDir, "files")
	path := filepath.Join(filesDir, filepath.Base(name))

	if filepath.Ext(name) == "" {
		matches, _ := filepath.Glob(filepath.Join(filesDir, filepath.Base(name)+".*"))
		if len(matches) > 0 {
			path = matches[0]
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		p.reply(ctx, chatID, "That file is not available right now.")
		slog.Warn("stored file missing", "path", path, "error", err)
		return
	}
	if err := p.telegram.SendDocument(ctx, chatID, path, "", data); err != nil {
		p.reply(ctx, chatID, "Could not send the file, please try again later.")
		slog.Error("failed to send document", "path", path, "error", err)
	}
}
