// botd is the bot daemon: it wires the configuration store, the Telegram
// listener, the knowledge worker client, the reminder scheduler and the
// operational HTTP surface, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tutorbot/internal/bridge"
	"tutorbot/internal/config"
	"tutorbot/internal/crypto"
	"tutorbot/internal/logging"
	"tutorbot/internal/services"
	"tutorbot/internal/web"
)

func main() {
	logging.Init()
	slog.Info("starting tutorbot")

	// Load .env file (ignore error if file doesn't exist).
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	// Secrets-at-rest encryption is optional; without a master key the
	// config document stores keys in the clear.
	var encryption *crypto.EncryptionService
	if masterKey := os.Getenv("TUTORBOT_MASTER_KEY"); masterKey != "" {
		var err error
		encryption, err = crypto.NewEncryptionService(masterKey)
		if err != nil {
			slog.Error("invalid master key", "error", err)
			os.Exit(1)
		}
		slog.Info("secret encryption enabled")
	}

	cfgPath := envOr("TUTORBOT_CONFIG", "config.json")
	cfg, err := config.Load(cfgPath, encryption)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetVerbosity(cfg.GetString(config.KeyLogVerbosity, logging.VerbosityMedium))

	stopWatch, err := cfg.Watch()
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	// A bot without a token cannot do anything; refuse to start.
	if cfg.Secret(config.KeyTelegramToken) == "" {
		slog.Error("telegram_token is not configured", "config", cfgPath)
		os.Exit(1)
	}

	metrics := services.InitMetrics()
	telegram := services.NewTelegramService(func() string {
		return cfg.Secret(config.KeyTelegramToken)
	}, metrics)
	session := services.NewSessionService(cfg)
	analytics := services.NewAnalyticsService(envOr("TUTORBOT_ANALYTICS", "history.jsonl"))
	worker := services.NewWorkerClient(workerBinPath(), cfg, metrics)
	ollama := services.NewOllamaClient(cfg.GetString(config.KeyOllamaURL, "http://127.0.0.1:11434"), metrics)
	openrouter := services.NewOpenRouterClient(func() string {
		return cfg.Secret(config.KeyOpenRouterKey)
	}, metrics)

	reminders, err := services.NewReminderService(
		envOr("TUTORBOT_REMINDERS", "reminders.json"),
		telegram, cfg, analytics.UniqueUserIDs, metrics,
	)
	if err != nil {
		slog.Error("failed to create reminder service", "error", err)
		os.Exit(1)
	}
	if err := reminders.Start(); err != nil {
		slog.Error("failed to start reminder service", "error", err)
		os.Exit(1)
	}
	defer reminders.Stop()

	runner := bridge.New()
	if err := runner.Start(); err != nil {
		slog.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	pipeline := services.NewPipelineService(
		cfg, telegram, session, worker, analytics, reminders,
		ollama, openrouter, runner, metrics, restartProcess,
	)

	server := web.NewServer(cfg, analytics)
	go func() {
		port, _ := strconv.Atoi(envOr("TUTORBOT_HTTP_PORT", "8090"))
		if err := server.Listen(port); err != nil {
			slog.Error("http server stopped", "error", err)
		}
	}()
	defer server.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifyAfterRestart(ctx, cfg, telegram)

	if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bot stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// notifyAfterRestart sends a one-time confirmation to admins when the
// previous process left a restart marker.
func notifyAfterRestart(ctx context.Context, cfg *config.Store, telegram *services.TelegramService) {
	raw, err := os.ReadFile(services.RestartMarkerFile)
	if err != nil {
		return
	}
	os.Remove(services.RestartMarkerFile)

	text := "✅ Bot restarted successfully."
	if detail := strings.TrimSpace(string(raw)); detail != "" && detail != "restart" {
		text += "\n\n" + detail
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, adminID := range cfg.AdminIDs() {
		if err := telegram.SendMessage(sendCtx, adminID, text, nil); err != nil {
			slog.Warn("failed to send restart confirmation", "admin", adminID, "error", err)
		}
	}
}

// restartProcess replaces the running image in place, preserving arguments
// and environment.
func restartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// workerBinPath locates the kbworker binary, defaulting to a sibling of the
// daemon executable.
func workerBinPath() string {
	if path := os.Getenv("TUTORBOT_WORKER_BIN"); path != "" {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return "kbworker"
	}
	return filepath.Join(filepath.Dir(exe), "kbworker")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
