package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is the process-wide log level. The /logs admin command adjusts it at
// runtime through SetVerbosity.
var level = new(slog.LevelVar)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	InitWriter(os.Stdout)
}

// InitWriter configures the global slog logger to write to w. The worker
// binary uses this with stderr so its stdout stays machine-readable.
func InitWriter(w io.Writer) {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		level.Set(slog.LevelInfo)
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		level.Set(slog.LevelDebug)
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// Verbosity names map to slog levels: "low" shows only warnings and errors,
// "medium" is the normal operating level, "high" enables debug output.
const (
	VerbosityLow    = "low"
	VerbosityMedium = "medium"
	VerbosityHigh   = "high"
)

// SetVerbosity switches the global level by name. Unknown names are rejected.
func SetVerbosity(name string) bool {
	switch strings.ToLower(name) {
	case VerbosityLow:
		level.Set(slog.LevelWarn)
	case VerbosityMedium:
		level.Set(slog.LevelInfo)
	case VerbosityHigh:
		level.Set(slog.LevelDebug)
	default:
		return false
	}
	return true
}

// Verbosity reports the current level as its verbosity name.
func Verbosity() string {
	switch l := level.Level(); {
	case l >= slog.LevelWarn:
		return VerbosityLow
	case l >= slog.LevelInfo:
		return VerbosityMedium
	default:
		return VerbosityHigh
	}
}

// WithUser returns a logger with the Telegram user id attached.
// Use this for all logging within a pipeline turn.
func WithUser(userID int64) *slog.Logger {
	return slog.With("user_id", userID)
}
