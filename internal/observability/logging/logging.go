// Package logging builds the process-wide slog logger. Everything goes to
// stderr as JSON: stdout belongs to command output — conversation lines,
// contact tables — and must stay machine-pipeable.
package logging

import (
	"log/slog"
	"os"
)

// Config names the fields stamped onto every log line.
type Config struct {
	ServiceName string
	Environment string
	Level       string
}

func NewLogger(cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// parseLevel maps the LOG_LEVEL value; anything unrecognised, including the
// empty default, means info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
