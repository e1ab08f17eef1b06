package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger := NewLogger(Config{ServiceName: "solchat", Environment: "test", Level: "error"})
	ctx := context.Background()
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info must be suppressed at error level")
	}
	if !logger.Enabled(ctx, slog.LevelError) {
		t.Fatal("error level must stay enabled")
	}
}
