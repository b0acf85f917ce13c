package main

import (
	"log/slog"
	"os"
	"strings"
)

// initLogging installs a JSON slog handler at the configured level as
// the process default, the way LanternOps-breeze's agent parses its
// --log-level flag before any other component starts logging.
func initLogging(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
