package main

import (
	"context"
	"log/slog"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// statusLogHandler returns a status.Handler that logs updates using slog
func statusLogHandler() status.Handler {
	return func(update status.Update) {
		slog.Log(context.Background(), levelOf(update.Level), titleOf(update.Level), updateAttrs(update)...)
	}
}

func updateAttrs(update status.Update) []any {
	attrs := []any{
		"message", update.Message,
	}

	if update.Phase != "" {
		attrs = append(attrs, "phase", update.Phase)
	}

	if update.Resource != "" {
		attrs = append(attrs, "resource", update.Resource)
	}

	if update.Action != "" {
		attrs = append(attrs, "action", update.Action)
	}

	for key, value := range update.Metadata {
		attrs = append(attrs, key, value)
	}

	return attrs
}

func levelOf(level status.Level) slog.Level {
	switch level {
	case status.LevelProgress:
		return slog.LevelDebug
	case status.LevelWarning:
		return slog.LevelWarn
	case status.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func titleOf(level status.Level) string {
	switch level {
	case status.LevelProgress:
		return "Progress"
	case status.LevelSuccess:
		return "Success"
	case status.LevelWarning:
		return "Warning"
	case status.LevelError:
		return "Error"
	default:
		return "Status"
	}
}
