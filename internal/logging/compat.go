package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// BotLogger adapts slog to the Printf/Println logger interface used by the
// Telegram client library, so its diagnostics land in the structured log.
type BotLogger struct {
	component string
}

// NewBotLogger returns a library logger that writes under component.
func NewBotLogger(component string) *BotLogger {
	return &BotLogger{component: component}
}

// Println logs the space-joined operands.
func (b *BotLogger) Println(v ...interface{}) {
	b.emit(strings.TrimSpace(fmt.Sprintln(v...)))
}

// Printf logs a formatted line.
func (b *BotLogger) Printf(format string, v ...interface{}) {
	b.emit(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (b *BotLogger) emit(msg string) {
	if msg == "" {
		return
	}
	level := slog.LevelDebug
	if looksLikeError(msg) {
		level = slog.LevelWarn
	}
	ForComponent(b.component).Log(context.Background(), level, "library_log", slog.String("message", msg))
}

// looksLikeError flags library lines worth surfacing above debug level.
func looksLikeError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"error", "failed", "conflict", "unauthorized"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
