package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/huangzesen/claude-telegram-bridge/internal/chunk"
	"github.com/huangzesen/claude-telegram-bridge/internal/claude"
	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

const (
	msgUnauthorized  = "Sorry, you are not authorized to use this bot."
	msgEmptyResponse = "(empty response from Claude)"
	msgNoLogs        = "No conversation logs found."
	msgStoreError    = "Could not load your session. Please try again in a moment."
	msgSaveWarning   = "\n\n(warning: this conversation could not be saved; your next message may start a new one)"
)

const helpText = `Hello! I'm a bridge to Claude Code.

Send me any message and I'll forward it to Claude.

Commands:
/reset - Start a new conversation (keeps your model)
/reset full - Start over and go back to the default model
/model <name> - Switch model (sonnet/opus/haiku)
/status - Show session info
/logs [n] - Show last n conversations (default 5)
/help - Show this message`

func unknownCommandText(name string) string {
	return fmt.Sprintf("Unknown command /%s. Send /help for the list of commands.", name)
}

func modelDisplay(m string) string {
	if m == "" {
		return "default"
	}
	return m
}

func resetText(s *session.Session) string {
	msg := "Session reset. Your next message starts a new conversation."
	if s.Model != "" {
		msg += "\nModel: " + s.Model
	}
	return msg
}

func statusText(s *session.Session, cfg Config) string {
	lines := []string{
		"Session: " + s.ShortToken(),
		"Model: " + modelDisplay(s.EffectiveModel(cfg.DefaultModel)),
		fmt.Sprintf("Messages: %d", s.MessageCount),
		fmt.Sprintf("Total cost: $%.4f", s.CumulativeCost),
	}
	if cfg.MaxSessionBudgetUSD > 0 {
		lines = append(lines, fmt.Sprintf("Session budget: $%.2f", cfg.MaxSessionBudgetUSD))
	}
	if s.LastActive.IsZero() {
		lines = append(lines, "Last active: never")
	} else {
		lines = append(lines, "Last active: "+s.LastActive.UTC().Format("2006-01-02 15:04:05")+" UTC")
	}
	if cfg.WorkingDir != "" {
		lines = append(lines, "Working dir: "+cfg.WorkingDir)
	}
	if len(cfg.AllowedTools) > 0 {
		lines = append(lines, "Allowed tools: "+strings.Join(cfg.AllowedTools, ", "))
	}
	return strings.Join(lines, "\n")
}

func sessionBudgetText(spent, limit float64) string {
	return fmt.Sprintf("This conversation has used $%.4f of its $%.2f budget. Send /reset to start a new one.", spent, limit)
}

// failureText is the single reply sent for a failed invocation.
func failureText(f *claude.Failure, cfg Config) string {
	switch f.Kind {
	case claude.KindTimeout:
		return fmt.Sprintf("Claude did not answer within %s. Your conversation is unchanged: send the message again, or /reset to start over.",
			cfg.Timeout.Round(time.Second))
	case claude.KindBudgetExceeded:
		return fmt.Sprintf("This request hit the spending limit of $%.2f per message. Your conversation is unchanged: try a smaller request, or /reset.",
			cfg.MaxBudgetUSD)
	case claude.KindProtocolError:
		return "Claude returned output the bridge could not read. This is likely a bug worth reporting. Your conversation is unchanged."
	case claude.KindEmptyOutput:
		return "Claude returned no output. Your conversation is unchanged; please try again."
	default:
		detail := f.Stderr
		if detail == "" {
			detail = f.Message
		}
		return clipText("Claude CLI error: "+detail, cfg.MaxMessageSize)
	}
}

// clipText keeps s within one message of max runes (chunk.MaxMessageSize when unset).
func clipText(s string, max int) string {
	if max <= 0 {
		max = chunk.MaxMessageSize
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	const mark = "..."
	return string(r[:max-len(mark)]) + mark
}
