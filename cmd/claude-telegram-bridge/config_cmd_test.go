package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

func TestRenderConfigRedactsAndDefaults(t *testing.T) {
	cfg := session.UserConfig{
		Telegram: session.TelegramSettings{BotToken: "123456:SECRET", AllowedUserIDs: []int64{7, 8}},
		Claude:   session.ClaudeSettings{MaxSessionBudgetUSD: 3},
	}
	red := cfg.Redacted()
	out := renderConfig(&red, "/cfg/config.toml", "/cfg/profiles/default", nil)

	assert.NotContains(t, out, "SECRET")
	assert.Contains(t, out, "123456:***")
	assert.Contains(t, out, "7, 8")
	assert.Contains(t, out, "(CLI default)")
	assert.Contains(t, out, "(unrestricted)")
	assert.Contains(t, out, "$1.00")
	assert.Contains(t, out, "$3.00")
	assert.Contains(t, out, "5m0s")
	assert.Contains(t, out, "dontAsk")
	assert.Contains(t, out, "sqlite")
	assert.NotContains(t, out, errorSymbol)
}

func TestRenderConfigShowsValidationError(t *testing.T) {
	var cfg session.UserConfig
	out := renderConfig(&cfg, "p", "d", errors.New("no bot token configured"))
	assert.Contains(t, out, "(not set)")
	assert.Contains(t, out, "no bot token configured")
}

func TestRenderProfiles(t *testing.T) {
	assert.Equal(t, "No profiles found.\n", renderProfiles(nil, "default"))

	out := renderProfiles([]string{"default", "work"}, "work")
	assert.Contains(t, out, "default\n")
	assert.Contains(t, out, "work (current)")
}
