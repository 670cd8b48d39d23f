package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

func handleConfig(profile string, args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: claude-telegram-bridge [-p profile] config [--json]")
		fmt.Println()
		fmt.Println("Show the effective configuration (config.toml plus environment). The bot token is redacted.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	if _, err := session.LoadEnvFiles(); err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		os.Exit(1)
	}
	cfg, err := session.LoadUserConfig()
	if err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		os.Exit(1)
	}
	path, _ := session.GetUserConfigPath()
	dir, _ := session.GetProfileDir(profile)

	red := cfg.Redacted()
	out.Print(renderConfig(&red, path, dir, cfg.Validate()), map[string]interface{}{
		"config_path": path,
		"profile":     profile,
		"profile_dir": dir,
		"config":      red,
	})
}

// renderConfig lists the effective values with defaults applied.
func renderConfig(cfg *session.UserConfig, path, dir string, validateErr error) string {
	var b strings.Builder
	line := func(k, v string) {
		fmt.Fprintf(&b, "  %s %s %s\n", bulletSymbol, fitWidth(k, 22), v)
	}
	orDefault := func(v, def string) string {
		if v == "" {
			return dimStyle.Render(def)
		}
		return v
	}

	fmt.Fprintf(&b, "Config file: %s\n", FormatPath(path))
	fmt.Fprintf(&b, "Profile dir: %s\n\n", FormatPath(dir))

	b.WriteString(headerStyle.Render("[telegram]") + "\n")
	line("bot_token", orDefault(cfg.Telegram.BotToken, "(not set)"))
	ids := make([]string, len(cfg.Telegram.AllowedUserIDs))
	for i, id := range cfg.Telegram.AllowedUserIDs {
		ids[i] = fmt.Sprint(id)
	}
	line("allowed_user_ids", orDefault(strings.Join(ids, ", "), "(none)"))
	line("poll_timeout_seconds", fmt.Sprint(cfg.Telegram.GetPollTimeoutSeconds()))
	line("send_rate_per_second", fmt.Sprint(cfg.Telegram.GetSendRatePerSecond()))

	b.WriteString("\n" + headerStyle.Render("[claude]") + "\n")
	line("command", cfg.Claude.GetCommand())
	line("default_model", orDefault(cfg.Claude.DefaultModel, "(CLI default)"))
	line("working_dir", orDefault(cfg.Claude.WorkingDir, "(current directory)"))
	line("allowed_tools", orDefault(strings.Join(cfg.Claude.AllowedTools, ", "), "(unrestricted)"))
	line("max_budget_usd", fmt.Sprintf("$%.2f", cfg.Claude.GetMaxBudgetUSD()))
	line("max_session_budget_usd", orDefault(sessionCap(cfg.Claude.MaxSessionBudgetUSD), "(off)"))
	line("timeout", cfg.Claude.GetTimeout().String())
	line("max_turns", fmt.Sprint(cfg.Claude.GetMaxTurns()))
	line("permission_mode", cfg.Claude.GetPermissionMode())

	b.WriteString("\n" + headerStyle.Render("[storage]") + "\n")
	line("backend", cfg.Storage.GetBackend())

	b.WriteString("\n" + headerStyle.Render("[bridge]") + "\n")
	line("show_cost", fmt.Sprint(cfg.Bridge.GetShowCost()))
	line("typing_interval", cfg.Bridge.GetTypingInterval().String())
	line("max_stderr_chars", fmt.Sprint(cfg.Bridge.GetMaxStderrChars()))

	if validateErr != nil {
		fmt.Fprintf(&b, "\n%s %s\n", errorStyle.Render(errorSymbol), validateErr)
	}
	return b.String()
}

func sessionCap(v float64) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("$%.2f", v)
}

func handleProfiles(current string, args []string) {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	profiles, err := session.ListProfiles()
	if err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		os.Exit(1)
	}
	out.Print(renderProfiles(profiles, current), map[string]interface{}{
		"profiles": profiles,
		"current":  current,
	})
}

func renderProfiles(profiles []string, current string) string {
	if len(profiles) == 0 {
		return "No profiles found.\n"
	}
	var b strings.Builder
	for _, p := range profiles {
		if p == current {
			fmt.Fprintf(&b, "  %s %s %s\n", bulletSymbol, p, dimStyle.Render("(current)"))
		} else {
			fmt.Fprintf(&b, "  %s %s\n", bulletSymbol, p)
		}
	}
	return b.String()
}
