package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

const Version = "0.3.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// BRIDGE_COLOR: truecolor, 256, 16, none. Output that is not a terminal is plain.
func initColorProfile() {
	if colorEnv := os.Getenv("BRIDGE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if !stdoutIsTerminal() || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	// Extract global -p/--profile flag before subcommand dispatch
	profile, args := extractProfileFlag(os.Args[1:])
	profile = session.GetEffectiveProfile(profile)

	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		os.Exit(handleRun(profile, args))
	case "sessions", "ls":
		handleSessions(profile, args)
	case "reset":
		handleReset(profile, args)
	case "import":
		handleImport(profile, args)
	case "config":
		handleConfig(profile, args)
	case "profiles":
		handleProfiles(profile, args)
	case "version", "--version", "-v":
		fmt.Printf("claude-telegram-bridge v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

// extractProfileFlag extracts -p or --profile from args, returning the profile and remaining args
func extractProfileFlag(args []string) (string, []string) {
	var profile string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-p=") {
			profile = strings.TrimPrefix(arg, "-p=")
			continue
		}
		if strings.HasPrefix(arg, "--profile=") {
			profile = strings.TrimPrefix(arg, "--profile=")
			continue
		}

		if arg == "-p" || arg == "--profile" {
			if i+1 < len(args) {
				profile = args[i+1]
				i++
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return profile, remaining
}

func printHelp() {
	fmt.Printf("claude-telegram-bridge v%s\n", Version)
	fmt.Println("Chat with the Claude CLI from Telegram")
	fmt.Println()
	fmt.Println("Usage: claude-telegram-bridge [-p profile] [command]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -p, --profile <name>   Use specific profile (default: 'default')")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                         Start the bot (default)")
	fmt.Println("  sessions, ls [--json]       List stored conversations")
	fmt.Println("  reset <user_id>             Start a new conversation for a user")
	fmt.Println("        [--clear-model]       ...and drop their model override")
	fmt.Println("  import <sessions.json>      Import sessions from a JSON file")
	fmt.Println("  config [--json]             Show effective configuration")
	fmt.Println("  profiles [--json]           List profiles with stored sessions")
	fmt.Println("  version                     Show version")
	fmt.Println("  help                        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  TELEGRAM_BOT_TOKEN       Bot token (overrides [telegram] bot_token)")
	fmt.Println("  ALLOWED_USER_IDS         Comma-separated Telegram user ids")
	fmt.Println("  CLAUDE_MODEL             Default model")
	fmt.Println("  CLAUDE_WORKING_DIR       Working directory for the CLI")
	fmt.Println("  CLAUDE_ALLOWED_TOOLS     Comma-separated tool allow list")
	fmt.Println("  CLAUDE_MAX_BUDGET_USD    Per-message spending limit")
	fmt.Println("  CLAUDE_TIMEOUT_SECONDS   Per-message time limit")
	fmt.Println("  BRIDGE_HOME              State directory (default ~/.claude-telegram-bridge)")
	fmt.Println("  BRIDGE_PROFILE           Default profile to use")
	fmt.Println("  BRIDGE_DEBUG             Log at debug level and mirror logs to stderr")
	fmt.Println("  BRIDGE_COLOR             Color mode: truecolor, 256, 16, none")
}
