package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// UserConfigFileName is the TOML config file for operator settings
const UserConfigFileName = "config.toml"

// Defaults applied when a setting is absent from both config.toml and the environment.
const (
	DefaultClaudeCommand         = "claude"
	DefaultPermissionMode        = "dontAsk"
	DefaultMaxTurns              = 50
	DefaultMaxBudgetUSD          = 1.00
	DefaultTimeoutSeconds        = 300
	DefaultPollTimeoutSeconds    = 30
	DefaultSendRatePerSecond     = 25.0
	DefaultTypingIntervalSeconds = 4
	DefaultMaxStderrChars        = 500
)

// UserConfig represents operator-facing configuration in TOML format
type UserConfig struct {
	// Telegram defines bot credentials and the sender whitelist
	Telegram TelegramSettings `toml:"telegram"`

	// Claude defines how the CLI is invoked
	Claude ClaudeSettings `toml:"claude"`

	// Storage selects the session store backend
	Storage StorageSettings `toml:"storage"`

	// Bridge defines reply formatting and controller timing
	Bridge BridgeSettings `toml:"bridge"`

	// Logs defines debug log settings
	Logs LogSettings `toml:"logs"`
}

// TelegramSettings defines the chat transport configuration
type TelegramSettings struct {
	// BotToken authenticates the bot. Prefer TELEGRAM_BOT_TOKEN over storing it here.
	BotToken string `toml:"bot_token"`

	// AllowedUserIDs is the sender whitelist. Empty means nobody is served.
	AllowedUserIDs []int64 `toml:"allowed_user_ids"`

	// PollTimeoutSeconds is the long-poll timeout for getUpdates
	// Default: 30
	PollTimeoutSeconds int `toml:"poll_timeout_seconds"`

	// SendRatePerSecond caps outgoing messages across all chats
	// Default: 25
	SendRatePerSecond float64 `toml:"send_rate_per_second"`
}

// ClaudeSettings defines Claude CLI invocation settings
type ClaudeSettings struct {
	// Command is the CLI executable (default: "claude")
	Command string `toml:"command"`

	// DefaultModel is used when a session has no model override. Empty lets the CLI choose.
	DefaultModel string `toml:"default_model"`

	// WorkingDir is the CLI's working directory. Empty inherits the bridge's.
	WorkingDir string `toml:"working_dir"`

	// AllowedTools restricts the tools the CLI may use
	AllowedTools []string `toml:"allowed_tools"`

	// MaxBudgetUSD is the per-invocation spending ceiling
	// Default: 1.00
	MaxBudgetUSD float64 `toml:"max_budget_usd"`

	// TimeoutSeconds is the wall-clock limit per invocation
	// Default: 300
	TimeoutSeconds int `toml:"timeout_seconds"`

	// MaxTurns bounds agentic turns per invocation
	// Default: 50
	MaxTurns int `toml:"max_turns"`

	// PermissionMode is passed as --permission-mode
	// Default: "dontAsk" (deny tools outside AllowedTools instead of prompting)
	PermissionMode string `toml:"permission_mode"`

	// MaxSessionBudgetUSD refuses further messages once a session's cumulative
	// cost reaches it. 0 disables the cap.
	MaxSessionBudgetUSD float64 `toml:"max_session_budget_usd"`
}

// StorageSettings selects the session store
type StorageSettings struct {
	// Backend is "sqlite" (default) or "json"
	Backend string `toml:"backend"`
}

// BridgeSettings defines controller behavior
type BridgeSettings struct {
	// ShowCost appends a "[cost: $x.xxxx]" footer to replies
	// Default: true (pointer to distinguish "not set" from "explicitly false")
	ShowCost *bool `toml:"show_cost"`

	// TypingIntervalSeconds is how often the typing indicator is refreshed
	// Default: 4
	TypingIntervalSeconds int `toml:"typing_interval_seconds"`

	// MaxStderrChars truncates CLI stderr quoted in error replies
	// Default: 500
	MaxStderrChars int `toml:"max_stderr_chars"`
}

// LogSettings defines debug log configuration
type LogSettings struct {
	// DebugLevel sets the minimum log level: "debug", "info", "warn", "error"
	// Default: "info"
	DebugLevel string `toml:"debug_level"`

	// DebugFormat sets the log format: "json" (default) or "text"
	DebugFormat string `toml:"debug_format"`

	// DebugMaxMB is the max size in MB for bridge.log before rotation
	// Default: 10
	DebugMaxMB int `toml:"debug_max_mb"`

	// DebugBackups is the number of rotated log files to keep
	// Default: 5
	DebugBackups int `toml:"debug_backups"`

	// DebugRetentionDays is the number of days to keep rotated logs
	// Default: 10
	DebugRetentionDays int `toml:"debug_retention_days"`

	// DebugCompress enables gzip compression for rotated logs
	DebugCompress bool `toml:"debug_compress"`

	// RingBufferMB is the in-memory ring buffer size in MB for crash dumps
	// Default: 10
	RingBufferMB int `toml:"ring_buffer_mb"`

	// PprofEnabled starts a pprof server on localhost:6060
	PprofEnabled bool `toml:"pprof_enabled"`

	// AggregateIntervalS is the event aggregation flush interval in seconds
	// Default: 30
	AggregateIntervalS int `toml:"aggregate_interval_secs"`

	// JournalRetentionDays deletes conversation journal files older than this
	// Default: 0 (keep forever)
	JournalRetentionDays int `toml:"journal_retention_days"`
}

// GetJournalRetention returns how long journal files are kept. Zero means forever.
func (l *LogSettings) GetJournalRetention() time.Duration {
	if l.JournalRetentionDays <= 0 {
		return 0
	}
	return time.Duration(l.JournalRetentionDays) * 24 * time.Hour
}

// GetPollTimeoutSeconds returns the long-poll timeout, defaulting to 30
func (t *TelegramSettings) GetPollTimeoutSeconds() int {
	if t.PollTimeoutSeconds <= 0 {
		return DefaultPollTimeoutSeconds
	}
	return t.PollTimeoutSeconds
}

// GetSendRatePerSecond returns the global send rate, defaulting to 25
func (t *TelegramSettings) GetSendRatePerSecond() float64 {
	if t.SendRatePerSecond <= 0 {
		return DefaultSendRatePerSecond
	}
	return t.SendRatePerSecond
}

// GetCommand returns the CLI executable, defaulting to "claude"
func (c *ClaudeSettings) GetCommand() string {
	if c.Command == "" {
		return DefaultClaudeCommand
	}
	return c.Command
}

// GetWorkingDir returns the CLI working directory with ~ and $VARS expanded
func (c *ClaudeSettings) GetWorkingDir() string {
	if c.WorkingDir == "" {
		return ""
	}
	return ExpandPath(c.WorkingDir)
}

// GetMaxBudgetUSD returns the per-invocation ceiling, defaulting to 1.00
func (c *ClaudeSettings) GetMaxBudgetUSD() float64 {
	if c.MaxBudgetUSD <= 0 {
		return DefaultMaxBudgetUSD
	}
	return c.MaxBudgetUSD
}

// GetTimeout returns the per-invocation timeout, defaulting to 300s
func (c *ClaudeSettings) GetTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetMaxTurns returns the turn limit, defaulting to 50
func (c *ClaudeSettings) GetMaxTurns() int {
	if c.MaxTurns <= 0 {
		return DefaultMaxTurns
	}
	return c.MaxTurns
}

// GetPermissionMode returns the permission mode, defaulting to "dontAsk"
func (c *ClaudeSettings) GetPermissionMode() string {
	if c.PermissionMode == "" {
		return DefaultPermissionMode
	}
	return c.PermissionMode
}

// GetBackend returns the storage backend name, defaulting to sqlite
func (s *StorageSettings) GetBackend() string {
	if s.Backend == "" {
		return BackendSQLite
	}
	return s.Backend
}

// GetShowCost returns whether to append the cost footer, defaulting to true
func (b *BridgeSettings) GetShowCost() bool {
	if b.ShowCost == nil {
		return true
	}
	return *b.ShowCost
}

// GetTypingInterval returns the typing refresh interval, defaulting to 4s
func (b *BridgeSettings) GetTypingInterval() time.Duration {
	if b.TypingIntervalSeconds <= 0 {
		return DefaultTypingIntervalSeconds * time.Second
	}
	return time.Duration(b.TypingIntervalSeconds) * time.Second
}

// GetMaxStderrChars returns the stderr truncation limit, defaulting to 500
func (b *BridgeSettings) GetMaxStderrChars() int {
	if b.MaxStderrChars <= 0 {
		return DefaultMaxStderrChars
	}
	return b.MaxStderrChars
}

// Environment variables read on top of config.toml.
const (
	EnvBotToken       = "TELEGRAM_BOT_TOKEN"
	EnvAllowedUserIDs = "ALLOWED_USER_IDS"
	EnvModel          = "CLAUDE_MODEL"
	EnvWorkingDir     = "CLAUDE_WORKING_DIR"
	EnvAllowedTools   = "CLAUDE_ALLOWED_TOOLS"
	EnvMaxBudgetUSD   = "CLAUDE_MAX_BUDGET_USD"
	EnvTimeoutSeconds = "CLAUDE_TIMEOUT_SECONDS"
	EnvDebug          = "BRIDGE_DEBUG"
)

// ApplyEnv overlays environment variables onto c. Set variables win over the file.
func (c *UserConfig) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvBotToken); v != "" {
		c.Telegram.BotToken = v
	}
	if v := getenv(EnvAllowedUserIDs); v != "" {
		ids, err := ParseUserIDs(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAllowedUserIDs, err)
		}
		c.Telegram.AllowedUserIDs = ids
	}
	if v := getenv(EnvModel); v != "" {
		c.Claude.DefaultModel = v
	}
	if v := getenv(EnvWorkingDir); v != "" {
		c.Claude.WorkingDir = v
	}
	if v := getenv(EnvAllowedTools); v != "" {
		c.Claude.AllowedTools = SplitCSV(v)
	}
	if v := getenv(EnvMaxBudgetUSD); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("%s: invalid amount %q", EnvMaxBudgetUSD, v)
		}
		c.Claude.MaxBudgetUSD = f
	}
	if v := getenv(EnvTimeoutSeconds); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid seconds %q", EnvTimeoutSeconds, v)
		}
		c.Claude.TimeoutSeconds = n
	}
	return nil
}

// ErrNoBotToken is returned by Validate when no bot token is configured.
var ErrNoBotToken = errors.New("no bot token configured (set TELEGRAM_BOT_TOKEN or [telegram] bot_token)")

// Validate checks the settings the run loop cannot start without.
func (c *UserConfig) Validate() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return ErrNoBotToken
	}
	switch c.Storage.GetBackend() {
	case BackendSQLite, BackendJSON:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}
	if c.Claude.MaxSessionBudgetUSD < 0 {
		return fmt.Errorf("[claude] max_session_budget_usd must not be negative")
	}
	return nil
}

// ParseUserIDs parses a comma-separated list of numeric user ids. Blank entries are skipped.
func ParseUserIDs(csv string) ([]int64, error) {
	var ids []int64
	for _, part := range SplitCSV(csv) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SplitCSV splits on commas, trimming whitespace and dropping empty items.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadEnvFiles loads .env from the working directory and the base directory.
// Variables already present in the environment are never overwritten.
// Missing files are skipped; the paths actually loaded are returned.
func LoadEnvFiles() ([]string, error) {
	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, ".env"))
	}
	if base, err := GetBaseDir(); err == nil {
		candidates = append(candidates, filepath.Join(base, ".env"))
	}

	var loaded []string
	seen := make(map[string]bool)
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// Default user config
var defaultUserConfig = UserConfig{}

// Cache for user config (loaded once per process, cleared by the watcher)
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	dir, err := GetBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// LoadUserConfig loads config.toml and applies environment overrides.
// Returns cached config after first load.
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	config := defaultUserConfig
	configPath, err := GetUserConfigPath()
	if err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			if _, err := toml.DecodeFile(configPath, &config); err != nil {
				// Cache defaults to prevent repeated parse attempts
				fallback := defaultUserConfig
				_ = fallback.ApplyEnv(nil)
				userConfigCache = &fallback
				return userConfigCache, fmt.Errorf("config.toml parse error: %w", err)
			}
		}
	}

	if err := config.ApplyEnv(nil); err != nil {
		userConfigCache = &config
		return userConfigCache, err
	}

	userConfigCache = &config
	return userConfigCache, nil
}

// ReloadUserConfig forces a reload of the user config
func ReloadUserConfig() (*UserConfig, error) {
	ClearUserConfigCache()
	return LoadUserConfig()
}

// SaveUserConfig writes the config to config.toml using atomic write pattern.
// This clears the cache so next LoadUserConfig() reads fresh values.
func SaveUserConfig(config *UserConfig) error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# claude-telegram-bridge configuration\n")
	buf.WriteString("# Environment variables (TELEGRAM_BOT_TOKEN, ALLOWED_USER_IDS, CLAUDE_*) override these values\n\n")

	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// Config may hold the bot token: owner read/write only
	if err := writeFileAtomic(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	ClearUserConfigCache()
	return nil
}

// ClearUserConfigCache clears the cached user config, allowing tests to reset state
// This does NOT reload - the next LoadUserConfig() call will read fresh from disk
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

// Redacted returns a copy safe to print: the bot token keeps only its numeric bot id.
func (c *UserConfig) Redacted() UserConfig {
	out := *c
	if tok := c.Telegram.BotToken; tok != "" {
		if i := strings.IndexByte(tok, ':'); i > 0 {
			out.Telegram.BotToken = tok[:i] + ":***"
		} else {
			out.Telegram.BotToken = "***"
		}
	}
	out.Telegram.AllowedUserIDs = append([]int64(nil), c.Telegram.AllowedUserIDs...)
	out.Claude.AllowedTools = append([]string(nil), c.Claude.AllowedTools...)
	return out
}
