package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huangzesen/claude-telegram-bridge/internal/bridge"
	"github.com/huangzesen/claude-telegram-bridge/internal/claude"
	"github.com/huangzesen/claude-telegram-bridge/internal/journal"
	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
	"github.com/huangzesen/claude-telegram-bridge/internal/session"
	"github.com/huangzesen/claude-telegram-bridge/internal/statedb"
	"github.com/huangzesen/claude-telegram-bridge/internal/telegram"
)

const (
	heartbeatInterval = 10 * time.Second
	primaryTimeout    = 30 * time.Second
)

var cliLog = logging.ForComponent(logging.CompCLI)

// handleRun starts the bot and blocks until SIGINT/SIGTERM. It returns the
// process exit code.
func handleRun(profile string, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Log at debug level and mirror logs to stderr")
	fs.Usage = func() {
		fmt.Println("Usage: claude-telegram-bridge [-p profile] run [--debug]")
		fmt.Println()
		fmt.Println("Start polling Telegram and forwarding messages to Claude.")
		fmt.Println()
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 2
	}

	out := NewCLIOutput(false, false)

	envFiles, err := session.LoadEnvFiles()
	if err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}
	cfg, err := session.LoadUserConfig()
	if err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}
	if len(cfg.Telegram.AllowedUserIDs) == 0 {
		out.Error("no allowed users configured (set ALLOWED_USER_IDS or [telegram] allowed_user_ids)", ErrCodeConfigError)
		return 1
	}

	profileDir, err := session.GetProfileDir(profile)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		out.Error(err.Error(), ErrCodeStoreError)
		return 1
	}

	runLock, err := session.AcquireRunLock(profileDir)
	if err != nil {
		out.Error(fmt.Sprintf("profile '%s': %v", profile, err), ErrCodeInvalidOperation)
		return 1
	}
	defer runLock.Release()

	logging.Init(logConfig(cfg, profileDir, *debug || os.Getenv(session.EnvDebug) != ""))
	defer logging.Shutdown()

	cliLog.Info("bridge_starting",
		slog.String("version", Version),
		slog.String("profile", profile),
		slog.Int("pid", os.Getpid()),
		slog.Any("env_files", envFiles))

	backend, err := session.OpenBackend(cfg.Storage.GetBackend(), profileDir)
	if err != nil {
		cliLog.Error("store_open_failed", slog.String("error", err.Error()))
		out.Error(fmt.Sprintf("cannot open session store in %s: %v", profileDir, err), ErrCodeStoreError)
		return 1
	}
	store, err := session.NewStore(backend)
	if err != nil {
		backend.Close()
		cliLog.Error("store_load_failed", slog.String("error", err.Error()))
		out.Error(fmt.Sprintf("cannot load sessions: %v", err), ErrCodeStoreError)
		return 1
	}
	defer store.Close()

	var db *statedb.StateDB
	if sb, ok := backend.(*session.SQLiteBackend); ok {
		db = sb.DB()
		primary, err := claimPrimary(db)
		if err != nil {
			cliLog.Warn("primary_election_failed", slog.String("error", err.Error()))
		} else if !primary {
			out.Error(fmt.Sprintf("another bridge is already running for profile '%s'", profile), ErrCodeInvalidOperation)
			_ = db.UnregisterInstance()
			return 1
		}
		defer func() {
			_ = db.ResignPrimary()
			_ = db.UnregisterInstance()
		}()
	}

	client, err := telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.BotToken,
		PollTimeout: cfg.Telegram.GetPollTimeoutSeconds(),
		SendRate:    cfg.Telegram.GetSendRatePerSecond(),
	})
	if err != nil {
		cliLog.Error("telegram_connect_failed", slog.String("error", err.Error()))
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}

	logsDir, err := session.GetLogsDir(profile)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfigError)
		return 1
	}

	whitelist := bridge.NewWhitelist(cfg.Telegram.AllowedUserIDs)
	ctrl := bridge.NewController(store, newInvoker(cfg), client, whitelist, journal.New(logsDir), bridgeConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpOnSIGUSR1(ctx, profileDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx, func(ctx context.Context, in bridge.Inbound) {
			ctrl.Handle(ctx, in)
		})
	})
	if db != nil {
		g.Go(func() error { return heartbeatLoop(gctx, db) })
	}
	g.Go(func() error { return session.RunMaintenanceLoop(gctx, profileDir, nil) })
	if path, err := session.GetUserConfigPath(); err == nil {
		if w, err := session.NewConfigWatcher(path, func(c *session.UserConfig) {
			applyReload(ctrl, whitelist, c)
		}); err == nil {
			g.Go(func() error { return w.Run(gctx) })
		} else {
			cliLog.Warn("config_watch_failed", slog.String("error", err.Error()))
		}
	}

	fmt.Printf("%s Bot @%s running (profile '%s', %d allowed users). Ctrl+C to stop.\n",
		successStyle.Render(successSymbol), client.Username(), profile, whitelist.Len())
	cliLog.Info("bridge_running",
		slog.String("bot", client.Username()),
		slog.Int("allowed_users", whitelist.Len()),
		slog.Int("sessions", store.Len()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		cliLog.Error("bridge_stopped", slog.String("error", err.Error()))
		out.Error(err.Error(), ErrCodeInvalidOperation)
		return 1
	}
	cliLog.Info("bridge_stopped")
	return 0
}

// claimPrimary registers this process and tries to become the poller for the profile.
func claimPrimary(db *statedb.StateDB) (bool, error) {
	if err := db.CleanDeadInstances(primaryTimeout * 4); err != nil {
		return false, err
	}
	if err := db.RegisterInstance(false); err != nil {
		return false, err
	}
	return db.ElectPrimary(primaryTimeout)
}

func heartbeatLoop(ctx context.Context, db *statedb.StateDB) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				cliLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dumpOnSIGUSR1 dumps the ring buffer for post-mortem debugging
func dumpOnSIGUSR1(ctx context.Context, dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				cliLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}
}

// applyReload installs settings from an edited config.toml. Changes to the
// token, storage backend, CLI command or working directory need a restart.
func applyReload(ctrl *bridge.Controller, whitelist *bridge.Whitelist, c *session.UserConfig) {
	if len(c.Telegram.AllowedUserIDs) == 0 {
		cliLog.Warn("reload_empty_whitelist_ignored")
	} else {
		whitelist.Replace(c.Telegram.AllowedUserIDs)
	}
	next := bridgeConfig(c)
	// The invoker keeps the directory it was built with; /status must report that one
	running := ctrl.Config().WorkingDir
	if next.WorkingDir != running {
		cliLog.Warn("reload_working_dir_needs_restart",
			slog.String("running", running),
			slog.String("configured", next.WorkingDir))
		next.WorkingDir = running
	}
	ctrl.SetConfig(next)
	cliLog.Info("config_applied",
		slog.Int("allowed_users", whitelist.Len()),
		slog.String("default_model", c.Claude.DefaultModel))
}

func newInvoker(cfg *session.UserConfig) *claude.CLIInvoker {
	return &claude.CLIInvoker{
		Command:        cfg.Claude.GetCommand(),
		WorkingDir:     cfg.Claude.GetWorkingDir(),
		PermissionMode: cfg.Claude.GetPermissionMode(),
		MaxTurns:       cfg.Claude.GetMaxTurns(),
		MaxStderrChars: cfg.Bridge.GetMaxStderrChars(),
	}
}

func bridgeConfig(cfg *session.UserConfig) bridge.Config {
	return bridge.Config{
		DefaultModel:        cfg.Claude.DefaultModel,
		AllowedTools:        cfg.Claude.AllowedTools,
		WorkingDir:          cfg.Claude.GetWorkingDir(),
		MaxBudgetUSD:        cfg.Claude.GetMaxBudgetUSD(),
		MaxSessionBudgetUSD: cfg.Claude.MaxSessionBudgetUSD,
		Timeout:             cfg.Claude.GetTimeout(),
		ShowCost:            cfg.Bridge.GetShowCost(),
		TypingInterval:      cfg.Bridge.GetTypingInterval(),
	}
}

func logConfig(cfg *session.UserConfig, dir string, debug bool) logging.Config {
	logCfg := logging.Config{
		Debug:                 debug,
		LogDir:                dir,
		Level:                 "info",
		Format:                "json",
		MaxSizeMB:             10,
		MaxBackups:            5,
		MaxAgeDays:            10,
		Compress:              true,
		RingBufferSize:        10 * 1024 * 1024,
		AggregateIntervalSecs: 30,
	}

	ls := cfg.Logs
	if ls.DebugLevel != "" {
		logCfg.Level = ls.DebugLevel
	}
	if ls.DebugFormat != "" {
		logCfg.Format = ls.DebugFormat
	}
	if ls.DebugMaxMB > 0 {
		logCfg.MaxSizeMB = ls.DebugMaxMB
	}
	if ls.DebugBackups > 0 {
		logCfg.MaxBackups = ls.DebugBackups
	}
	if ls.DebugRetentionDays > 0 {
		logCfg.MaxAgeDays = ls.DebugRetentionDays
	}
	if ls.DebugCompress {
		logCfg.Compress = ls.DebugCompress
	}
	if ls.RingBufferMB > 0 {
		logCfg.RingBufferSize = ls.RingBufferMB * 1024 * 1024
	}
	if ls.PprofEnabled {
		logCfg.PprofEnabled = ls.PprofEnabled
	}
	if ls.AggregateIntervalS > 0 {
		logCfg.AggregateIntervalSecs = ls.AggregateIntervalS
	}
	return logCfg
}
