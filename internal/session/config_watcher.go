package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// configDebounce coalesces the burst of events an editor save produces.
const configDebounce = 100 * time.Millisecond

// ConfigWatcher reloads config.toml when it changes and hands the fresh
// config to onChange. Parse errors keep the previous config in effect.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*UserConfig)
	reload   func() (*UserConfig, error)
}

// NewConfigWatcher watches the directory containing path. Watching the
// directory rather than the file survives editors that save by rename.
func NewConfigWatcher(path string, onChange func(*UserConfig)) (*ConfigWatcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config watcher: mkdir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}

	return &ConfigWatcher{
		path:     filepath.Clean(path),
		watcher:  watcher,
		onChange: onChange,
		reload:   ReloadUserConfig,
	}, nil
}

// Run processes events until ctx is cancelled. It always returns nil so a
// watcher failure never takes the bridge down.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		debounceTimer *time.Timer
		timerMu       sync.Mutex
	)
	defer func() {
		timerMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			timerMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(configDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.apply()
			})
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *ConfigWatcher) apply() {
	cfg, err := w.reload()
	if err != nil {
		configLog.Warn("config_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded",
		slog.String("path", w.path),
		slog.Int("allowed_users", len(cfg.Telegram.AllowedUserIDs)),
		slog.String("default_model", cfg.Claude.DefaultModel))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
