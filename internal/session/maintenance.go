package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MaintenanceInterval is how often the run loop prunes a profile directory.
const MaintenanceInterval = 15 * time.Minute

// keepCrashDumps is how many SIGUSR1 dumps survive a maintenance run.
const keepCrashDumps = 3

// CrashDumpPattern matches ring buffer dumps written into a profile directory.
const CrashDumpPattern = "crash-dump-*.jsonl"

// MaintenanceResult holds the outcome of a maintenance run.
type MaintenanceResult struct {
	PrunedJournals int
	PrunedDumps    int
	Duration       time.Duration
}

// RunMaintenance prunes profileDir: journal days older than retention
// (zero keeps everything) and all but the newest crash dumps.
func RunMaintenance(profileDir string, retention time.Duration, now time.Time) MaintenanceResult {
	start := time.Now()
	res := MaintenanceResult{}
	if retention > 0 {
		res.PrunedJournals = pruneJournals(filepath.Join(profileDir, LogsDirName), now.Add(-retention))
	}
	res.PrunedDumps = pruneCrashDumps(profileDir, keepCrashDumps)
	res.Duration = time.Since(start)
	return res
}

// RunMaintenanceLoop runs maintenance now and then every MaintenanceInterval
// until ctx is done. Retention is re-read from config.toml on each run.
func RunMaintenanceLoop(ctx context.Context, profileDir string, onComplete func(MaintenanceResult)) error {
	run := func() {
		cfg, _ := LoadUserConfig()
		result := RunMaintenance(profileDir, cfg.Logs.GetJournalRetention(), time.Now())
		if result.PrunedJournals > 0 || result.PrunedDumps > 0 {
			storeLog.Info("maintenance_done",
				slog.Int("pruned_journals", result.PrunedJournals),
				slog.Int("pruned_dumps", result.PrunedDumps),
				slog.Duration("duration", result.Duration))
		}
		if onComplete != nil {
			onComplete(result)
		}
	}

	run()
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
		}
	}
}

// pruneJournals deletes YYYY-MM-DD.jsonl files whose day ended before cutoff.
func pruneJournals(dir string, cutoff time.Time) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		storeLog.Warn("prune_journals_glob_error", slog.String("error", err.Error()))
		return 0
	}

	pruned := 0
	for _, path := range matches {
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(filepath.Base(path), ".jsonl"))
		if err != nil {
			continue
		}
		if !day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			storeLog.Warn("maintenance_file_remove_failed", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			pruned++
		}
	}
	return pruned
}

// pruneCrashDumps keeps only the keep most recent crash dumps in dir.
func pruneCrashDumps(dir string, keep int) int {
	matches, err := filepath.Glob(filepath.Join(dir, CrashDumpPattern))
	if err != nil || len(matches) <= keep {
		return 0
	}

	type fileWithMtime struct {
		path  string
		mtime time.Time
	}
	var sorted []fileWithMtime
	for _, f := range matches {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		sorted = append(sorted, fileWithMtime{path: f, mtime: info.ModTime()})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].mtime.After(sorted[j].mtime)
	})

	pruned := 0
	for i := keep; i < len(sorted); i++ {
		if err := os.Remove(sorted[i].path); err != nil {
			storeLog.Warn("maintenance_dump_remove_failed", slog.String("path", sorted[i].path), slog.String("error", err.Error()))
		} else {
			pruned++
		}
	}
	return pruned
}
