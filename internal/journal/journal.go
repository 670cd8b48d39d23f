// Package journal keeps a per-day JSONL index of every prompt the bridge
// forwarded: who asked what, which conversation, and what it cost.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
)

var journalLog = logging.ForComponent(logging.CompJournal)

// PreviewChars is how much of a reply is kept in an entry.
const PreviewChars = 200

// Entry is one invocation, successful or not.
type Entry struct {
	Timestamp         time.Time `json:"timestamp"`
	InvocationID      string    `json:"invocation_id,omitempty"`
	UserID            int64     `json:"user_id"`
	Username          string    `json:"username,omitempty"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	Model             string    `json:"model"`
	Prompt            string    `json:"prompt"`
	ResponsePreview   string    `json:"response_preview"`
	CostUSD           *float64  `json:"cost_usd,omitempty"`
	DurationMS        int64     `json:"duration_ms,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`

	// SessionID is what older logs called the continuation token.
	SessionID string `json:"session_id,omitempty"`
}

// Token returns the continuation token, falling back to the legacy field.
func (e *Entry) Token() string {
	if e.ContinuationToken != "" {
		return e.ContinuationToken
	}
	return e.SessionID
}

// Journal appends entries to <dir>/YYYY-MM-DD.jsonl (UTC dates).
type Journal struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New returns a journal writing under dir. The directory is created on first append.
func New(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

// Dir returns the directory holding the daily files.
func (j *Journal) Dir() string { return j.dir }

// SetClock replaces the time source. Intended for tests.
func (j *Journal) SetClock(now func() time.Time) { j.now = now }

// Append writes e as one line. A zero Timestamp is filled in and the
// response preview is cut to PreviewChars.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.ResponsePreview = Preview(e.ResponsePreview, PreviewChars)

	if err := os.MkdirAll(j.dir, 0o700); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	path := filepath.Join(j.dir, e.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Recent returns up to n entries for userID, newest first. Files are read
// newest day first; malformed lines are skipped.
func (j *Journal) Recent(userID int64, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(j.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("journal: glob: %w", err)
	}
	// YYYY-MM-DD names sort chronologically
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []Entry
	for _, path := range files {
		lines, err := readLines(path)
		if err != nil {
			journalLog.Warn("journal_read_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		for i := len(lines) - 1; i >= 0; i-- {
			var e Entry
			if err := json.Unmarshal(lines[i], &e); err != nil {
				continue
			}
			if e.UserID != userID {
				continue
			}
			out = append(out, e)
			if len(out) >= n {
				return out, nil
			}
		}
	}
	return out, nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, sc.Err()
}

// Preview returns the first n runes of s.
func Preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Format renders entries for a chat reply, one block per entry:
//
//	2026-01-02 15:04:05 | abcd1234...
//	> prompt
//	preview [$0.0123]
func Format(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		token := e.Token()
		switch {
		case token == "":
			token = "(new)"
		case len(token) > 8:
			token = token[:8] + "..."
		}
		fmt.Fprintf(&b, "%s | %s\n", e.Timestamp.UTC().Format("2006-01-02 15:04:05"), token)
		fmt.Fprintf(&b, "> %s\n", Preview(e.Prompt, 80))
		if e.ErrorKind != "" {
			fmt.Fprintf(&b, "[%s] %s", e.ErrorKind, Preview(e.Error, 80))
		} else {
			b.WriteString(Preview(e.ResponsePreview, 80))
		}
		if e.CostUSD != nil && *e.CostUSD > 0 {
			fmt.Fprintf(&b, " [$%.4f]", *e.CostUSD)
		}
		b.WriteString("\n")
	}
	return b.String()
}
