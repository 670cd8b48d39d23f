package claude

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
)

var claudeLog = logging.ForComponent(logging.CompClaude)

// defaultWaitDelay bounds how long Wait keeps draining pipes after the
// process group is killed.
const defaultWaitDelay = 2 * time.Second

// stripEnv lists variables removed from the child environment. CLAUDECODE
// makes the CLI refuse to start when the bridge itself runs inside Claude Code.
var stripEnv = []string{"CLAUDECODE"}

// CLIInvoker runs the claude executable once per request.
type CLIInvoker struct {
	// Command is the executable name or path (default "claude")
	Command string

	// WorkingDir is the child's working directory. Empty inherits ours.
	WorkingDir string

	PermissionMode string
	MaxTurns       int

	// MaxStderrChars truncates diagnostics carried in failures (default 500)
	MaxStderrChars int

	// Env is appended to the inherited environment as KEY=VALUE entries.
	Env []string

	// WaitDelay overrides defaultWaitDelay. Intended for tests.
	WaitDelay time.Duration
}

func (c *CLIInvoker) command() string {
	if c.Command == "" {
		return "claude"
	}
	return c.Command
}

func (c *CLIInvoker) stderrLimit() int {
	if c.MaxStderrChars <= 0 {
		return DefaultMaxStderrChars
	}
	return c.MaxStderrChars
}

// Invoke runs the CLI and classifies the outcome. Every returned error is a *Failure.
// The child runs in its own process group; on timeout the whole group is
// killed and reaped before Invoke returns.
func (c *CLIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ceiling := budgetOrDefault(req.MaxBudgetUSD)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := Options{PermissionMode: c.PermissionMode, MaxTurns: c.MaxTurns}.ToArgs(req)
	cmd := exec.CommandContext(runCtx, c.command(), args...)
	cmd.Dir = c.WorkingDir
	cmd.Env = childEnv(os.Environ(), c.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole group so tool subprocesses die too
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	claudeLog.Debug("claude_invoke_start",
		slog.Bool("resume", req.ContinuationToken != ""),
		slog.String("model", req.Model),
		slog.Int("prompt_chars", len([]rune(req.Prompt))),
		slog.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		f := c.classifyRunError(ctx, runCtx, runErr, timeout, stdout.Bytes(), stderr.String(), ceiling)
		claudeLog.Warn("claude_invoke_failed",
			slog.String("kind", string(f.Kind)),
			slog.String("error", f.Message),
			slog.Duration("elapsed", elapsed))
		return nil, f
	}

	res, err := parseOutput(stdout.Bytes(), ceiling)
	if err != nil {
		f := AsFailure(err)
		// is_error results carry the CLI's own text, which can be arbitrarily long
		f.Message = truncateRunes(f.Message, c.stderrLimit())
		if f.Stderr == "" {
			f.Stderr = truncateRunes(strings.TrimSpace(stderr.String()), c.stderrLimit())
		}
		claudeLog.Warn("claude_invoke_failed",
			slog.String("kind", string(f.Kind)),
			slog.String("error", f.Message),
			slog.Duration("elapsed", elapsed))
		return nil, f
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}

	claudeLog.Info("claude_invoke_done",
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int("turns", res.NumTurns),
		slog.Bool("has_token", res.ContinuationToken != ""),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

func (c *CLIInvoker) classifyRunError(parent, runCtx context.Context, runErr error, timeout time.Duration, stdout []byte, stderr string, ceiling float64) *Failure {
	diag := truncateRunes(strings.TrimSpace(stderr), c.stderrLimit())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		f := newFailure(KindTimeout, "no response after %s", timeout)
		f.Err = runErr
		return f
	}
	if parent.Err() != nil {
		f := newFailure(KindProcessError, "invocation cancelled")
		f.Err = parent.Err()
		return f
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// The CLI exits non-zero when it stops on the budget but still prints its JSON
		if _, perr := parseOutput(stdout, ceiling); KindOf(perr) == KindBudgetExceeded {
			f := AsFailure(perr)
			f.Stderr = diag
			return f
		}
		msg := diag
		if msg == "" {
			msg = "unknown error"
		}
		return &Failure{
			Kind:    KindProcessError,
			Message: "exit status " + strconv.Itoa(exitErr.ExitCode()),
			Stderr:  msg,
			Err:     runErr,
		}
	}

	if errors.Is(runErr, exec.ErrNotFound) {
		f := newFailure(KindProcessError, "command %q not found", c.command())
		f.Err = runErr
		return f
	}
	f := newFailure(KindProcessError, "failed to run %s: %v", c.command(), runErr)
	f.Err = runErr
	return f
}

// childEnv returns base without the stripped variables, followed by extra.
func childEnv(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, s := range stripEnv {
			if name == s {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return append(out, extra...)
}
