package claude

import (
	"strconv"
)

// Defaults for CLIInvoker fields left zero.
const (
	DefaultPermissionMode = "dontAsk"
	DefaultMaxTurns       = 50
	DefaultMaxBudgetUSD   = 1.00
	DefaultMaxStderrChars = 500
)

// Options holds the per-process flags that do not change between requests.
type Options struct {
	// PermissionMode is passed as --permission-mode. "dontAsk" denies tools
	// outside the allowlist instead of waiting for a prompt nobody will answer.
	PermissionMode string

	// MaxTurns is passed as --max-turns
	MaxTurns int
}

// ToArgs returns command-line arguments for one non-interactive invocation.
// The prompt always comes last, after "--", so text starting with a dash is
// never read as a flag.
func (o Options) ToArgs(req Request) []string {
	args := []string{"-p", "--output-format", "json"}

	if req.ContinuationToken != "" {
		args = append(args, "--resume", req.ContinuationToken)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, req.AllowedTools...)
	}

	mode := o.PermissionMode
	if mode == "" {
		mode = DefaultPermissionMode
	}
	args = append(args, "--permission-mode", mode)

	turns := o.MaxTurns
	if turns <= 0 {
		turns = DefaultMaxTurns
	}
	args = append(args, "--max-turns", strconv.Itoa(turns))

	args = append(args, "--max-budget-usd", formatUSD(budgetOrDefault(req.MaxBudgetUSD)))

	return append(args, "--", req.Prompt)
}

func budgetOrDefault(b float64) float64 {
	if b <= 0 {
		return DefaultMaxBudgetUSD
	}
	return b
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
