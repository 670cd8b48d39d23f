// Package claude runs the Claude CLI once per prompt and turns its JSON
// output into a Result or a typed Failure.
package claude

import (
	"context"
	"time"
)

// Request is one prompt to send to the CLI.
type Request struct {
	Prompt string

	// ContinuationToken resumes an earlier conversation. Empty starts a new one.
	ContinuationToken string

	// Model selects the model variant. Empty lets the CLI choose.
	Model string

	// AllowedTools restricts which tools the CLI may use. Nil means no restriction flag.
	AllowedTools []string

	// MaxBudgetUSD is passed to the CLI and checked again against the reported cost.
	MaxBudgetUSD float64

	// Timeout bounds the whole invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Result is a successful invocation.
type Result struct {
	Text string

	// ContinuationToken is the id to pass on the next call. It can be empty
	// when the CLI ran without persisting a conversation.
	ContinuationToken string

	CostUSD  float64
	Duration time.Duration
	NumTurns int
}

// Invoker turns a Request into a Result. Implementations must not mutate
// shared state; callers apply results to sessions.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// DefaultTimeout applies when Request.Timeout is zero.
const DefaultTimeout = 300 * time.Second
