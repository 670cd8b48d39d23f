package claude

import (
	"errors"
	"fmt"
)

// Kind classifies invocation failures.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindProcessError   Kind = "process_error"
	KindProtocolError  Kind = "protocol_error"
	KindEmptyOutput    Kind = "empty_output"
)

// Failure is the error returned by Invoke for every failed invocation.
type Failure struct {
	Kind    Kind
	Message string

	// Stderr is the CLI's diagnostic output, already truncated.
	Stderr string

	// Err is the underlying cause, if any.
	Err error
}

func (f *Failure) Error() string {
	if f.Stderr != "" {
		return fmt.Sprintf("claude: %s: %s: %s", f.Kind, f.Message, f.Stderr)
	}
	return fmt.Sprintf("claude: %s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the failure kind carried by err, or "" if err is not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// AsFailure extracts the Failure from err. Any other error is reported as a
// process error so callers always get a kind to act on.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindProcessError, Message: err.Error(), Err: err}
}

func newFailure(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
