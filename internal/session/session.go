package session

import (
	"time"
)

// Session is the persisted conversation state for one chat user.
type Session struct {
	UserID int64 `json:"user_id"`

	// ContinuationToken is the CLI-issued id passed back on the next invocation.
	// Empty means the next message starts a fresh conversation.
	ContinuationToken string `json:"continuation_token,omitempty"`

	// Model overrides the process-wide default model when set.
	Model string `json:"model,omitempty"`

	// CumulativeCost is the USD total reported by successful invocations.
	CumulativeCost float64 `json:"cumulative_cost"`

	// MessageCount is the number of successful invocations since the last reset.
	MessageCount int `json:"message_count"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Clone returns a copy the caller may mutate freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// EffectiveModel returns the session's model, or def when unset.
func (s *Session) EffectiveModel(def string) string {
	if s != nil && s.Model != "" {
		return s.Model
	}
	return def
}

// IsFresh reports whether the next invocation starts a new conversation.
func (s *Session) IsFresh() bool {
	return s == nil || s.ContinuationToken == ""
}

// ShortToken returns the first 8 characters of the continuation token for display.
func (s *Session) ShortToken() string {
	if s == nil || s.ContinuationToken == "" {
		return "(new)"
	}
	if len(s.ContinuationToken) <= 8 {
		return s.ContinuationToken
	}
	return s.ContinuationToken[:8] + "..."
}
