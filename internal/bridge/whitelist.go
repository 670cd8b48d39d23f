package bridge

import (
	"sync/atomic"
)

// Authorizer decides whether a sender may use the bridge.
type Authorizer interface {
	Allowed(userID int64) bool
}

// Whitelist is a set of user ids that can be swapped while messages are
// being handled.
type Whitelist struct {
	ids atomic.Pointer[map[int64]struct{}]
}

// NewWhitelist returns a whitelist holding ids.
func NewWhitelist(ids []int64) *Whitelist {
	w := &Whitelist{}
	w.Replace(ids)
	return w
}

// Allowed reports whether userID is in the current set.
func (w *Whitelist) Allowed(userID int64) bool {
	set := w.ids.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[userID]
	return ok
}

// Replace installs a new set. In-flight checks see either the old or the new set.
func (w *Whitelist) Replace(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	w.ids.Store(&set)
}

// Len returns the number of allowed users.
func (w *Whitelist) Len() int {
	set := w.ids.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}
