// Package isolation tracks per-user instance ownership: the quota that
// caps how many terminals and assistant instances a single user may hold
// open at once, counted together against one budget, and the
// instance-to-session bindings the disconnect cascade sweeps.
//
// terminalmux and assistantmux share this one table instead of each
// enforcing its own count, so a user cannot double their budget by mixing
// instance kinds.
package isolation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned by Acquire when the user is already at the
// instance ceiling. The Dispatcher maps it to the QUOTA_EXCEEDED wire code.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Kind distinguishes what an instance is, for diagnostics only — the quota
// itself is kind-agnostic.
type Kind string

const (
	KindTerminal  Kind = "terminal"
	KindAssistant Kind = "assistant"
)

// UserInstanceRecord is one held instance slot.
type UserInstanceRecord struct {
	UserID       string
	InstanceID   string
	SessionID    string
	Kind         Kind
	LastActivity time.Time
}

// Table is a per-user map of held instance slots, enforcing the per-user
// ceiling (MaxInstancesPerUser, default 8).
type Table struct {
	mu     sync.Mutex
	max    int // per-user ceiling; 0 means unlimited
	byID   map[string]UserInstanceRecord
	byUser map[string]map[string]struct{} // userID -> instanceID set
}

// New creates a UserIsolation table enforcing max instances per user.
func New(max int) *Table {
	if max < 0 {
		max = 0
	}
	return &Table{
		max:    max,
		byID:   make(map[string]UserInstanceRecord),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Acquire reserves one instance slot for userID, identified by instanceID
// and bound to the acquiring session so ReleaseSession can sweep leftovers
// on disconnect. Returns ErrQuotaExceeded if the user is already at their
// quota.
func (t *Table) Acquire(userID, instanceID, sessionID string, kind Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[instanceID]; exists {
		return fmt.Errorf("instance already held: %s", instanceID)
	}

	if t.max > 0 && len(t.byUser[userID]) >= t.max {
		return fmt.Errorf("user %s is at the instance limit (%d): %w", userID, t.max, ErrQuotaExceeded)
	}

	t.byID[instanceID] = UserInstanceRecord{
		UserID:       userID,
		InstanceID:   instanceID,
		SessionID:    sessionID,
		Kind:         kind,
		LastActivity: time.Now(),
	}

	ids, ok := t.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		t.byUser[userID] = ids
	}
	ids[instanceID] = struct{}{}

	return nil
}

// Release frees the slot held by instanceID, if any. It is idempotent and
// does not require knowing the owning user.
func (t *Table) Release(userID, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(userID, instanceID)
}

func (t *Table) releaseLocked(userID, instanceID string) {
	if rec, ok := t.byID[instanceID]; ok {
		userID = rec.UserID
	}
	delete(t.byID, instanceID)
	if ids, ok := t.byUser[userID]; ok {
		delete(ids, instanceID)
		if len(ids) == 0 {
			delete(t.byUser, userID)
		}
	}
}

// ReleaseSession removes every record bound to sessionID and returns them,
// so the disconnect cascade can kill any PTYs the component-level cleanups
// missed. It is idempotent: a second call for the same session returns nil.
func (t *Table) ReleaseSession(sessionID string) []UserInstanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []UserInstanceRecord
	for id, rec := range t.byID {
		if rec.SessionID != sessionID {
			continue
		}
		out = append(out, rec)
		t.releaseLocked(rec.UserID, id)
	}
	return out
}

// Owns reports whether userID currently holds instanceID. Total: unknown
// instances are simply not owned.
func (t *Table) Owns(userID, instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[instanceID]
	return ok && rec.UserID == userID
}

// Touch refreshes the last-activity timestamp for instanceID. Unknown ids
// are a no-op — callers don't need to special-case instances that were
// already released out from under them.
func (t *Table) Touch(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byID[instanceID]
	if !ok {
		return
	}
	r.LastActivity = time.Now()
	t.byID[instanceID] = r
}

// CountForUser returns how many instance slots userID currently holds.
func (t *Table) CountForUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[userID])
}

// RemainingForUser returns how many more instances userID may acquire.
// Returns -1 if unlimited.
func (t *Table) RemainingForUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max <= 0 {
		return -1
	}
	remaining := t.max - len(t.byUser[userID])
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// InstancesForUser lists the instance ids currently held by userID.
func (t *Table) InstancesForUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byUser[userID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// RecordsForUser returns the full records currently held by userID.
func (t *Table) RecordsForUser(userID string) []UserInstanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byUser[userID]
	out := make([]UserInstanceRecord, 0, len(ids))
	for id := range ids {
		out = append(out, t.byID[id])
	}
	return out
}

// LastActivity returns the last-activity timestamp recorded for instanceID,
// and whether the instance is currently held.
func (t *Table) LastActivity(instanceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[instanceID]
	return r.LastActivity, ok
}
