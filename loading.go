package dapps

import (
	"sync"
	"time"
)

// ActionType identifies a request kind tracked by the loading ledger
type ActionType string

const (
	ActionAuthorizationFlowRequest   ActionType = "[Request] Authorization Flow"
	ActionGrantTokenRequest          ActionType = "[Request] Grant Token"
	ActionRevokeTokenRequest         ActionType = "[Request] Revoke Token"
	ActionFetchAuthorizationsRequest ActionType = "[Request] Fetch Authorizations"
)

// LoadingEntry is one in-flight request
type LoadingEntry struct {
	Type          ActionType     `json:"type"`
	Authorization *Authorization `json:"authorization,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
}

// LoadingLedger tracks in-flight request entries as a multiset kept in insertion order.
// Untrack removes the most recently added entry of a type, so when two identical
// requests race the older one keeps being reported as loading.
type LoadingLedger struct {
	mu      sync.RWMutex
	entries []LoadingEntry
}

// NewLoadingLedger creates an empty ledger
func NewLoadingLedger() *LoadingLedger {
	return &LoadingLedger{}
}

// Track appends an entry
func (l *LoadingLedger) Track(entry LoadingEntry) {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Untrack removes the last entry with the given type.
// It returns false when no entry of that type is tracked.
func (l *LoadingLedger) Untrack(actionType ActionType) bool {
	return l.UntrackMatching(func(e LoadingEntry) bool { return e.Type == actionType })
}

// UntrackMatching removes the last entry matching the predicate.
// It returns false when no entry matches.
func (l *LoadingLedger) UntrackMatching(match func(LoadingEntry) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if match(l.entries[i]) {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// IsTracking reports whether any entry matches the predicate
func (l *LoadingLedger) IsTracking(match func(LoadingEntry) bool) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return containsEntry(l.entries, match)
}

// IsLoadingType reports whether an entry of the given type is tracked
func (l *LoadingLedger) IsLoadingType(actionType ActionType) bool {
	return l.IsTracking(func(e LoadingEntry) bool { return e.Type == actionType })
}

// Entries returns a copy of the tracked entries in insertion order
func (l *LoadingLedger) Entries() []LoadingEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LoadingEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops every entry
func (l *LoadingLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func containsEntry(entries []LoadingEntry, match func(LoadingEntry) bool) bool {
	for _, e := range entries {
		if match(e) {
			return true
		}
	}
	return false
}

// IsLoadingFor builds a predicate matching an action type for one authorization identity
func IsLoadingFor(actionType ActionType, authorization Authorization) func(LoadingEntry) bool {
	return func(e LoadingEntry) bool {
		return e.Type == actionType && e.Authorization != nil && e.Authorization.Equal(authorization)
	}
}
