package dapps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry is the process-wide snapshot of known on-chain authorizations.
//
// Refresh re-reads a batch of authorizations and merges the result: every record whose
// identity was part of the batch is replaced by the fresh result, or dropped when the
// authorization is no longer granted. Concurrent refreshes are last-write-wins per identity.
type Registry struct {
	mu      sync.RWMutex
	reader  AuthorizationReader
	records []AuthorizationRecord
	logger  *slog.Logger
	now     func() time.Time

	onRefreshSuccess []RefreshSuccessHook
	onRefreshFailure []RefreshFailureHook
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry reading through reader
func NewRegistry(reader AuthorizationReader, opts ...RegistryOption) *Registry {
	r := &Registry{
		reader: reader,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRefreshSuccess registers a hook called after each merged refresh
func (r *Registry) OnRefreshSuccess(hook RefreshSuccessHook) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRefreshSuccess = append(r.onRefreshSuccess, hook)
	return r
}

// OnRefreshFailure registers a hook called when a refresh fails as a whole
func (r *Registry) OnRefreshFailure(hook RefreshFailureHook) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRefreshFailure = append(r.onRefreshFailure, hook)
	return r
}

// Refresh reads the given authorizations from chain and merges them into the snapshot.
// Per-item read failures are reported by the reader as nil results and never abort the batch.
func (r *Registry) Refresh(ctx context.Context, authorizations []Authorization) (RefreshResult, error) {
	if len(authorizations) == 0 {
		return RefreshResult{}, nil
	}

	results, err := r.reader.ReadAuthorizations(ctx, authorizations)
	if err == nil && len(results) != len(authorizations) {
		err = fmt.Errorf("reader returned %d results for %d authorizations", len(results), len(authorizations))
	}
	if err != nil {
		r.logger.Warn("failed to refresh authorizations", "count", len(authorizations), "error", err)
		r.runRefreshFailure(RefreshFailureContext{Authorizations: authorizations, Error: err})
		return RefreshResult{}, NewFlowError(ErrKindRegistryRefresh, defaultMessages[ErrKindRegistryRefresh], err)
	}

	// reads that land after cancellation belong to an abandoned caller
	if err := ctx.Err(); err != nil {
		return RefreshResult{}, err
	}

	result := RefreshResult{Authorizations: make([]RefreshedAuthorization, len(authorizations))}
	for i, original := range authorizations {
		result.Authorizations[i] = RefreshedAuthorization{Original: original, Result: normalizeRecord(original, results[i], r.now())}
	}

	r.mu.Lock()
	r.records = mergeRecords(r.records, result.Authorizations)
	hooks := append([]RefreshSuccessHook(nil), r.onRefreshSuccess...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(result)
	}
	return result, nil
}

// Get returns a copy of the current snapshot
func (r *Registry) Get() []AuthorizationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuthorizationRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Find returns the record with the same identity as authorization
func (r *Registry) Find(authorization Authorization) (AuthorizationRecord, bool) {
	key := authorization.Key()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, record := range r.records {
		if record.Key() == key {
			return record, true
		}
	}
	return AuthorizationRecord{}, false
}

// Clear drops every record
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

func (r *Registry) runRefreshFailure(ctx RefreshFailureContext) {
	r.mu.RLock()
	hooks := append([]RefreshFailureHook(nil), r.onRefreshFailure...)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx)
	}
}

// normalizeRecord pins the record to the requested identity. Zero allowances are not
// granted and yield nil.
func normalizeRecord(original Authorization, record *AuthorizationRecord, observedAt time.Time) *AuthorizationRecord {
	if record == nil {
		return nil
	}
	if original.Kind == AuthorizationKindAllowance && (record.Allowance == nil || record.Allowance.Sign() <= 0) {
		return nil
	}
	out := *record
	out.Authorization = original
	out.KnownAllowance = nil
	if original.Kind == AuthorizationKindApproval {
		out.Allowance = nil
	}
	if out.ObservedAt.IsZero() {
		out.ObservedAt = observedAt
	}
	return &out
}

// mergeRecords returns (current - identities in refreshed) + non-nil refreshed results.
// A batch naming the same identity twice keeps the last result.
func mergeRecords(current []AuthorizationRecord, refreshed []RefreshedAuthorization) []AuthorizationRecord {
	latest := make(map[string]*AuthorizationRecord, len(refreshed))
	order := make([]string, 0, len(refreshed))
	for _, item := range refreshed {
		key := item.Original.Key()
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = item.Result
	}

	merged := make([]AuthorizationRecord, 0, len(current)+len(order))
	for _, record := range current {
		if _, ok := latest[record.Key()]; !ok {
			merged = append(merged, record)
		}
	}
	for _, key := range order {
		if record := latest[key]; record != nil {
			merged = append(merged, *record)
		}
	}
	return merged
}
