package dapps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/decentraland/dapps/go/pkg/otelutil"
)

// FlowRequest asks the orchestrator to grant or revoke one authorization
type FlowRequest struct {
	Authorization Authorization
	Action        AuthorizationAction
	// RequiredAllowance is the minimum allowance the grant must leave on-chain (allowances only)
	RequiredAllowance *big.Int
	// CurrentAllowance is the allowance the caller observed before starting; a non-zero value
	// on Ethereum makes the flow revoke before granting
	CurrentAllowance *big.Int
	// OnComplete is invoked exactly once when the flow succeeds or fails.
	// It is never invoked for abandoned flows.
	OnComplete func(FlowOutcome)
}

// needsRevoke reports whether an allowance must be reset to zero before it is granted.
// Only Ethereum ERC20 allowances need it; the approve race does not apply elsewhere.
func (r FlowRequest) needsRevoke() bool {
	return r.Action == ActionGrant &&
		r.Authorization.Kind == AuthorizationKindAllowance &&
		r.Authorization.ChainID.IsEthereum() &&
		r.CurrentAllowance != nil &&
		r.CurrentAllowance.Sign() > 0
}

func (r FlowRequest) validate() error {
	switch r.Authorization.Kind {
	case AuthorizationKindAllowance, AuthorizationKindApproval:
	default:
		return NewFlowError(ErrKindContractCall, fmt.Sprintf("unsupported authorization type %q", r.Authorization.Kind), nil)
	}
	switch r.Action {
	case ActionGrant, ActionRevoke:
	default:
		return NewFlowError(ErrKindContractCall, fmt.Sprintf("unsupported authorization action %q", r.Action), nil)
	}
	return nil
}

// FlowSnapshot is the observable state of the latest flow for one authorization identity.
// It outlives the flow until Clear or Reset so step statuses can still be rendered.
type FlowSnapshot struct {
	ID            string              `json:"id"`
	Authorization Authorization       `json:"authorization"`
	Action        AuthorizationAction `json:"action"`
	State         FlowState           `json:"state"`
	RevokeNeeded  bool                `json:"revokeNeeded"`
	Revoked       bool                `json:"revoked"`
	Error         *FlowError          `json:"error,omitempty"`
	Transactions  []TransactionHandle `json:"transactions,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// heldEntry is a ledger entry owned by a run, released by type and identity
type heldEntry struct {
	actionType    ActionType
	authorization Authorization
}

// FlowRun is a handle on one running flow
type FlowRun struct {
	id     string
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by AuthorizationFlow.mu
	abandoned bool
	held      []heldEntry
	outcome   FlowOutcome
}

// ID returns the flow id
func (r *FlowRun) ID() string {
	return r.id
}

// Done is closed once the flow has completed or has been abandoned
func (r *FlowRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the flow completes. A failed flow returns its outcome together with
// the *FlowError; an abandoned flow returns ErrFlowAbandoned.
func (r *FlowRun) Wait(ctx context.Context) (FlowOutcome, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return FlowOutcome{}, ctx.Err()
	}
	if r.abandoned {
		return FlowOutcome{}, ErrFlowAbandoned
	}
	if r.outcome.Error != nil {
		return r.outcome, r.outcome.Error
	}
	return r.outcome, nil
}

// AuthorizationFlow orchestrates revoke, grant, confirmation and registry re-reads for
// authorization changes. At most one flow runs per authorization identity; flows for
// different identities run concurrently.
type AuthorizationFlow struct {
	mu        sync.Mutex
	registry  *Registry
	executor  ChangeExecutor
	tracker   TransactionTracker
	ledger    *LoadingLedger
	inFlight  *inFlightTable
	snapshots map[string]*FlowSnapshot
	ids       map[string]string
	logger    *slog.Logger
	now       func() time.Time

	onRequest []FlowRequestHook
	onSuccess []FlowSuccessHook
	onFailure []FlowFailureHook
}

// FlowOption configures the orchestrator
type FlowOption func(*AuthorizationFlow)

// WithLogger sets the orchestrator logger
func WithLogger(logger *slog.Logger) FlowOption {
	return func(f *AuthorizationFlow) {
		f.logger = logger
	}
}

// WithLedger shares an existing loading ledger
func WithLedger(ledger *LoadingLedger) FlowOption {
	return func(f *AuthorizationFlow) {
		f.ledger = ledger
	}
}

// NewAuthorizationFlow creates an orchestrator
func NewAuthorizationFlow(registry *Registry, executor ChangeExecutor, tracker TransactionTracker, opts ...FlowOption) *AuthorizationFlow {
	f := &AuthorizationFlow{
		registry:  registry,
		executor:  executor,
		tracker:   tracker,
		ledger:    NewLoadingLedger(),
		inFlight:  newInFlightTable(),
		snapshots: make(map[string]*FlowSnapshot),
		ids:       make(map[string]string),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnFlowRequest registers a hook called when a flow is accepted
func (f *AuthorizationFlow) OnFlowRequest(hook FlowRequestHook) *AuthorizationFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRequest = append(f.onRequest, hook)
	return f
}

// OnFlowSuccess registers a hook called when a flow succeeds
func (f *AuthorizationFlow) OnFlowSuccess(hook FlowSuccessHook) *AuthorizationFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSuccess = append(f.onSuccess, hook)
	return f
}

// OnFlowFailure registers a hook called when a flow fails
func (f *AuthorizationFlow) OnFlowFailure(hook FlowFailureHook) *AuthorizationFlow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFailure = append(f.onFailure, hook)
	return f
}

// Registry returns the registry the flows refresh
func (f *AuthorizationFlow) Registry() *Registry {
	return f.registry
}

// Ledger returns the loading ledger the flows write to
func (f *AuthorizationFlow) Ledger() *LoadingLedger {
	return f.ledger
}

// Start launches a flow and returns immediately.
// It fails fast with ErrFlowInProgress when a flow for the same identity is running;
// nothing is broadcast in that case. Cancelling ctx abandons the flow.
func (f *AuthorizationFlow) Start(ctx context.Context, req FlowRequest) (*FlowRun, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := req.Authorization.Key()
	runCtx, cancel := context.WithCancel(ctx)
	run := &FlowRun{
		id:     uuid.NewString(),
		key:    key,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if status, _ := f.inFlight.checkAndMark(key, run); status == statusInFlight {
		f.mu.Unlock()
		cancel()
		f.logger.Warn("authorization flow already in progress", "authorization", key)
		return nil, ErrFlowInProgress
	}
	if previous, ok := f.snapshots[key]; ok {
		delete(f.ids, previous.ID)
	}
	now := f.now()
	f.snapshots[key] = &FlowSnapshot{
		ID:            run.id,
		Authorization: req.Authorization,
		Action:        req.Action,
		State:         FlowStateIdle,
		RevokeNeeded:  req.needsRevoke(),
		StartedAt:     now,
		UpdatedAt:     now,
	}
	f.ids[run.id] = key
	f.trackLocked(run, ActionAuthorizationFlowRequest, req.Authorization)
	hooks := append([]FlowRequestHook(nil), f.onRequest...)
	f.mu.Unlock()

	requestCtx := f.requestContext(run, req, now)
	for _, hook := range hooks {
		hook(requestCtx)
	}
	f.logger.Debug("authorization flow started",
		"flow_id", run.id,
		"authorization", key,
		"action", req.Action,
		"revoke_needed", req.needsRevoke(),
	)

	go f.execute(run, req, now)
	return run, nil
}

// Run starts a flow and waits for its outcome
func (f *AuthorizationFlow) Run(ctx context.Context, req FlowRequest) (FlowOutcome, error) {
	run, err := f.Start(ctx, req)
	if err != nil {
		return FlowOutcome{Authorization: req.Authorization, Error: AsFlowError(err, ErrKindContractCall)}, err
	}
	return run.Wait(ctx)
}

// Clear abandons the in-flight flow for the authorization identity, if any, and forgets its
// snapshot. An abandoned flow never mutates state again and never calls its continuation.
func (f *AuthorizationFlow) Clear(authorization Authorization) {
	key := authorization.Key()
	f.mu.Lock()
	defer f.mu.Unlock()

	if run, ok := f.inFlight.get(key); ok {
		f.abandonLocked(run)
	}
	if snapshot, ok := f.snapshots[key]; ok {
		delete(f.ids, snapshot.ID)
		delete(f.snapshots, key)
	}
}

// Reset abandons every flow and clears the registry and the loading ledger
func (f *AuthorizationFlow) Reset() {
	f.mu.Lock()
	for _, run := range f.inFlight.drain() {
		f.abandonLocked(run)
	}
	f.snapshots = make(map[string]*FlowSnapshot)
	f.ids = make(map[string]string)
	f.mu.Unlock()

	f.ledger.Clear()
	f.registry.Clear()
}

// InFlight returns the number of running flows
func (f *AuthorizationFlow) InFlight() int {
	return f.inFlight.size()
}

// Snapshot returns the latest flow snapshot for the authorization identity
func (f *AuthorizationFlow) Snapshot(authorization Authorization) (FlowSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(authorization.Key())
}

// SnapshotByID returns the snapshot of the flow with the given id
func (f *AuthorizationFlow) SnapshotByID(id string) (FlowSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.ids[id]
	if !ok {
		return FlowSnapshot{}, false
	}
	return f.snapshotLocked(key)
}

// Steps projects the step statuses of the latest flow for the authorization identity
func (f *AuthorizationFlow) Steps(authorization Authorization) ([]StepView, bool) {
	snapshot, ok := f.Snapshot(authorization)
	if !ok {
		return nil, false
	}
	return ProjectSteps(snapshot, f.ledger.Entries()), true
}

func (f *AuthorizationFlow) snapshotLocked(key string) (FlowSnapshot, bool) {
	snapshot, ok := f.snapshots[key]
	if !ok {
		return FlowSnapshot{}, false
	}
	out := *snapshot
	out.Transactions = append([]TransactionHandle(nil), snapshot.Transactions...)
	return out, true
}

func (f *AuthorizationFlow) execute(run *FlowRun, req FlowRequest, startedAt time.Time) {
	ctx, span := otelutil.Tracer.Start(run.ctx, "dapps.AuthorizationFlow.execute",
		trace.WithAttributes(
			attribute.String("flow.id", run.id),
			attribute.String("authorization", run.key),
			attribute.String("action", string(req.Action)),
		))
	defer span.End()

	err := f.steps(ctx, run, req)
	if err != nil {
		otelutil.RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	f.finish(run, req, startedAt, err)
}

func (f *AuthorizationFlow) steps(ctx context.Context, run *FlowRun, req FlowRequest) error {
	authorization := req.Authorization

	if req.Action == ActionRevoke {
		if err := f.change(ctx, run, authorization, ActionRevoke, FlowStateChanging); err != nil {
			return err
		}
		if err := f.refresh(ctx, run, authorization); err != nil {
			return err
		}
		f.setState(run, FlowStateEvaluating)
		if _, ok := f.registry.Find(authorization); ok {
			return NewFlowError(ErrKindRevokeFailed, defaultMessages[ErrKindRevokeFailed], nil)
		}
		return nil
	}

	if req.needsRevoke() {
		f.setState(run, FlowStateRevokingIfNeeded)
		if err := f.change(ctx, run, authorization, ActionRevoke, FlowStateRevokingIfNeeded); err != nil {
			return err
		}
		f.update(run, func(s *FlowSnapshot) { s.Revoked = true })
	}

	if err := f.change(ctx, run, authorization, ActionGrant, FlowStateChanging); err != nil {
		return err
	}
	if err := f.refresh(ctx, run, authorization); err != nil {
		return err
	}

	f.setState(run, FlowStateEvaluating)
	record, found := f.registry.Find(authorization)
	switch authorization.Kind {
	case AuthorizationKindAllowance:
		if found && record.HasAllowance(req.RequiredAllowance) {
			return nil
		}
		if req.RequiredAllowance == nil {
			return NewFlowError(ErrKindGrantFailed, defaultMessages[ErrKindGrantFailed], nil)
		}
		current := "0"
		if found {
			current = record.Allowance.String()
		}
		return NewFlowError(ErrKindInsufficientAllowance,
			fmt.Sprintf("allowance %s is lower than the required %s", current, req.RequiredAllowance.String()), nil)
	default:
		if !found {
			return NewFlowError(ErrKindGrantFailed, defaultMessages[ErrKindGrantFailed], nil)
		}
		return nil
	}
}

// change broadcasts one grant or revoke and waits for it to be confirmed.
// phase is the state reported while the wallet signs; a primary change moves on to
// FlowStateAwaitingConfirmation once broadcast.
func (f *AuthorizationFlow) change(ctx context.Context, run *FlowRun, authorization Authorization, action AuthorizationAction, phase FlowState) error {
	requestType := ActionGrantTokenRequest
	if action == ActionRevoke {
		requestType = ActionRevokeTokenRequest
	}

	f.setState(run, phase)
	f.track(run, requestType, authorization)
	tx, err := f.executor.Execute(ctx, authorization, action)
	f.untrack(run, requestType)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return AsFlowError(err, ErrKindBroadcast)
	}

	f.update(run, func(s *FlowSnapshot) { s.Transactions = append(s.Transactions, tx) })
	if phase == FlowStateChanging {
		f.setState(run, FlowStateAwaitingConfirmation)
	}
	f.logger.Debug("authorization change broadcast",
		"flow_id", run.id,
		"action", action,
		"tx_hash", tx.Hash,
		"chain_id", uint64(tx.ChainID),
	)

	status, err := f.tracker.Confirm(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return AsFlowError(err, ErrKindTransactionNotConfirmed)
	}
	if status != TxStatusConfirmed {
		fe := NewFlowError(ErrKindTransactionNotConfirmed, fmt.Sprintf("transaction %s was %s", tx.Hash, status), nil)
		fe.TxStatus = status
		return fe
	}
	return nil
}

func (f *AuthorizationFlow) refresh(ctx context.Context, run *FlowRun, authorization Authorization) error {
	f.setState(run, FlowStateRefreshingRegistry)
	f.track(run, ActionFetchAuthorizationsRequest, authorization)
	defer f.untrack(run, ActionFetchAuthorizationsRequest)

	if _, err := f.registry.Refresh(ctx, []Authorization{authorization}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return AsFlowError(err, ErrKindRegistryRefresh)
	}
	return nil
}

func (f *AuthorizationFlow) finish(run *FlowRun, req FlowRequest, startedAt time.Time, err error) {
	defer close(run.done)

	f.mu.Lock()
	if run.abandoned || run.ctx.Err() != nil {
		if !run.abandoned {
			f.abandonLocked(run)
			if snapshot, ok := f.snapshots[run.key]; ok && snapshot.ID == run.id {
				delete(f.ids, snapshot.ID)
				delete(f.snapshots, run.key)
			}
		}
		f.mu.Unlock()
		f.logger.Debug("authorization flow abandoned", "flow_id", run.id, "authorization", run.key)
		return
	}

	outcome := FlowOutcome{Authorization: req.Authorization, Success: err == nil}
	state := FlowStateSuccess
	if err != nil {
		fallback := ErrKindGrantFailed
		if req.Action == ActionRevoke {
			fallback = ErrKindRevokeFailed
		}
		outcome.Error = AsFlowError(err, fallback)
		state = FlowStateFailed
	}
	if snapshot, ok := f.snapshots[run.key]; ok && snapshot.ID == run.id {
		snapshot.State = state
		snapshot.Error = outcome.Error
		snapshot.UpdatedAt = f.now()
	}
	f.untrackLocked(run, ActionAuthorizationFlowRequest)
	f.inFlight.release(run.key, run)
	run.cancel()
	run.outcome = outcome
	successHooks := append([]FlowSuccessHook(nil), f.onSuccess...)
	failureHooks := append([]FlowFailureHook(nil), f.onFailure...)
	f.mu.Unlock()

	requestCtx := f.requestContext(run, req, startedAt)
	duration := f.now().Sub(startedAt)
	if outcome.Success {
		f.logger.Info("authorization flow succeeded", "flow_id", run.id, "authorization", run.key, "action", req.Action)
		for _, hook := range successHooks {
			hook(FlowResultContext{FlowRequestContext: requestCtx, Duration: duration})
		}
	} else {
		f.logger.Warn("authorization flow failed",
			"flow_id", run.id,
			"authorization", run.key,
			"action", req.Action,
			"error", outcome.Error,
		)
		for _, hook := range failureHooks {
			hook(FlowFailureContext{FlowRequestContext: requestCtx, Error: outcome.Error, Duration: duration})
		}
	}

	if req.OnComplete != nil {
		req.OnComplete(outcome)
	}
}

func (f *AuthorizationFlow) requestContext(run *FlowRun, req FlowRequest, startedAt time.Time) FlowRequestContext {
	required := ""
	if req.RequiredAllowance != nil {
		required = req.RequiredAllowance.String()
	}
	return FlowRequestContext{
		FlowID:            run.id,
		Authorization:     req.Authorization,
		Action:            req.Action,
		RequiredAllowance: required,
		Timestamp:         startedAt,
	}
}

// abandonLocked cancels the run and releases everything it holds. Must be called with f.mu held.
func (f *AuthorizationFlow) abandonLocked(run *FlowRun) {
	if run.abandoned {
		return
	}
	run.abandoned = true
	run.cancel()
	for i := len(run.held) - 1; i >= 0; i-- {
		f.ledger.UntrackMatching(IsLoadingFor(run.held[i].actionType, run.held[i].authorization))
	}
	run.held = nil
	f.inFlight.release(run.key, run)
}

func (f *AuthorizationFlow) setState(run *FlowRun, state FlowState) {
	f.update(run, func(s *FlowSnapshot) { s.State = state })
}

// update mutates the run's snapshot unless the run was abandoned
func (f *AuthorizationFlow) update(run *FlowRun, mutate func(*FlowSnapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.abandoned {
		return
	}
	snapshot, ok := f.snapshots[run.key]
	if !ok || snapshot.ID != run.id {
		return
	}
	mutate(snapshot)
	snapshot.UpdatedAt = f.now()
}

func (f *AuthorizationFlow) track(run *FlowRun, actionType ActionType, authorization Authorization) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackLocked(run, actionType, authorization)
}

func (f *AuthorizationFlow) trackLocked(run *FlowRun, actionType ActionType, authorization Authorization) {
	if run.abandoned {
		return
	}
	a := authorization
	f.ledger.Track(LoadingEntry{Type: actionType, Authorization: &a, StartedAt: f.now()})
	run.held = append(run.held, heldEntry{actionType: actionType, authorization: authorization})
}

func (f *AuthorizationFlow) untrack(run *FlowRun, actionType ActionType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untrackLocked(run, actionType)
}

func (f *AuthorizationFlow) untrackLocked(run *FlowRun, actionType ActionType) {
	if run.abandoned {
		return
	}
	for i := len(run.held) - 1; i >= 0; i-- {
		if held := run.held[i]; held.actionType == actionType {
			run.held = append(run.held[:i], run.held[i+1:]...)
			f.ledger.UntrackMatching(IsLoadingFor(held.actionType, held.authorization))
			return
		}
	}
}

// IsAbandoned reports whether err signals an abandoned flow
func IsAbandoned(err error) bool {
	return errors.Is(err, ErrFlowAbandoned)
}
