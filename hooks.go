package dapps

import (
	"time"
)

// ============================================================================
// Flow Hook Context Types
// ============================================================================

// FlowRequestContext is passed to hooks when a flow starts
type FlowRequestContext struct {
	FlowID            string
	Authorization     Authorization
	Action            AuthorizationAction
	RequiredAllowance string
	Timestamp         time.Time
}

// FlowResultContext is passed to hooks when a flow completes successfully
type FlowResultContext struct {
	FlowRequestContext
	Duration time.Duration
}

// FlowFailureContext is passed to hooks when a flow fails
type FlowFailureContext struct {
	FlowRequestContext
	Error    *FlowError
	Duration time.Duration
}

// ============================================================================
// Registry Hook Context Types
// ============================================================================

// RefreshedAuthorization pairs a requested authorization with its refreshed record.
// Result is nil when the authorization is not granted on-chain.
type RefreshedAuthorization struct {
	Original Authorization        `json:"original"`
	Result   *AuthorizationRecord `json:"result"`
}

// RefreshResult is the outcome of a registry refresh
type RefreshResult struct {
	Authorizations []RefreshedAuthorization `json:"authorizations"`
}

// RefreshFailureContext is passed to hooks when a refresh could not be performed
type RefreshFailureContext struct {
	Authorizations []Authorization
	Error          error
}

// ============================================================================
// Hook Function Types
// ============================================================================

// FlowRequestHook is called when a flow is accepted
type FlowRequestHook func(FlowRequestContext)

// FlowSuccessHook is called after a flow succeeds
type FlowSuccessHook func(FlowResultContext)

// FlowFailureHook is called after a flow fails. It is not called for abandoned flows.
type FlowFailureHook func(FlowFailureContext)

// RefreshSuccessHook is called after the registry merged a refresh
type RefreshSuccessHook func(RefreshResult)

// RefreshFailureHook is called when a refresh failed as a whole
type RefreshFailureHook func(RefreshFailureContext)
