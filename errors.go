package dapps

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a flow failure
type ErrorKind string

const (
	ErrKindContractCall            ErrorKind = "contract_call_error"
	ErrKindBroadcast               ErrorKind = "broadcast_error"
	ErrKindTransactionNotConfirmed ErrorKind = "transaction_not_confirmed"
	ErrKindInsufficientAllowance   ErrorKind = "insufficient_allowance"
	ErrKindRevokeFailed            ErrorKind = "revoke_failed"
	ErrKindGrantFailed             ErrorKind = "grant_failed"
	ErrKindRegistryRefresh         ErrorKind = "registry_refresh_error"
	ErrKindFlowInProgress          ErrorKind = "flow_in_progress"
	ErrKindFlowAbandoned           ErrorKind = "flow_abandoned"
)

var (
	// ErrFlowInProgress is returned when a flow for the same authorization identity is running
	ErrFlowInProgress = &FlowError{Kind: ErrKindFlowInProgress, Message: "an authorization flow is already in progress"}
	// ErrFlowAbandoned is returned by FlowRun.Wait when the flow was cleared before completing
	ErrFlowAbandoned = &FlowError{Kind: ErrKindFlowAbandoned, Message: "authorization flow was abandoned"}
)

// FlowError is a typed authorization flow failure
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// TxStatus is the terminal status of the transaction for ErrKindTransactionNotConfirmed
	TxStatus TxStatus `json:"txStatus,omitempty"`
	Cause    error    `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches on kind so errors.Is(err, ErrFlowInProgress) works for any wrapped instance
func (e *FlowError) Is(target error) bool {
	var t *FlowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewFlowError creates a new flow error
func NewFlowError(kind ErrorKind, message string, cause error) *FlowError {
	return &FlowError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// AsFlowError returns err as a *FlowError, wrapping it with the fallback kind if it is untyped
func AsFlowError(err error, fallback ErrorKind) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewFlowError(fallback, defaultMessages[fallback], err)
}

var defaultMessages = map[ErrorKind]string{
	ErrKindContractCall:            "unsupported authorization",
	ErrKindBroadcast:               "transaction could not be sent",
	ErrKindTransactionNotConfirmed: "transaction was not confirmed",
	ErrKindInsufficientAllowance:   "allowance is lower than required",
	ErrKindRevokeFailed:            "authorization is still present after revoke",
	ErrKindGrantFailed:             "authorization is missing after grant",
	ErrKindRegistryRefresh:         "could not refresh authorizations",
}

// IsKind reports whether err is a flow error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Kind == kind
}
