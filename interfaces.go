package dapps

import (
	"context"
)

// AuthorizationReader reads the on-chain state of authorizations.
//
// The returned slice is aligned with the input: a nil entry means the authorization is not
// currently granted (or its individual read failed). An error is only returned when the
// reads could not be performed at all (for example the chain provider is unreachable).
type AuthorizationReader interface {
	ReadAuthorizations(ctx context.Context, authorizations []Authorization) ([]*AuthorizationRecord, error)
}

// ChangeExecutor performs a single on-chain grant or revoke and returns as soon as the
// transaction is broadcast.
//
// Implementations return a *FlowError of kind ErrKindContractCall for unsupported
// authorizations and ErrKindBroadcast when the wallet or RPC rejects the transaction.
type ChangeExecutor interface {
	Execute(ctx context.Context, authorization Authorization, action AuthorizationAction) (TransactionHandle, error)
}

// TransactionTracker waits for a broadcast transaction to reach a terminal status.
// It has no internal timeout; callers bound it with ctx.
type TransactionTracker interface {
	Confirm(ctx context.Context, tx TransactionHandle) (TxStatus, error)
}
