package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/otelutil"
)

// ChangeExecutor grants and revokes authorizations by sending one approve or
// setApprovalForAll transaction through the wallet signer
type ChangeExecutor struct {
	signer TransactionSigner
	logger *slog.Logger
	now    func() time.Time
}

var _ dapps.ChangeExecutor = (*ChangeExecutor)(nil)

// ExecutorOption configures the executor
type ExecutorOption func(*ChangeExecutor)

// WithExecutorLogger sets the executor logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *ChangeExecutor) {
		e.logger = logger
	}
}

// NewChangeExecutor creates an executor sending transactions through signer
func NewChangeExecutor(signer TransactionSigner, opts ...ExecutorOption) *ChangeExecutor {
	e := &ChangeExecutor{
		signer: signer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute broadcasts the change and returns without waiting for it to be mined
func (e *ChangeExecutor) Execute(ctx context.Context, authorization dapps.Authorization, action dapps.AuthorizationAction) (dapps.TransactionHandle, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "evm.ChangeExecutor.Execute",
		trace.WithAttributes(
			attribute.String("authorization", authorization.Key()),
			attribute.String("action", string(action)),
		))
	defer span.End()

	call, err := EncodeChange(authorization, action)
	if err != nil {
		otelutil.RecordError(span, err)
		return dapps.TransactionHandle{}, dapps.NewFlowError(dapps.ErrKindContractCall, err.Error(), nil)
	}

	tx, err := e.signer.SendTransaction(ctx, authorization.ChainID, call.To, call.Data, call.GasLimit)
	if err != nil {
		otelutil.RecordError(span, err)
		e.logger.Warn("authorization change could not be sent",
			"authorization", authorization.Key(),
			"action", action,
			"error", err,
		)
		return dapps.TransactionHandle{}, dapps.NewFlowError(dapps.ErrKindBroadcast, "transaction could not be sent", err)
	}

	handle := dapps.TransactionHandle{
		Hash:        tx.Hash().Hex(),
		ChainID:     authorization.ChainID,
		From:        dapps.NormalizeAddress(e.signer.Address()),
		Nonce:       tx.Nonce(),
		SubmittedAt: e.now(),
	}
	span.SetAttributes(attribute.String("tx_hash", handle.Hash))
	e.logger.Debug("authorization change sent",
		"authorization", authorization.Key(),
		"action", action,
		"tx_hash", handle.Hash,
		"nonce", handle.Nonce,
	)
	return handle, nil
}

// ContractCall is an encoded contract write
type ContractCall struct {
	To       string
	Data     []byte
	GasLimit uint64
}

// EncodeChange encodes the contract call that applies action to authorization.
// Allowances are granted with approve(spender, 2^256-1) and revoked with approve(spender, 0);
// approvals use setApprovalForAll(operator, true|false).
func EncodeChange(authorization dapps.Authorization, action dapps.AuthorizationAction) (ContractCall, error) {
	if action != dapps.ActionGrant && action != dapps.ActionRevoke {
		return ContractCall{}, fmt.Errorf("%s: unknown action %q", ErrUnsupportedAuthorization, action)
	}
	authorized, err := ParseAddress(authorization.AuthorizedAddress)
	if err != nil {
		return ContractCall{}, err
	}
	contract, err := ParseAddress(authorization.ContractAddress)
	if err != nil {
		return ContractCall{}, err
	}
	grant := action == dapps.ActionGrant

	switch authorization.Kind {
	case dapps.AuthorizationKindAllowance:
		amount := big.NewInt(0)
		if grant {
			amount = MaxUint256()
		}
		data, err := erc20ApproveABI.Pack(FunctionApprove, authorized, amount)
		if err != nil {
			return ContractCall{}, fmt.Errorf("failed to encode approve calldata: %w", err)
		}
		return ContractCall{To: contract.Hex(), Data: data, GasLimit: ERC20ApproveGasLimit}, nil
	case dapps.AuthorizationKindApproval:
		data, err := erc721SetApprovalABI.Pack(FunctionSetApprovalForAll, authorized, grant)
		if err != nil {
			return ContractCall{}, fmt.Errorf("failed to encode setApprovalForAll calldata: %w", err)
		}
		return ContractCall{To: contract.Hex(), Data: data, GasLimit: ERC721SetApprovalForAllGasLimit}, nil
	default:
		return ContractCall{}, fmt.Errorf("%s: %q", ErrUnsupportedAuthorization, authorization.Kind)
	}
}
