package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/otelutil"
)

var errNotFinal = errors.New("transaction is not final")

// StatusChange is passed to hooks whenever a polled status differs from the previous one
type StatusChange struct {
	Transaction dapps.TransactionHandle
	Previous    dapps.TxStatus
	Current     dapps.TxStatus
	Attempt     int
}

// StatusChangeHook is called on every observed status transition
type StatusChangeHook func(StatusChange)

// Tracker polls transactions until they reach a terminal status
type Tracker struct {
	resolver       ProviderResolver
	initialDelay   time.Duration
	droppedAfter   time.Duration
	revertedWindow time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu             sync.RWMutex
	onStatusChange []StatusChangeHook
}

var _ dapps.TransactionTracker = (*Tracker)(nil)

// TrackerOption configures the tracker
type TrackerOption func(*Tracker)

// WithInitialPollDelay sets the first backoff delay
func WithInitialPollDelay(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.initialDelay = d
		}
	}
}

// WithDroppedAfter sets how long an unknown transaction is reported as pending
func WithDroppedAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.droppedAfter = d
		}
	}
}

// WithRevertedWatchWindow sets how long WatchReverted keeps watching
func WithRevertedWatchWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.revertedWindow = d
		}
	}
}

// WithTrackerLogger sets the tracker logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker reading through resolver
func NewTracker(resolver ProviderResolver, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		resolver:       resolver,
		initialDelay:   DefaultInitialPollDelay,
		droppedAfter:   DefaultDroppedAfter,
		revertedWindow: DefaultRevertedWatchWindow,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnStatusChange registers a hook called on every status transition
func (t *Tracker) OnStatusChange(hook StatusChangeHook) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatusChange = append(t.onStatusChange, hook)
	return t
}

// Confirm polls the transaction with Fibonacci backoff until it is confirmed, reverted,
// dropped or replaced. Queued transactions keep being polled without resetting the backoff.
// There is no internal timeout; cancel ctx to stop.
func (t *Tracker) Confirm(ctx context.Context, tx dapps.TransactionHandle) (dapps.TxStatus, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "evm.Tracker.Confirm",
		trace.WithAttributes(
			attribute.String("tx_hash", tx.Hash),
			attribute.Int64("chain_id", int64(tx.ChainID)),
		))
	defer span.End()

	status, err := t.pollUntil(ctx, tx, func(s dapps.TxStatus) bool { return s.IsTerminal() })
	if err != nil {
		return "", otelutil.RecordError(span, err)
	}
	span.SetAttributes(attribute.String("status", string(status)))
	return status, nil
}

// WatchReverted resumes watching a transaction previously seen as reverted.
// A transaction submitted longer than the watch window ago is not watched and stays
// reverted; otherwise it is polled until it shows up confirmed or the window passes.
func (t *Tracker) WatchReverted(ctx context.Context, tx dapps.TransactionHandle) (dapps.TxStatus, error) {
	remaining := t.revertedWindow - t.now().Sub(tx.SubmittedAt)
	if remaining <= 0 {
		t.logger.Debug("reverted transaction is too old to watch", "tx_hash", tx.Hash)
		return dapps.TxStatusReverted, nil
	}

	watchCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	status, err := t.pollUntil(watchCtx, tx, func(s dapps.TxStatus) bool { return s == dapps.TxStatusConfirmed })
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return dapps.TxStatusReverted, nil
		}
		return "", err
	}
	return status, nil
}

// Lookup builds a handle for a transaction the node already knows, for resuming a watch.
// A zero chainID looks the transaction up on the chain the wallet is connected to.
func (t *Tracker) Lookup(ctx context.Context, chainID dapps.ChainID, hash string, submittedAt time.Time) (dapps.TransactionHandle, error) {
	var provider Provider
	if chainID == 0 {
		provider = t.resolver.ConnectedProvider()
		if provider == nil {
			return dapps.TransactionHandle{}, errors.New(ErrNotConnected)
		}
		var connected hexutil.Big
		if err := provider.CallContext(ctx, &connected, "eth_chainId"); err != nil {
			return dapps.TransactionHandle{}, fmt.Errorf("eth_chainId: %w", err)
		}
		chainID = dapps.ChainID(connected.ToInt().Uint64())
	} else {
		var err error
		if provider, err = t.resolver.NetworkProvider(chainID); err != nil {
			return dapps.TransactionHandle{}, fmt.Errorf("failed to get provider for %s: %w", chainID, err)
		}
	}

	var found *Transaction
	if err := provider.CallContext(ctx, &found, "eth_getTransactionByHash", common.HexToHash(hash)); err != nil {
		return dapps.TransactionHandle{}, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}
	if found == nil {
		return dapps.TransactionHandle{}, fmt.Errorf("%s: %s on %s", ErrTransactionNotFound, hash, chainID)
	}
	return dapps.TransactionHandle{
		Hash:        found.Hash.Hex(),
		ChainID:     chainID,
		From:        dapps.NormalizeAddress(found.From.Hex()),
		Nonce:       uint64(found.Nonce),
		SubmittedAt: submittedAt,
	}, nil
}

func (t *Tracker) pollUntil(ctx context.Context, tx dapps.TransactionHandle, done func(dapps.TxStatus) bool) (dapps.TxStatus, error) {
	previous := dapps.TxStatusPending
	attempt := 0

	operation := func() (dapps.TxStatus, error) {
		attempt++
		status, err := t.Poll(ctx, tx)
		if err != nil {
			return "", err
		}
		if status != previous {
			t.emit(StatusChange{Transaction: tx, Previous: previous, Current: status, Attempt: attempt})
			previous = status
		}
		if done(status) {
			return status, nil
		}
		return status, errNotFinal
	}

	notify := func(err error, next time.Duration) {
		t.logger.Debug("transaction not final yet",
			"tx_hash", tx.Hash,
			"chain_id", uint64(tx.ChainID),
			"status", previous,
			"attempt", attempt,
			"next_poll", next,
			"error", err,
		)
	}

	b := backoff.WithContext(NewFibonacciBackOff(t.initialDelay), ctx)
	return backoff.RetryNotifyWithData(operation, b, notify)
}

// Poll reads the transaction, its receipt and the sender nonce once and classifies them
func (t *Tracker) Poll(ctx context.Context, tx dapps.TransactionHandle) (dapps.TxStatus, error) {
	provider, err := t.resolver.NetworkProvider(tx.ChainID)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to get provider for %s: %w", tx.ChainID, err))
	}

	hash := common.HexToHash(tx.Hash)
	var (
		found   *Transaction
		receipt *TransactionReceipt
		count   hexutil.Uint64
	)
	batch := []rpc.BatchElem{
		{Method: "eth_getTransactionReceipt", Args: []interface{}{hash}, Result: &receipt},
		{Method: "eth_getTransactionByHash", Args: []interface{}{hash}, Result: &found},
		{Method: "eth_getTransactionCount", Args: []interface{}{common.HexToAddress(tx.From), "latest"}, Result: &count},
	}
	if err := provider.BatchCallContext(ctx, batch); err != nil {
		return "", err
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return "", fmt.Errorf("%s: %w", elem.Method, elem.Error)
		}
	}

	dropped := found == nil && t.now().Sub(tx.SubmittedAt) > t.droppedAfter
	return ClassifyTransaction(found, receipt, tx.Nonce, uint64(count), dropped), nil
}

// ClassifyTransaction maps one observation of a transaction to its status.
//
// A receipt decides between confirmed and reverted. Without a receipt the sender nonce
// decides: a lower transaction nonce means another transaction took its slot (replaced),
// a higher one means earlier transactions are still pending (queued). At the current
// nonce the transaction is pending, or dropped once the node stopped knowing about it.
func ClassifyTransaction(tx *Transaction, receipt *TransactionReceipt, nonce, accountNonce uint64, dropped bool) dapps.TxStatus {
	if receipt != nil {
		if uint64(receipt.Status) == TxStatusSuccess {
			return dapps.TxStatusConfirmed
		}
		return dapps.TxStatusReverted
	}
	if tx != nil && tx.BlockNumber != nil {
		// mined but the receipt is not indexed yet
		return dapps.TxStatusPending
	}

	switch {
	case nonce < accountNonce:
		return dapps.TxStatusReplaced
	case nonce > accountNonce:
		return dapps.TxStatusQueued
	case tx != nil:
		return dapps.TxStatusPending
	case dropped:
		return dapps.TxStatusDropped
	default:
		return dapps.TxStatusPending
	}
}

func (t *Tracker) emit(change StatusChange) {
	t.logger.Debug("transaction status changed",
		"tx_hash", change.Transaction.Hash,
		"previous", change.Previous,
		"status", change.Current,
		"attempt", change.Attempt,
	)
	t.mu.RLock()
	hooks := append([]StatusChangeHook(nil), t.onStatusChange...)
	t.mu.RUnlock()
	for _, hook := range hooks {
		hook(change)
	}
}
