package evm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/otelutil"
)

var (
	erc20AllowanceABI    = mustParseABI(ERC20AllowanceABI)
	erc20ApproveABI      = mustParseABI(ERC20ApproveABI)
	erc721ApprovedABI    = mustParseABI(ERC721IsApprovedForAllABI)
	erc721SetApprovalABI = mustParseABI(ERC721SetApprovalForAllABI)
)

func mustParseABI(definition []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI definition: %v", err))
	}
	return parsed
}

// AuthorizationReader reads allowances and operator approvals with batched eth_call requests.
// Reads are grouped per chain and sent in JSON-RPC batches of at most batchSize calls.
type AuthorizationReader struct {
	resolver  ProviderResolver
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	rateLimit rate.Limit
	burst     int
	mu        sync.Mutex
	limiters  map[dapps.ChainID]*rate.Limiter
}

var _ dapps.AuthorizationReader = (*AuthorizationReader)(nil)

// ReaderOption configures the reader
type ReaderOption func(*AuthorizationReader)

// WithReaderLogger sets the reader logger
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *AuthorizationReader) {
		r.logger = logger
	}
}

// WithBatchSize overrides the number of calls per JSON-RPC batch
func WithBatchSize(size int) ReaderOption {
	return func(r *AuthorizationReader) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRateLimit limits the batches sent per second to each chain. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) ReaderOption {
	return func(r *AuthorizationReader) {
		if perSecond <= 0 {
			r.rateLimit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.rateLimit = rate.Limit(perSecond)
		r.burst = burst
	}
}

// NewAuthorizationReader creates a reader resolving providers through resolver
func NewAuthorizationReader(resolver ProviderResolver, opts ...ReaderOption) *AuthorizationReader {
	r := &AuthorizationReader{
		resolver:  resolver,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
		rateLimit: rate.Inf,
		burst:     1,
		limiters:  make(map[dapps.ChainID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pendingCall struct {
	index int
	data  hexutil.Bytes
}

// ReadAuthorizations reads every authorization and returns results aligned with the input.
// A nil result means the authorization is not granted or its read failed.
// An error is returned only when a chain could not be queried at all.
func (r *AuthorizationReader) ReadAuthorizations(ctx context.Context, authorizations []dapps.Authorization) ([]*dapps.AuthorizationRecord, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "evm.AuthorizationReader.ReadAuthorizations",
		trace.WithAttributes(attribute.Int("authorizations", len(authorizations))))
	defer span.End()

	results := make([]*dapps.AuthorizationRecord, len(authorizations))

	var chains []dapps.ChainID
	byChain := make(map[dapps.ChainID][]pendingCall)
	for i, authorization := range authorizations {
		data, err := encodeRead(authorization)
		if err != nil {
			r.logger.Warn("skipping authorization read",
				"authorization", authorization.Key(),
				"error", err,
			)
			continue
		}
		if _, ok := byChain[authorization.ChainID]; !ok {
			chains = append(chains, authorization.ChainID)
		}
		byChain[authorization.ChainID] = append(byChain[authorization.ChainID], pendingCall{index: i, data: data})
	}

	for _, chainID := range chains {
		provider, err := r.resolver.NetworkProvider(chainID)
		if err != nil {
			return nil, otelutil.RecordError(span, fmt.Errorf("failed to get provider for %s: %w", chainID, err))
		}
		calls := byChain[chainID]
		for start := 0; start < len(calls); start += r.batchSize {
			end := min(start+r.batchSize, len(calls))
			if err := r.readBatch(ctx, chainID, provider, authorizations, calls[start:end], results); err != nil {
				return nil, otelutil.RecordError(span, err)
			}
		}
	}
	return results, nil
}

func (r *AuthorizationReader) readBatch(
	ctx context.Context,
	chainID dapps.ChainID,
	provider Provider,
	authorizations []dapps.Authorization,
	calls []pendingCall,
	results []*dapps.AuthorizationRecord,
) error {
	if err := r.limiter(chainID).Wait(ctx); err != nil {
		return err
	}

	outputs := make([]hexutil.Bytes, len(calls))
	batch := make([]rpc.BatchElem, len(calls))
	for i, call := range calls {
		authorization := authorizations[call.index]
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"from": dapps.NormalizeAddress(authorization.OwnerAddress),
					"to":   dapps.NormalizeAddress(authorization.ContractAddress),
					"data": call.data,
				},
				"latest",
			},
			Result: &outputs[i],
		}
	}

	if err := provider.BatchCallContext(ctx, batch); err != nil {
		return fmt.Errorf("eth_call batch on %s failed: %w", chainID, err)
	}

	observedAt := r.now()
	for i, call := range calls {
		authorization := authorizations[call.index]
		if batch[i].Error != nil {
			r.logger.Warn("authorization read failed",
				"authorization", authorization.Key(),
				"chain_id", uint64(chainID),
				"error", batch[i].Error,
			)
			continue
		}
		record, err := decodeRead(authorization, outputs[i], observedAt)
		if err != nil {
			r.logger.Warn("failed to decode authorization read",
				"authorization", authorization.Key(),
				"chain_id", uint64(chainID),
				"error", err,
			)
			continue
		}
		results[call.index] = record
	}
	return nil
}

func (r *AuthorizationReader) limiter(chainID dapps.ChainID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[chainID]
	if !ok {
		limiter = rate.NewLimiter(r.rateLimit, r.burst)
		r.limiters[chainID] = limiter
	}
	return limiter
}

func encodeRead(authorization dapps.Authorization) (hexutil.Bytes, error) {
	owner, err := ParseAddress(authorization.OwnerAddress)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	authorized, err := ParseAddress(authorization.AuthorizedAddress)
	if err != nil {
		return nil, fmt.Errorf("authorized: %w", err)
	}
	if _, err := ParseAddress(authorization.ContractAddress); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}

	switch authorization.Kind {
	case dapps.AuthorizationKindAllowance:
		return erc20AllowanceABI.Pack(FunctionAllowance, owner, authorized)
	case dapps.AuthorizationKindApproval:
		return erc721ApprovedABI.Pack(FunctionIsApprovedForAll, owner, authorized)
	default:
		return nil, fmt.Errorf("%s: %s", ErrUnsupportedAuthorization, authorization.Kind)
	}
}

func decodeRead(authorization dapps.Authorization, output []byte, observedAt time.Time) (*dapps.AuthorizationRecord, error) {
	switch authorization.Kind {
	case dapps.AuthorizationKindAllowance:
		values, err := erc20AllowanceABI.Unpack(FunctionAllowance, output)
		if err != nil {
			return nil, err
		}
		allowance, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected allowance type %T", values[0])
		}
		if allowance.Sign() == 0 {
			return nil, nil
		}
		return &dapps.AuthorizationRecord{Authorization: authorization, Allowance: allowance, ObservedAt: observedAt}, nil
	case dapps.AuthorizationKindApproval:
		values, err := erc721ApprovedABI.Unpack(FunctionIsApprovedForAll, output)
		if err != nil {
			return nil, err
		}
		approved, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("unexpected approval type %T", values[0])
		}
		if !approved {
			return nil, nil
		}
		return &dapps.AuthorizationRecord{Authorization: authorization, ObservedAt: observedAt}, nil
	default:
		return nil, fmt.Errorf("%s: %s", ErrUnsupportedAuthorization, authorization.Kind)
	}
}
