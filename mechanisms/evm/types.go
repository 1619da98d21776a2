package evm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	dapps "github.com/decentraland/dapps/go"
)

// Provider is the JSON-RPC surface used for chain reads and transaction polling.
// *rpc.Client satisfies it.
type Provider interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// ProviderResolver hands out providers per chain
type ProviderResolver interface {
	// NetworkProvider returns a read provider for the chain
	NetworkProvider(chainID dapps.ChainID) (Provider, error)

	// ConnectedProvider returns the provider of the connected wallet, or nil when disconnected
	ConnectedProvider() Provider
}

// TransactionSigner defines the wallet operations used by the change executor
type TransactionSigner interface {
	// Address returns the wallet address
	Address() string

	// SendTransaction builds, signs and broadcasts a contract call on the given chain.
	// It returns as soon as the node accepted the transaction.
	SendTransaction(ctx context.Context, chainID dapps.ChainID, to string, data []byte, gasLimit uint64) (*types.Transaction, error)
}

// Transaction is the subset of eth_getTransactionByHash the tracker needs.
// BlockNumber is nil while the transaction sits in the mempool.
type Transaction struct {
	Hash        common.Hash    `json:"hash"`
	From        common.Address `json:"from"`
	Nonce       hexutil.Uint64 `json:"nonce"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
}

// ContractInfo describes a known contract on one chain
type ContractInfo struct {
	Name    string
	Address string
	ChainID dapps.ChainID
	Kind    dapps.AuthorizationKind
	// ABI is the JSON ABI of the contract's authorization functions
	ABI []byte
}

// Authorization builds the authorization of spender over this contract for owner
func (c ContractInfo) Authorization(owner, spender string) dapps.Authorization {
	return dapps.Authorization{
		Kind:              c.Kind,
		ChainID:           c.ChainID,
		OwnerAddress:      owner,
		AuthorizedAddress: spender,
		ContractAddress:   c.Address,
		ContractName:      c.Name,
	}
}
