package evm

import (
	"math/big"
	"time"

	dapps "github.com/decentraland/dapps/go"
)

const (
	// ERC20 function names
	FunctionAllowance = "allowance"
	FunctionApprove   = "approve"

	// ERC721 function names
	FunctionIsApprovedForAll  = "isApprovedForAll"
	FunctionSetApprovalForAll = "setApprovalForAll"

	// Receipt status values
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// Conservative gas limits for the single-slot writes performed by the executor
	ERC20ApproveGasLimit            = uint64(60000)
	ERC721SetApprovalForAllGasLimit = uint64(60000)

	// DefaultBatchSize bounds the number of eth_call requests per JSON-RPC batch
	DefaultBatchSize = 500

	// DefaultInitialPollDelay is the first delay of the confirmation backoff
	DefaultInitialPollDelay = time.Second

	// DefaultDroppedAfter is how long an unknown transaction keeps being reported as pending
	// before it is considered dropped from the mempool
	DefaultDroppedAfter = 10 * time.Minute

	// DefaultRevertedWatchWindow bounds how long a reverted transaction is watched on resume
	DefaultRevertedWatchWindow = 24 * time.Hour

	// Error codes
	ErrUnsupportedAuthorization = "unsupported_authorization"
	ErrUnsupportedChain         = "unsupported_chain"
	ErrUnknownContract          = "unknown_contract"
	ErrNotConnected             = "wallet_not_connected"
	ErrTransactionNotFound      = "transaction_not_found"
)

var (
	// ERC20AllowanceABI for reading allowance(owner, spender)
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20ApproveABI for approve(spender, amount)
	ERC20ApproveABI = []byte(`[
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC721IsApprovedForAllABI for reading isApprovedForAll(owner, operator)
	ERC721IsApprovedForAllABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"name": "isApprovedForAll",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC721SetApprovalForAllABI for setApprovalForAll(operator, approved)
	ERC721SetApprovalForAllABI = []byte(`[
		{
			"inputs": [
				{"name": "operator", "type": "address"},
				{"name": "approved", "type": "bool"}
			],
			"name": "setApprovalForAll",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

var (
	// ERC20ABI is the allowance surface of an ERC20 token, returned with known contracts
	ERC20ABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC721ABI is the operator approval surface of an ERC721 collection
	ERC721ABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"name": "isApprovedForAll",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "operator", "type": "address"},
				{"name": "approved", "type": "bool"}
			],
			"name": "setApprovalForAll",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// KindABI returns the ABI of the contract standard behind an authorization kind
func KindABI(kind dapps.AuthorizationKind) []byte {
	switch kind {
	case dapps.AuthorizationKindAllowance:
		return ERC20ABI
	case dapps.AuthorizationKindApproval:
		return ERC721ABI
	}
	return nil
}

// MaxUint256 returns 2^256 - 1, the allowance granted by the executor
func MaxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}
