package dapps

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ChainID identifies an EVM chain by its EIP-155 chain id
type ChainID uint64

const (
	ChainIDEthereumMainnet ChainID = 1
	ChainIDEthereumSepolia ChainID = 11155111
	ChainIDPolygonMainnet  ChainID = 137
	ChainIDPolygonAmoy     ChainID = 80002
)

// IsEthereum reports whether the chain belongs to the Ethereum network (mainnet or its testnets).
// ERC20 allowances on these chains are revoked before being re-granted.
func (c ChainID) IsEthereum() bool {
	return c == ChainIDEthereumMainnet || c == ChainIDEthereumSepolia
}

func (c ChainID) String() string {
	switch c {
	case ChainIDEthereumMainnet:
		return "ethereum"
	case ChainIDEthereumSepolia:
		return "sepolia"
	case ChainIDPolygonMainnet:
		return "polygon"
	case ChainIDPolygonAmoy:
		return "amoy"
	default:
		return fmt.Sprintf("eip155:%d", uint64(c))
	}
}

// BigInt returns the chain id as a *big.Int for signing APIs
func (c ChainID) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(c))
}

// AuthorizationKind is the kind of on-chain permission
type AuthorizationKind string

const (
	// AuthorizationKindAllowance is an ERC20 approve(spender, amount) allowance
	AuthorizationKindAllowance AuthorizationKind = "allowance"
	// AuthorizationKindApproval is an ERC721 setApprovalForAll(operator, approved) approval
	AuthorizationKindApproval AuthorizationKind = "approval"
)

// AuthorizationAction is the change requested on an authorization
type AuthorizationAction string

const (
	ActionGrant  AuthorizationAction = "grant"
	ActionRevoke AuthorizationAction = "revoke"
)

// Authorization identifies a grantable permission.
// The owner is implied by the connected wallet and is not part of the identity.
type Authorization struct {
	Kind              AuthorizationKind `json:"type"`
	ChainID           ChainID           `json:"chainId"`
	OwnerAddress      string            `json:"address"`
	AuthorizedAddress string            `json:"authorizedAddress"`
	ContractAddress   string            `json:"contractAddress"`
	ContractName      string            `json:"contractName,omitempty"`
	// KnownAllowance is an optional caller hint; it is never used as on-chain truth
	KnownAllowance *big.Int `json:"allowance,omitempty"`
}

// Key returns the flow identity of the authorization: kind, chain, authorized address and
// target contract, with addresses compared case-insensitively.
func (a Authorization) Key() string {
	return fmt.Sprintf("%s:%d:%s:%s",
		a.Kind,
		uint64(a.ChainID),
		NormalizeAddress(a.AuthorizedAddress),
		NormalizeAddress(a.ContractAddress),
	)
}

// Equal reports whether both authorizations have the same identity
func (a Authorization) Equal(other Authorization) bool {
	return a.Key() == other.Key()
}

func (a Authorization) String() string {
	return a.Key()
}

// AuthorizationRecord is an authorization plus its last observed on-chain value.
// Allowance is only set for AuthorizationKindAllowance and is never zero.
type AuthorizationRecord struct {
	Authorization
	Allowance  *big.Int  `json:"allowance,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// HasAllowance reports whether the record covers at least the required amount.
// A nil required amount only asks for a non-zero allowance.
func (r AuthorizationRecord) HasAllowance(required *big.Int) bool {
	if r.Allowance == nil || r.Allowance.Sign() <= 0 {
		return false
	}
	if required == nil {
		return true
	}
	return r.Allowance.Cmp(required) >= 0
}

// TxStatus is the lifecycle status of a broadcast transaction
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusQueued    TxStatus = "queued"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusReverted  TxStatus = "reverted"
	TxStatusDropped   TxStatus = "dropped"
	TxStatusReplaced  TxStatus = "replaced"
)

// IsTerminal reports whether no further on-chain transition is expected
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxStatusConfirmed, TxStatusReverted, TxStatusDropped, TxStatusReplaced:
		return true
	}
	return false
}

// TransactionHandle is produced on broadcast and owned by the tracker until terminal
type TransactionHandle struct {
	Hash        string    `json:"hash"`
	ChainID     ChainID   `json:"chainId"`
	From        string    `json:"from"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// FlowState is the orchestrator state of one authorization flow
type FlowState string

const (
	FlowStateIdle                 FlowState = "idle"
	FlowStateRevokingIfNeeded     FlowState = "revoking"
	FlowStateChanging             FlowState = "changing"
	FlowStateAwaitingConfirmation FlowState = "awaiting_confirmation"
	FlowStateRefreshingRegistry   FlowState = "refreshing_registry"
	FlowStateEvaluating           FlowState = "evaluating"
	FlowStateSuccess              FlowState = "success"
	FlowStateFailed               FlowState = "failed"
)

// IsFinal reports whether the flow has finished
func (s FlowState) IsFinal() bool {
	return s == FlowStateSuccess || s == FlowStateFailed
}

// FlowOutcome is the terminal result of one flow invocation
type FlowOutcome struct {
	Authorization Authorization
	Success       bool
	Error         *FlowError
}

// NormalizeAddress lowercases a hex address and ensures the 0x prefix.
// Identity keys are built from it, so "ABC..." and "0xabc..." are the same address.
func NormalizeAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return address
}
