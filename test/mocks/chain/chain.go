// Package chain provides an in-process EVM node for tests. It answers the JSON-RPC
// methods used by the reader, executor, tracker and wallet signer, keeps ERC20
// allowances and ERC721 operator approvals in memory and mines transactions on demand.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mechanisms/evm"
)

var (
	erc20ABI  = mustMergeABI(evm.ERC20AllowanceABI, evm.ERC20ApproveABI)
	erc721ABI = mustMergeABI(evm.ERC721IsApprovedForAllABI, evm.ERC721SetApprovalForAllABI)

	// DefaultGasPrice is returned by eth_gasPrice and eth_maxPriorityFeePerGas
	DefaultGasPrice = big.NewInt(1_000_000_000)
)

func mustMergeABI(definitions ...[]byte) abi.ABI {
	merged := abi.ABI{Methods: make(map[string]abi.Method)}
	for _, definition := range definitions {
		parsed, err := abi.JSON(bytes.NewReader(definition))
		if err != nil {
			panic(err)
		}
		for name, method := range parsed.Methods {
			merged.Methods[name] = method
		}
	}
	return merged
}

type slot struct {
	contract common.Address
	owner    common.Address
	spender  common.Address
}

type pendingTx struct {
	tx   *types.Transaction
	from common.Address
}

type minedTx struct {
	tx     *types.Transaction
	from   common.Address
	block  uint64
	status uint64
}

// Node is a fake EVM chain
type Node struct {
	mu      sync.Mutex
	chainID *big.Int
	signer  types.Signer
	server  *rpc.Server

	allowances map[slot]*big.Int
	approvals  map[slot]bool
	nonces     map[common.Address]uint64
	pending    map[common.Hash]*pendingTx
	mined      map[common.Hash]*minedTx
	block      uint64

	autoMine    bool
	revertNext  int
	ignored     map[common.Address]bool
	failingCall map[common.Address]bool
	failBatches bool
	calls       int
	sent        int
}

// NewNode starts a node for chainID with automine enabled
func NewNode(chainID dapps.ChainID) *Node {
	n := &Node{
		chainID:     chainID.BigInt(),
		signer:      types.LatestSignerForChainID(chainID.BigInt()),
		server:      rpc.NewServer(),
		allowances:  make(map[slot]*big.Int),
		approvals:   make(map[slot]bool),
		nonces:      make(map[common.Address]uint64),
		pending:     make(map[common.Hash]*pendingTx),
		mined:       make(map[common.Hash]*minedTx),
		block:       1,
		autoMine:    true,
		ignored:     make(map[common.Address]bool),
		failingCall: make(map[common.Address]bool),
	}
	if err := n.server.RegisterName("eth", &ethService{node: n}); err != nil {
		panic(err)
	}
	return n
}

// Client returns an in-process JSON-RPC client connected to the node
func (n *Node) Client() *rpc.Client {
	return rpc.DialInProc(n.server)
}

// Close stops the node
func (n *Node) Close() {
	n.server.Stop()
}

// SetAllowance sets the ERC20 allowance of spender over owner's tokens
func (n *Node) SetAllowance(contract, owner, spender string, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allowances[newSlot(contract, owner, spender)] = new(big.Int).Set(amount)
}

// Allowance returns the ERC20 allowance of spender over owner's tokens
func (n *Node) Allowance(contract, owner, spender string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.allowances[newSlot(contract, owner, spender)]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// SetApproval sets the ERC721 operator approval
func (n *Node) SetApproval(contract, owner, operator string, approved bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvals[newSlot(contract, owner, operator)] = approved
}

// Approved returns the ERC721 operator approval
func (n *Node) Approved(contract, owner, operator string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.approvals[newSlot(contract, owner, operator)]
}

// SetAutoMine controls whether transactions are mined as soon as they are received
func (n *Node) SetAutoMine(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoMine = enabled
}

// RevertNext makes the next count mined transactions revert
func (n *Node) RevertNext(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext = count
}

// IgnoreWrites makes writes to contract succeed without changing state
func (n *Node) IgnoreWrites(contract string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ignored[common.HexToAddress(contract)] = true
}

// FailCalls makes eth_call against contract return an error
func (n *Node) FailCalls(contract string, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failingCall[common.HexToAddress(contract)] = fail
}

// SetUnavailable makes every request fail with an error response
func (n *Node) SetUnavailable(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failBatches = fail
}

// Mine mines every pending transaction whose nonce is next for its sender
func (n *Node) Mine() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mineLocked()
}

// Drop removes a pending transaction from the mempool
func (n *Node) Drop(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pending, common.HexToHash(hash))
}

// Replace removes a pending transaction and mines another one in its nonce slot
func (n *Node) Replace(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pending[common.HexToHash(hash)]
	if !ok {
		return
	}
	delete(n.pending, common.HexToHash(hash))
	n.nonces[p.from] = p.tx.Nonce() + 1
	n.block++
}

// PendingCount returns the number of transactions in the mempool
func (n *Node) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// SentCount returns the number of transactions accepted by the node
func (n *Node) SentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

// CallCount returns the number of eth_call requests served
func (n *Node) CallCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newSlot(contract, owner, spender string) slot {
	return slot{
		contract: common.HexToAddress(contract),
		owner:    common.HexToAddress(owner),
		spender:  common.HexToAddress(spender),
	}
}

func (n *Node) mineLocked() int {
	mined := 0
	for progress := true; progress; {
		progress = false
		for hash, p := range n.pending {
			if p.tx.Nonce() != n.nonces[p.from] {
				continue
			}
			delete(n.pending, hash)
			n.block++
			status := uint64(types.ReceiptStatusSuccessful)
			if n.revertNext > 0 {
				n.revertNext--
				status = types.ReceiptStatusFailed
			} else if err := n.applyLocked(p); err != nil {
				status = types.ReceiptStatusFailed
			}
			n.mined[hash] = &minedTx{tx: p.tx, from: p.from, block: n.block, status: status}
			n.nonces[p.from]++
			mined++
			progress = true
		}
	}
	return mined
}

func (n *Node) applyLocked(p *pendingTx) error {
	to := p.tx.To()
	data := p.tx.Data()
	if to == nil || len(data) < 4 {
		return errors.New("not a contract call")
	}
	if n.ignored[*to] {
		return nil
	}

	if method, err := erc20ABI.MethodById(data[:4]); err == nil && method.Name == evm.FunctionApprove {
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		key := slot{contract: *to, owner: p.from, spender: args[0].(common.Address)}
		n.allowances[key] = new(big.Int).Set(args[1].(*big.Int))
		return nil
	}
	if method, err := erc721ABI.MethodById(data[:4]); err == nil && method.Name == evm.FunctionSetApprovalForAll {
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		key := slot{contract: *to, owner: p.from, spender: args[0].(common.Address)}
		n.approvals[key] = args[1].(bool)
		return nil
	}
	return errors.New("execution reverted")
}

// CallArgs is the eth_call transaction object
type CallArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Data  *hexutil.Bytes  `json:"data"`
	Input *hexutil.Bytes  `json:"input"`
}

func (a CallArgs) data() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// RPCTransaction is the eth_getTransactionByHash result
type RPCTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	Input       hexutil.Bytes   `json:"input"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// RPCReceipt is the eth_getTransactionReceipt result
type RPCReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
	From            common.Address `json:"from"`
}

var errUnavailable = errors.New("node unavailable")

// ethService implements the eth_ namespace
type ethService struct {
	node *Node
}

func (s *ethService) ChainId() *hexutil.Big {
	return (*hexutil.Big)(s.node.chainID)
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return hexutil.Uint64(s.node.block)
}

func (s *ethService) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(DefaultGasPrice)
}

func (s *ethService) MaxPriorityFeePerGas() *hexutil.Big {
	return (*hexutil.Big)(DefaultGasPrice)
}

func (s *ethService) EstimateGas(_ context.Context, _ CallArgs) hexutil.Uint64 {
	return hexutil.Uint64(evm.ERC20ApproveGasLimit)
}

func (s *ethService) Call(_ context.Context, args CallArgs, _ string) (hexutil.Bytes, error) {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBatches {
		return nil, errUnavailable
	}
	n.calls++

	if args.To == nil {
		return nil, errors.New("missing call target")
	}
	if n.failingCall[*args.To] {
		return nil, errors.New("execution reverted")
	}
	data := args.data()
	if len(data) < 4 {
		return nil, errors.New("execution reverted")
	}

	if method, err := erc20ABI.MethodById(data[:4]); err == nil && method.Name == evm.FunctionAllowance {
		in, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		amount := big.NewInt(0)
		if v, ok := n.allowances[slot{contract: *args.To, owner: in[0].(common.Address), spender: in[1].(common.Address)}]; ok {
			amount = v
		}
		return method.Outputs.Pack(amount)
	}
	if method, err := erc721ABI.MethodById(data[:4]); err == nil && method.Name == evm.FunctionIsApprovedForAll {
		in, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		approved := n.approvals[slot{contract: *args.To, owner: in[0].(common.Address), spender: in[1].(common.Address)}]
		return method.Outputs.Pack(approved)
	}
	return nil, errors.New("execution reverted")
}

func (s *ethService) SendRawTransaction(_ context.Context, input hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, fmt.Errorf("invalid transaction: %w", err)
	}

	n := s.node
	if tx.ChainId().Cmp(n.chainID) != 0 {
		return common.Hash{}, fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(n.signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBatches {
		return common.Hash{}, errUnavailable
	}
	if tx.Nonce() < n.nonces[from] {
		return common.Hash{}, errors.New("nonce too low")
	}
	n.pending[tx.Hash()] = &pendingTx{tx: tx, from: from}
	n.sent++
	if n.autoMine {
		n.mineLocked()
	}
	return tx.Hash(), nil
}

func (s *ethService) GetTransactionCount(_ context.Context, address common.Address, block string) (hexutil.Uint64, error) {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBatches {
		return 0, errUnavailable
	}
	nonce := n.nonces[address]
	if strings.EqualFold(block, "pending") {
		for {
			found := false
			for _, p := range n.pending {
				if p.from == address && p.tx.Nonce() == nonce {
					nonce++
					found = true
				}
			}
			if !found {
				break
			}
		}
	}
	return hexutil.Uint64(nonce), nil
}

func (s *ethService) GetTransactionByHash(_ context.Context, hash common.Hash) (*RPCTransaction, error) {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBatches {
		return nil, errUnavailable
	}
	if m, ok := n.mined[hash]; ok {
		return &RPCTransaction{
			Hash:        hash,
			From:        m.from,
			To:          m.tx.To(),
			Nonce:       hexutil.Uint64(m.tx.Nonce()),
			Input:       m.tx.Data(),
			BlockNumber: (*hexutil.Big)(new(big.Int).SetUint64(m.block)),
		}, nil
	}
	if p, ok := n.pending[hash]; ok {
		return &RPCTransaction{
			Hash:  hash,
			From:  p.from,
			To:    p.tx.To(),
			Nonce: hexutil.Uint64(p.tx.Nonce()),
			Input: p.tx.Data(),
		}, nil
	}
	return nil, nil
}

func (s *ethService) GetTransactionReceipt(_ context.Context, hash common.Hash) (*RPCReceipt, error) {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failBatches {
		return nil, errUnavailable
	}
	m, ok := n.mined[hash]
	if !ok {
		return nil, nil
	}
	return &RPCReceipt{
		TransactionHash: hash,
		BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(m.block)),
		Status:          hexutil.Uint64(m.status),
		From:            m.from,
	}, nil
}
