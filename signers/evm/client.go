package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	dapps "github.com/decentraland/dapps/go"
	dappsevm "github.com/decentraland/dapps/go/mechanisms/evm"
)

// WalletSigner implements dappsevm.TransactionSigner using an ECDSA private key.
// Transactions are built as EIP-1559 transactions and broadcast through the
// provider of the target chain.
type WalletSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	providers  *ProviderSet
}

var (
	_ dappsevm.TransactionSigner = (*WalletSigner)(nil)
	_ dapps.AuthorizationReader  = (*WalletSigner)(nil)
)

// NewSignerFromPrivateKey creates a wallet signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//	providers: Providers used to fetch nonces and fees and to broadcast
//
// Example:
//
//	providers := evm.NewProviderSet(map[dapps.ChainID]string{dapps.ChainIDEthereumMainnet: rpcURL}, dapps.ChainIDEthereumMainnet)
//	signer, err := evm.NewSignerFromPrivateKey("0x1234...", providers)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	executor := dappsevm.NewChangeExecutor(signer)
func NewSignerFromPrivateKey(privateKeyHex string, providers *ProviderSet) (*WalletSigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if providers == nil {
		return nil, fmt.Errorf("wallet signer requires a provider set")
	}

	return &WalletSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		providers:  providers,
	}, nil
}

// Address returns the Ethereum address of the signer.
func (s *WalletSigner) Address() string {
	return s.address.Hex()
}

// SendTransaction signs and broadcasts a contract call.
// The pending nonce is used so consecutive calls queue behind each other; the legacy
// gas price is used as fee cap, raised to the tip when the node suggests a lower value.
func (s *WalletSigner) SendTransaction(ctx context.Context, chainID dapps.ChainID, to string, data []byte, gasLimit uint64) (*types.Transaction, error) {
	client, err := s.ethClient(chainID)
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasTipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	gasFeeCap, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if gasFeeCap.Cmp(gasTipCap) < 0 {
		gasFeeCap = new(big.Int).Set(gasTipCap)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID.BigInt(),
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &toAddr,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID.BigInt()), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx, nil
}

// ReadContract reads data from a smart contract on the given chain.
func (s *WalletSigner) ReadContract(
	ctx context.Context,
	chainID dapps.ChainID,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	client, err := s.ethClient(chainID)
	if err != nil {
		return nil, err
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := client.CallContract(ctx, ethereum.CallMsg{From: s.address, To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// ReadAuthorizations reads each authorization with its own eth_call from the wallet address.
// Revoked authorizations come back as nil entries; any failed read fails the whole call.
func (s *WalletSigner) ReadAuthorizations(ctx context.Context, authorizations []dapps.Authorization) ([]*dapps.AuthorizationRecord, error) {
	results := make([]*dapps.AuthorizationRecord, len(authorizations))
	for i, authorization := range authorizations {
		record, err := s.readAuthorization(ctx, authorization)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", authorization, err)
		}
		results[i] = record
	}
	return results, nil
}

func (s *WalletSigner) readAuthorization(ctx context.Context, authorization dapps.Authorization) (*dapps.AuthorizationRecord, error) {
	var function string
	switch authorization.Kind {
	case dapps.AuthorizationKindAllowance:
		function = dappsevm.FunctionAllowance
	case dapps.AuthorizationKindApproval:
		function = dappsevm.FunctionIsApprovedForAll
	default:
		return nil, fmt.Errorf("%s: %s", dappsevm.ErrUnsupportedAuthorization, authorization.Kind)
	}
	owner, err := dappsevm.ParseAddress(authorization.OwnerAddress)
	if err != nil {
		return nil, err
	}
	authorized, err := dappsevm.ParseAddress(authorization.AuthorizedAddress)
	if err != nil {
		return nil, err
	}

	value, err := s.ReadContract(ctx, authorization.ChainID, authorization.ContractAddress,
		dappsevm.KindABI(authorization.Kind), function, owner, authorized)
	if err != nil {
		return nil, err
	}

	record := &dapps.AuthorizationRecord{Authorization: authorization, ObservedAt: time.Now()}
	switch v := value.(type) {
	case *big.Int:
		if v.Sign() == 0 {
			return nil, nil
		}
		record.Allowance = v
	case bool:
		if !v {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("unexpected %s result type %T", function, value)
	}
	return record, nil
}

func (s *WalletSigner) ethClient(chainID dapps.ChainID) (*ethclient.Client, error) {
	rpcClient, err := s.providers.Client(chainID)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(rpcClient), nil
}
