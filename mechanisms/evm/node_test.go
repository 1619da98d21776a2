package evm_test

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mechanisms/evm"
	evmsigner "github.com/decentraland/dapps/go/signers/evm"
	"github.com/decentraland/dapps/go/test/mocks/chain"
)

// Well-known development key, never used outside tests
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testSpender    = "0x2a39d4f68133491f0442496f601cde2a945b6d31"
	testOperator   = "0x8e5660b4ab70168b5a6feea0e0315cb49c8cd539"
	testWearables  = "0x4c290f486bae507719c562b6b524bdb71a2570c9"
)

type testNetwork struct {
	chainID   dapps.ChainID
	node      *chain.Node
	providers *evmsigner.ProviderSet
	signer    *evmsigner.WalletSigner
	mana      evm.ContractInfo
}

func newTestNetwork(t *testing.T, chainID dapps.ChainID) *testNetwork {
	t.Helper()
	node := chain.NewNode(chainID)
	providers := evmsigner.NewProviderSetFromClients(map[dapps.ChainID]*rpc.Client{chainID: node.Client()}, chainID)
	t.Cleanup(func() {
		providers.Close()
		node.Close()
	})

	signer, err := evmsigner.NewSignerFromPrivateKey(testPrivateKey, providers)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	mana, err := evm.GetContract(evm.ContractMANA, chainID)
	if err != nil {
		t.Fatalf("Failed to resolve MANA: %v", err)
	}
	return &testNetwork{chainID: chainID, node: node, providers: providers, signer: signer, mana: mana}
}

func (n *testNetwork) owner() string {
	return strings.ToLower(n.signer.Address())
}

func (n *testNetwork) allowance() dapps.Authorization {
	return n.mana.Authorization(n.owner(), testSpender)
}

func (n *testNetwork) approval() dapps.Authorization {
	return dapps.Authorization{
		Kind:              dapps.AuthorizationKindApproval,
		ChainID:           n.chainID,
		OwnerAddress:      n.owner(),
		AuthorizedAddress: testOperator,
		ContractAddress:   testWearables,
		ContractName:      "Wearables",
	}
}
