package evm_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mechanisms/evm"
	evmsigner "github.com/decentraland/dapps/go/signers/evm"
	"github.com/decentraland/dapps/go/test/mocks/chain"
)

func TestAuthorizationReader_ReadsAllowancesAndApprovals(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	allowance := network.allowance()
	approval := network.approval()
	network.node.SetAllowance(allowance.ContractAddress, allowance.OwnerAddress, allowance.AuthorizedAddress, big.NewInt(42))
	network.node.SetApproval(approval.ContractAddress, approval.OwnerAddress, approval.AuthorizedAddress, true)

	reader := evm.NewAuthorizationReader(network.providers)
	results, err := reader.ReadAuthorizations(context.Background(), []dapps.Authorization{allowance, approval})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NotNil(t, results[0])
	assert.Equal(t, int64(42), results[0].Allowance.Int64())
	assert.True(t, results[0].Equal(allowance))
	assert.False(t, results[0].ObservedAt.IsZero())

	require.NotNil(t, results[1])
	assert.Nil(t, results[1].Allowance)
	assert.True(t, results[1].Equal(approval))
}

func TestAuthorizationReader_AbsentAuthorizations(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)

	invalid := network.allowance()
	invalid.OwnerAddress = "not-an-address"

	reader := evm.NewAuthorizationReader(network.providers)
	results, err := reader.ReadAuthorizations(context.Background(), []dapps.Authorization{
		network.allowance(),
		network.approval(),
		invalid,
	})
	require.NoError(t, err)
	assert.Equal(t, []*dapps.AuthorizationRecord{nil, nil, nil}, results)
	// the invalid authorization is never sent
	assert.Equal(t, 2, network.node.CallCount())
}

func TestAuthorizationReader_PerItemFailure(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	allowance := network.allowance()
	approval := network.approval()
	network.node.SetAllowance(allowance.ContractAddress, allowance.OwnerAddress, allowance.AuthorizedAddress, big.NewInt(7))
	network.node.SetApproval(approval.ContractAddress, approval.OwnerAddress, approval.AuthorizedAddress, true)
	network.node.FailCalls(approval.ContractAddress, true)

	reader := evm.NewAuthorizationReader(network.providers)
	results, err := reader.ReadAuthorizations(context.Background(), []dapps.Authorization{allowance, approval})
	require.NoError(t, err)
	require.NotNil(t, results[0])
	assert.Nil(t, results[1])
}

func TestAuthorizationReader_SplitsBatches(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)

	var authorizations []dapps.Authorization
	for i := 1; i <= 5; i++ {
		spender := big.NewInt(int64(i)).Text(16)
		auth := network.mana.Authorization(network.owner(), "0x"+leftPad(spender, 40))
		network.node.SetAllowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, big.NewInt(int64(i)))
		authorizations = append(authorizations, auth)
	}

	reader := evm.NewAuthorizationReader(network.providers, evm.WithBatchSize(2), evm.WithRateLimit(1000, 1))
	results, err := reader.ReadAuthorizations(context.Background(), authorizations)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, result := range results {
		require.NotNil(t, result, "result %d", i)
		assert.Equal(t, int64(i+1), result.Allowance.Int64())
	}
	assert.Equal(t, 5, network.node.CallCount())
}

func TestAuthorizationReader_MultipleChains(t *testing.T) {
	ethereum := chain.NewNode(dapps.ChainIDEthereumMainnet)
	polygon := chain.NewNode(dapps.ChainIDPolygonMainnet)
	providers := evmsigner.NewProviderSetFromClients(map[dapps.ChainID]*rpc.Client{
		dapps.ChainIDEthereumMainnet: ethereum.Client(),
		dapps.ChainIDPolygonMainnet:  polygon.Client(),
	}, dapps.ChainIDEthereumMainnet)
	t.Cleanup(func() {
		providers.Close()
		ethereum.Close()
		polygon.Close()
	})

	owner := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	mainnetMana, _ := evm.GetContract(evm.ContractMANA, dapps.ChainIDEthereumMainnet)
	polygonMana, _ := evm.GetContract(evm.ContractMANA, dapps.ChainIDPolygonMainnet)
	onMainnet := mainnetMana.Authorization(owner, testSpender)
	onPolygon := polygonMana.Authorization(owner, testSpender)
	ethereum.SetAllowance(onMainnet.ContractAddress, owner, testSpender, big.NewInt(1))
	polygon.SetAllowance(onPolygon.ContractAddress, owner, testSpender, big.NewInt(2))

	reader := evm.NewAuthorizationReader(providers)
	results, err := reader.ReadAuthorizations(context.Background(), []dapps.Authorization{onPolygon, onMainnet})
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[0].Allowance.Int64())
	assert.Equal(t, int64(1), results[1].Allowance.Int64())
	assert.Equal(t, 1, ethereum.CallCount())
	assert.Equal(t, 1, polygon.CallCount())
}

func TestAuthorizationReader_ProviderError(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	mainnetMana, _ := evm.GetContract(evm.ContractMANA, dapps.ChainIDEthereumMainnet)

	reader := evm.NewAuthorizationReader(network.providers)
	_, err := reader.ReadAuthorizations(context.Background(), []dapps.Authorization{
		network.allowance(),
		mainnetMana.Authorization(network.owner(), testSpender),
	})
	assert.Error(t, err)
}

func TestAuthorizationReader_Empty(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)

	reader := evm.NewAuthorizationReader(network.providers)
	results, err := reader.ReadAuthorizations(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, network.node.CallCount())
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
