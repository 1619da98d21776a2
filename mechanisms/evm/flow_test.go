package evm_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mechanisms/evm"
)

func newTestFlow(network *testNetwork) *dapps.AuthorizationFlow {
	registry := dapps.NewRegistry(evm.NewAuthorizationReader(network.providers))
	return dapps.NewAuthorizationFlow(
		registry,
		evm.NewChangeExecutor(network.signer),
		newTestTracker(network),
	)
}

func runFlow(t *testing.T, flow *dapps.AuthorizationFlow, req dapps.FlowRequest) (dapps.FlowOutcome, []dapps.FlowOutcome) {
	t.Helper()
	completed := make(chan dapps.FlowOutcome, 2)
	req.OnComplete = func(outcome dapps.FlowOutcome) { completed <- outcome }

	outcome, _ := flow.Run(withTimeout(t), req)

	var callbacks []dapps.FlowOutcome
	select {
	case callback := <-completed:
		callbacks = append(callbacks, callback)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion callback")
	}
	return outcome, callbacks
}

func TestFlow_EthereumGrantRevokesExistingAllowance(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDEthereumMainnet)
	auth := network.allowance()
	network.node.SetAllowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, big.NewInt(50))
	flow := newTestFlow(network)

	outcome, callbacks := runFlow(t, flow, dapps.FlowRequest{
		Authorization:     auth,
		Action:            dapps.ActionGrant,
		RequiredAllowance: big.NewInt(100),
		CurrentAllowance:  big.NewInt(50),
	})

	require.True(t, outcome.Success, "flow failed: %v", outcome.Error)
	require.Len(t, callbacks, 1)
	assert.True(t, callbacks[0].Success)
	assert.Equal(t, 2, network.node.SentCount())

	record, ok := flow.Registry().Find(auth)
	require.True(t, ok)
	assert.Equal(t, 0, record.Allowance.Cmp(evm.MaxUint256()))

	snapshot, ok := flow.Snapshot(auth)
	require.True(t, ok)
	assert.Equal(t, dapps.FlowStateSuccess, snapshot.State)
	assert.True(t, snapshot.Revoked)
	assert.Len(t, snapshot.Transactions, 2)
	assert.Empty(t, flow.Ledger().Entries())
}

func TestFlow_PolygonGrantSkipsRevoke(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	auth := network.allowance()
	network.node.SetAllowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, big.NewInt(50))
	flow := newTestFlow(network)

	outcome, _ := runFlow(t, flow, dapps.FlowRequest{
		Authorization:     auth,
		Action:            dapps.ActionGrant,
		RequiredAllowance: big.NewInt(100),
		CurrentAllowance:  big.NewInt(50),
	})

	require.True(t, outcome.Success, "flow failed: %v", outcome.Error)
	assert.Equal(t, 1, network.node.SentCount())
}

func TestFlow_RevertedRevokeStopsGrant(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDEthereumMainnet)
	auth := network.allowance()
	network.node.SetAllowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, big.NewInt(50))
	network.node.RevertNext(1)
	flow := newTestFlow(network)

	outcome, callbacks := runFlow(t, flow, dapps.FlowRequest{
		Authorization:    auth,
		Action:           dapps.ActionGrant,
		CurrentAllowance: big.NewInt(50),
	})

	require.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, dapps.ErrKindTransactionNotConfirmed, outcome.Error.Kind)
	assert.Equal(t, dapps.TxStatusReverted, outcome.Error.TxStatus)
	assert.False(t, callbacks[0].Success)
	assert.Equal(t, 1, network.node.SentCount())
	assert.Equal(t, int64(50), network.node.Allowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress).Int64())

	steps, ok := flow.Steps(auth)
	require.True(t, ok)
	assert.Equal(t, []dapps.StepView{
		{Step: dapps.StepRevoke, Status: dapps.StepStatusGenericError},
		{Step: dapps.StepGrant, Status: dapps.StepStatusPending},
		{Step: dapps.StepConfirm, Status: dapps.StepStatusPending},
	}, steps)
}

func TestFlow_InsufficientAllowance(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	auth := network.allowance()
	network.node.SetAllowance(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, big.NewInt(5))
	network.node.IgnoreWrites(auth.ContractAddress)
	flow := newTestFlow(network)

	outcome, _ := runFlow(t, flow, dapps.FlowRequest{
		Authorization:     auth,
		Action:            dapps.ActionGrant,
		RequiredAllowance: big.NewInt(10),
		CurrentAllowance:  big.NewInt(5),
	})

	require.False(t, outcome.Success)
	assert.Equal(t, dapps.ErrKindInsufficientAllowance, outcome.Error.Kind)

	steps, _ := flow.Steps(auth)
	assert.Equal(t, dapps.StepStatusAllowanceInsufficientError, steps[0].Status)
}

func TestFlow_RevokeApproval(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	auth := network.approval()
	network.node.SetApproval(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress, true)
	flow := newTestFlow(network)

	_, err := flow.Registry().Refresh(context.Background(), []dapps.Authorization{auth})
	require.NoError(t, err)
	_, found := flow.Registry().Find(auth)
	require.True(t, found)

	outcome, _ := runFlow(t, flow, dapps.FlowRequest{
		Authorization: auth,
		Action:        dapps.ActionRevoke,
	})

	require.True(t, outcome.Success, "flow failed: %v", outcome.Error)
	assert.False(t, network.node.Approved(auth.ContractAddress, auth.OwnerAddress, auth.AuthorizedAddress))
	_, found = flow.Registry().Find(auth)
	assert.False(t, found)
}

func TestFlow_BroadcastFailure(t *testing.T) {
	network := newTestNetwork(t, dapps.ChainIDPolygonMainnet)
	network.node.SetUnavailable(true)
	flow := newTestFlow(network)

	outcome, _ := runFlow(t, flow, dapps.FlowRequest{
		Authorization: network.approval(),
		Action:        dapps.ActionGrant,
	})

	require.False(t, outcome.Success)
	assert.Equal(t, dapps.ErrKindBroadcast, outcome.Error.Kind)
	assert.Equal(t, 0, network.node.SentCount())
}
