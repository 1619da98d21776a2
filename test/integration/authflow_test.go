// Package integration_test drives the authorization flow end to end: HTTP and MCP surfaces,
// the EVM reader, executor and tracker, and a wallet signing against in-process nodes.
package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/mcp"
	"github.com/decentraland/dapps/go/mechanisms/evm"
	ginhandler "github.com/decentraland/dapps/go/pkg/gin"
	"github.com/decentraland/dapps/go/pkg/types"
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

type environment struct {
	sepolia *chain.Node
	polygon *chain.Node
	owner   string
	flow    *dapps.AuthorizationFlow
	server  *httptest.Server
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sepolia := chain.NewNode(dapps.ChainIDEthereumSepolia)
	polygon := chain.NewNode(dapps.ChainIDPolygonMainnet)
	providers := evmsigner.NewProviderSetFromClients(map[dapps.ChainID]*rpc.Client{
		dapps.ChainIDEthereumSepolia: sepolia.Client(),
		dapps.ChainIDPolygonMainnet:  polygon.Client(),
	}, dapps.ChainIDEthereumSepolia)

	signer, err := evmsigner.NewSignerFromPrivateKey(testPrivateKey, providers)
	require.NoError(t, err)
	owner := strings.ToLower(signer.Address())

	registry := dapps.NewRegistry(evm.NewAuthorizationReader(providers))
	tracker := evm.NewTracker(providers, evm.WithInitialPollDelay(time.Millisecond))
	flow := dapps.NewAuthorizationFlow(registry, evm.NewChangeExecutor(signer), tracker)

	ctx, cancel := context.WithCancel(context.Background())
	router := ginhandler.NewRouter(ginhandler.NewHandler(flow,
		ginhandler.WithOwner(owner),
		ginhandler.WithBaseContext(ctx)))

	mcpServer := mcp.NewServer(mcp.NewTools(flow, mcp.WithOwner(owner), mcp.WithBaseContext(ctx)), "test")
	sseHandler := mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		return mcpServer
	}, &mcpsdk.SSEOptions{})
	router.Any("/sse", gin.WrapH(sseHandler))
	router.Any("/messages", gin.WrapH(sseHandler))

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
		providers.Close()
		sepolia.Close()
		polygon.Close()
	})

	return &environment{sepolia: sepolia, polygon: polygon, owner: owner, flow: flow, server: server}
}

func (e *environment) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *environment) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPIntegration(t *testing.T) {
	env := newEnvironment(t)
	mana, err := evm.GetContract(evm.ContractMANA, dapps.ChainIDEthereumSepolia)
	require.NoError(t, err)
	env.sepolia.SetAllowance(mana.Address, env.owner, testSpender, big.NewInt(50))

	t.Run("Refresh reads the existing allowance", func(t *testing.T) {
		resp := env.post(t, "/authorizations/refresh", map[string]any{
			"authorizations": []map[string]any{{
				"type":              "allowance",
				"chainId":           uint64(dapps.ChainIDEthereumSepolia),
				"authorizedAddress": testSpender,
				"contractAddress":   mana.Address,
			}},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result dapps.RefreshResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		require.Len(t, result.Authorizations, 1)
		require.NotNil(t, result.Authorizations[0].Result)
		assert.Equal(t, int64(50), result.Authorizations[0].Result.Allowance.Int64())
	})

	t.Run("Grant on Ethereum revokes the existing allowance first", func(t *testing.T) {
		resp := env.post(t, "/flows", map[string]any{
			"authorization": map[string]any{
				"type":              "allowance",
				"chainId":           uint64(dapps.ChainIDEthereumSepolia),
				"authorizedAddress": testSpender,
				"contractAddress":   mana.Address,
				"contractName":      mana.Name,
			},
			"action":            "grant",
			"requiredAllowance": "100",
			"currentAllowance":  "50",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var started types.FlowResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

		var done types.FlowResponse
		require.Eventually(t, func() bool {
			return env.get(t, "/flows/"+started.Flow.ID, &done) == http.StatusOK && done.Flow.State.IsFinal()
		}, 10*time.Second, 10*time.Millisecond)

		require.Equal(t, dapps.FlowStateSuccess, done.Flow.State, "flow error: %v", done.Flow.Error)
		assert.True(t, done.Flow.Revoked)
		assert.Len(t, done.Flow.Transactions, 2)
		assert.Equal(t, []dapps.StepView{
			{Step: dapps.StepRevoke, Status: dapps.StepStatusDone},
			{Step: dapps.StepGrant, Status: dapps.StepStatusDone},
			{Step: dapps.StepConfirm, Status: dapps.StepStatusPending},
		}, done.Steps)
		assert.Equal(t, 0, evm.MaxUint256().Cmp(env.sepolia.Allowance(mana.Address, env.owner, testSpender)))
		assert.Equal(t, 2, env.sepolia.SentCount())

		var loading types.LoadingResponse
		require.Equal(t, http.StatusOK, env.get(t, "/loading", &loading))
		assert.Empty(t, loading.Entries)
	})
}

func TestMCPIntegration(t *testing.T) {
	env := newEnvironment(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "dapps-test-client",
		Version: "1.0.0",
	}, nil)
	session, err := client.Connect(ctx, &mcpsdk.SSEClientTransport{Endpoint: env.server.URL + "/sse"}, nil)
	require.NoError(t, err)
	defer session.Close()

	t.Run("Approval grant waits for confirmation", func(t *testing.T) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name: mcp.ToolRequestAuthorization,
			Arguments: map[string]interface{}{
				"authorization": map[string]interface{}{
					"type":              "approval",
					"chainId":           uint64(dapps.ChainIDPolygonMainnet),
					"authorizedAddress": testOperator,
					"contractAddress":   testWearables,
				},
				"action": "grant",
				"wait":   true,
			},
		})
		require.NoError(t, err)
		require.Len(t, result.Content, 1)
		text, ok := result.Content[0].(*mcpsdk.TextContent)
		require.True(t, ok)
		require.False(t, result.IsError, text.Text)

		var response types.FlowResponse
		require.NoError(t, json.Unmarshal([]byte(text.Text), &response))
		assert.Equal(t, dapps.FlowStateSuccess, response.Flow.State)
		assert.True(t, env.polygon.Approved(testWearables, env.owner, testOperator))
		assert.Equal(t, 0, env.sepolia.SentCount())
	})

	t.Run("Registry lists the approval", func(t *testing.T) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      mcp.ToolGetAuthorizations,
			Arguments: map[string]interface{}{},
		})
		require.NoError(t, err)
		text := result.Content[0].(*mcpsdk.TextContent)

		var registry types.AuthorizationsResponse
		require.NoError(t, json.Unmarshal([]byte(text.Text), &registry))
		require.Len(t, registry.Authorizations, 1)
		assert.Equal(t, dapps.AuthorizationKindApproval, registry.Authorizations[0].Kind)
		assert.Equal(t, testOperator, registry.Authorizations[0].AuthorizedAddress)
	})

	t.Run("Invalid arguments are a tool error", func(t *testing.T) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      mcp.ToolGetFlowStatus,
			Arguments: map[string]interface{}{"id": "missing"},
		})
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}
