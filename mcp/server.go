package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/types"
)

// Tool names
const (
	ToolGetAuthorizations     = "get_authorizations"
	ToolRefreshAuthorizations = "refresh_authorizations"
	ToolRequestAuthorization  = "request_authorization"
	ToolGetFlowStatus         = "get_flow_status"
	ToolClearFlow             = "clear_flow"
)

const (
	emptySchema  = `{"type": "object"}`
	flowIDSchema = `{"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}`
)

// Tools exposes the authorization flow as MCP tools
type Tools struct {
	flow    *dapps.AuthorizationFlow
	owner   string
	baseCtx context.Context
	logger  *slog.Logger
}

// Options configures Tools
type Options func(*Tools)

// WithOwner sets the wallet address used for authorizations sent without one
func WithOwner(owner string) Options {
	return func(t *Tools) {
		t.owner = owner
	}
}

// WithBaseContext sets the context flows started without waiting run under
func WithBaseContext(ctx context.Context) Options {
	return func(t *Tools) {
		t.baseCtx = ctx
	}
}

// WithLogger sets the tools logger
func WithLogger(logger *slog.Logger) Options {
	return func(t *Tools) {
		t.logger = logger
	}
}

// NewTools creates the tool set over flow
func NewTools(flow *dapps.AuthorizationFlow, opts ...Options) *Tools {
	t := &Tools{
		flow:    flow,
		baseCtx: context.Background(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewServer creates an MCP server with every tool registered
func NewServer(tools *Tools, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "dapps-authorizations",
		Version: version,
	}, nil)
	tools.Register(server)
	return server
}

// Register adds the tools to server
func (t *Tools) Register(server *mcpsdk.Server) {
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetAuthorizations,
		Description: "List the authorizations currently granted by the connected wallet, as last read from chain.",
		InputSchema: json.RawMessage(emptySchema),
	}, t.getAuthorizations)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolRefreshAuthorizations,
		Description: "Re-read the given authorizations from chain and merge them into the registry.",
		InputSchema: json.RawMessage(types.RefreshRequestSchema),
	}, t.refreshAuthorizations)

	server.AddTool(&mcpsdk.Tool{
		Name: ToolRequestAuthorization,
		Description: "Grant or revoke an ERC20 allowance or ERC721 operator approval. " +
			"Returns the flow id; set wait to true to block until the flow completes.",
		InputSchema: json.RawMessage(requestAuthorizationSchema),
	}, t.requestAuthorization)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetFlowStatus,
		Description: "Get the state and step statuses of an authorization flow.",
		InputSchema: json.RawMessage(flowIDSchema),
	}, t.getFlowStatus)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolClearFlow,
		Description: "Abandon an authorization flow and forget its status.",
		InputSchema: json.RawMessage(flowIDSchema),
	}, t.clearFlow)
}

// requestAuthorizationSchema is the flow request schema plus the wait flag
var requestAuthorizationSchema = func() string {
	var schema map[string]any
	if err := json.Unmarshal([]byte(types.FlowRequestSchema), &schema); err != nil {
		panic(err)
	}
	schema["properties"].(map[string]any)["wait"] = map[string]any{"type": "boolean"}
	encoded, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return string(encoded)
}()

func (t *Tools) getAuthorizations(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(types.AuthorizationsResponse{Authorizations: t.flow.Registry().Get()})
}

func (t *Tools) refreshAuthorizations(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	body, err := types.DecodeRefreshRequest(arguments(req))
	if err != nil {
		return errorResult(err), nil
	}
	for i := range body.Authorizations {
		t.fillOwner(&body.Authorizations[i])
	}
	result, err := t.flow.Registry().Refresh(ctx, body.Authorizations)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (t *Tools) requestAuthorization(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	document := arguments(req)
	body, err := types.DecodeFlowRequest(document)
	if err != nil {
		return errorResult(err), nil
	}
	var options struct {
		Wait bool `json:"wait"`
	}
	if err := json.Unmarshal(document, &options); err != nil {
		return errorResult(&types.ValidationError{Errors: []string{fmt.Sprintf("wait: %v", err)}}), nil
	}

	t.fillOwner(&body.Authorization)
	flowReq, err := body.FlowRequest()
	if err != nil {
		return errorResult(err), nil
	}

	runCtx := t.baseCtx
	if options.Wait {
		runCtx = ctx
	}
	run, err := t.flow.Start(runCtx, flowReq)
	if err != nil {
		return errorResult(err), nil
	}
	t.logger.Debug("authorization flow requested over MCP", "flow_id", run.ID(), "wait", options.Wait)

	if options.Wait {
		// a failed flow is reported through its snapshot
		if _, err := run.Wait(ctx); err != nil && (dapps.IsAbandoned(err) || ctx.Err() != nil) {
			return errorResult(err), nil
		}
	}
	return t.flowResult(run.ID())
}

func (t *Tools) getFlowStatus(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	id, err := flowID(req)
	if err != nil {
		return errorResult(err), nil
	}
	return t.flowResult(id)
}

func (t *Tools) clearFlow(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	id, err := flowID(req)
	if err != nil {
		return errorResult(err), nil
	}
	snapshot, ok := t.flow.SnapshotByID(id)
	if !ok {
		return errorResult(fmt.Errorf("flow %s not found", id)), nil
	}
	t.flow.Clear(snapshot.Authorization)
	return textResult(fmt.Sprintf("flow %s cleared", id)), nil
}

func (t *Tools) flowResult(id string) (*mcpsdk.CallToolResult, error) {
	snapshot, ok := t.flow.SnapshotByID(id)
	if !ok {
		return errorResult(fmt.Errorf("flow %s not found", id)), nil
	}
	return jsonResult(types.NewFlowResponse(snapshot, t.flow.Ledger().Entries()))
}

func (t *Tools) fillOwner(authorization *dapps.Authorization) {
	if authorization.OwnerAddress == "" {
		authorization.OwnerAddress = t.owner
	}
}
