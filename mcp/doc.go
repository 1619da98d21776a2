// Package mcp exposes the authorization registry and flows as MCP (Model Context Protocol) tools.
//
// # Server Usage
//
//	import (
//	    "github.com/decentraland/dapps/go/mcp"
//	    mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
//	)
//
//	tools := mcp.NewTools(flow, mcp.WithOwner(signer.Address()))
//	server := mcp.NewServer(tools, "1.0.0")
//	_ = server.Run(ctx, &mcpsdk.StdioTransport{})
//
// # Tools
//
//   - get_authorizations: the registry snapshot
//   - refresh_authorizations: re-read authorizations from chain
//   - request_authorization: start a grant or revoke flow, optionally waiting for it
//   - get_flow_status: flow state and step statuses
//   - clear_flow: abandon a flow
//
// Failures are returned as tool results with IsError set and a JSON body
// {"error", "kind", "details"}.
package mcp
