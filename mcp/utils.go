package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/types"
)

func arguments(req *mcpsdk.CallToolRequest) []byte {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return []byte("{}")
	}
	return req.Params.Arguments
}

func flowID(req *mcpsdk.CallToolRequest) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(arguments(req), &args); err != nil {
		return "", fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if strings.TrimSpace(args.ID) == "" {
		return "", errors.New("id is required")
	}
	return args.ID, nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return textResult(string(encoded)), nil
}

// errorResult reports err to the model as a tool error
func errorResult(err error) *mcpsdk.CallToolResult {
	response := types.ErrorResponse{Error: err.Error()}

	var validationErr *types.ValidationError
	var flowErr *dapps.FlowError
	switch {
	case errors.As(err, &validationErr):
		response.Error = "invalid arguments"
		response.Details = validationErr.Errors
	case errors.As(err, &flowErr):
		response.Error = flowErr.Message
		response.Kind = flowErr.Kind
	}

	encoded, _ := json.Marshal(response)
	result := textResult(string(encoded))
	result.IsError = true
	return result
}
