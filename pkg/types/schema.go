package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const authorizationSchema = `{
	"type": "object",
	"required": ["type", "chainId", "authorizedAddress", "contractAddress"],
	"properties": {
		"type": {"enum": ["allowance", "approval"]},
		"chainId": {"type": "integer", "minimum": 1},
		"address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"authorizedAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"contractAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"contractName": {"type": "string"}
	}
}`

// FlowRequestSchema validates FlowRequestBody documents
const FlowRequestSchema = `{
	"type": "object",
	"required": ["authorization", "action"],
	"properties": {
		"authorization": ` + authorizationSchema + `,
		"action": {"enum": ["grant", "revoke"]},
		"requiredAllowance": {"type": "string", "pattern": "^[0-9]+$"},
		"currentAllowance": {"type": "string", "pattern": "^[0-9]+$"}
	}
}`

// RefreshRequestSchema validates RefreshRequestBody documents
const RefreshRequestSchema = `{
	"type": "object",
	"required": ["authorizations"],
	"properties": {
		"authorizations": {"type": "array", "items": ` + authorizationSchema + `}
	}
}`

var (
	flowRequestSchema    = mustSchema(FlowRequestSchema)
	refreshRequestSchema = mustSchema(RefreshRequestSchema)
)

func mustSchema(definition string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid JSON schema: %v", err))
	}
	return schema
}

// ValidationError lists every schema violation of a document
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Errors, "; ")
}

func validate(schema *gojsonschema.Schema, document []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return &ValidationError{Errors: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}
	if result.Valid() {
		return nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return &ValidationError{Errors: errors}
}

// DecodeFlowRequest validates and decodes a flow request document
func DecodeFlowRequest(document []byte) (FlowRequestBody, error) {
	var body FlowRequestBody
	if err := validate(flowRequestSchema, document); err != nil {
		return body, err
	}
	if err := json.Unmarshal(document, &body); err != nil {
		return body, &ValidationError{Errors: []string{err.Error()}}
	}
	return body, nil
}

// DecodeRefreshRequest validates and decodes a refresh request document
func DecodeRefreshRequest(document []byte) (RefreshRequestBody, error) {
	var body RefreshRequestBody
	if err := validate(refreshRequestSchema, document); err != nil {
		return body, err
	}
	if err := json.Unmarshal(document, &body); err != nil {
		return body, &ValidationError{Errors: []string{err.Error()}}
	}
	return body, nil
}
