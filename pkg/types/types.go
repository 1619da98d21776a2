// Package types holds the wire types of the HTTP and MCP surfaces.
package types

import (
	"fmt"
	"math/big"

	dapps "github.com/decentraland/dapps/go"
)

// FlowRequestBody asks for an authorization flow.
// Amounts are base-10 strings in the token's smallest unit.
type FlowRequestBody struct {
	Authorization     dapps.Authorization       `json:"authorization"`
	Action            dapps.AuthorizationAction `json:"action"`
	RequiredAllowance string                    `json:"requiredAllowance,omitempty"`
	CurrentAllowance  string                    `json:"currentAllowance,omitempty"`
}

// FlowRequest converts the body into an orchestrator request
func (b FlowRequestBody) FlowRequest() (dapps.FlowRequest, error) {
	required, err := parseAmount("requiredAllowance", b.RequiredAllowance)
	if err != nil {
		return dapps.FlowRequest{}, err
	}
	current, err := parseAmount("currentAllowance", b.CurrentAllowance)
	if err != nil {
		return dapps.FlowRequest{}, err
	}
	if current == nil {
		current = b.Authorization.KnownAllowance
	}
	return dapps.FlowRequest{
		Authorization:     b.Authorization,
		Action:            b.Action,
		RequiredAllowance: required,
		CurrentAllowance:  current,
	}, nil
}

func parseAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return amount, nil
}

// RefreshRequestBody asks for a registry refresh
type RefreshRequestBody struct {
	Authorizations []dapps.Authorization `json:"authorizations"`
}

// FlowResponse describes one flow and its projected steps
type FlowResponse struct {
	Flow  dapps.FlowSnapshot `json:"flow"`
	Steps []dapps.StepView   `json:"steps"`
}

// NewFlowResponse projects the snapshot against the ledger entries
func NewFlowResponse(snapshot dapps.FlowSnapshot, entries []dapps.LoadingEntry) FlowResponse {
	return FlowResponse{Flow: snapshot, Steps: dapps.ProjectSteps(snapshot, entries)}
}

// AuthorizationsResponse is the registry snapshot
type AuthorizationsResponse struct {
	Authorizations []dapps.AuthorizationRecord `json:"authorizations"`
}

// LoadingResponse lists the outstanding loading entries
type LoadingResponse struct {
	Entries []dapps.LoadingEntry `json:"entries"`
}

// ErrorResponse is returned by every failed request
type ErrorResponse struct {
	Error   string          `json:"error"`
	Kind    dapps.ErrorKind `json:"kind,omitempty"`
	Details []string        `json:"details,omitempty"`
}
