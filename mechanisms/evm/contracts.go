package evm

import (
	"fmt"
	"strings"

	dapps "github.com/decentraland/dapps/go"
)

const (
	ContractMANA = "MANA"
)

// contracts maps a contract name to its deployment per chain
var contracts = map[string]map[dapps.ChainID]string{
	ContractMANA: {
		dapps.ChainIDEthereumMainnet: "0x0f5d2fb29fb7d3cfee444a200298f468908cc942",
		dapps.ChainIDEthereumSepolia: "0xfa04d2e2ba9aec166c93dfeeba7427b2303befa9",
		dapps.ChainIDPolygonMainnet:  "0xA1c57f48F0Deb89f569dFbE6E2B7f46D33606fD4",
		dapps.ChainIDPolygonAmoy:     "0x7ad72b9f944ea9793cf4055d88f81138cc2c63a0",
	},
}

var contractKinds = map[string]dapps.AuthorizationKind{
	ContractMANA: dapps.AuthorizationKindAllowance,
}

// GetContract resolves a known contract by name on a chain
func GetContract(name string, chainID dapps.ChainID) (ContractInfo, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	deployments, ok := contracts[name]
	if !ok {
		return ContractInfo{}, fmt.Errorf("%s: %s", ErrUnknownContract, name)
	}
	address, ok := deployments[chainID]
	if !ok {
		return ContractInfo{}, fmt.Errorf("%s: %s is not deployed on %s", ErrUnsupportedChain, name, chainID)
	}
	return ContractInfo{
		Name:    name,
		Address: dapps.NormalizeAddress(address),
		ChainID: chainID,
		Kind:    contractKinds[name],
		ABI:     KindABI(contractKinds[name]),
	}, nil
}

// IsValidChain reports whether any known contract is deployed on the chain
func IsValidChain(chainID dapps.ChainID) bool {
	for _, deployments := range contracts {
		if _, ok := deployments[chainID]; ok {
			return true
		}
	}
	return false
}
