package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates and converts a hex address
func ParseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid address: %s", address)
	}
	return common.HexToAddress(address), nil
}
