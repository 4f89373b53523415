// Package abis holds the contract ABIs the engine talks to.
package abis

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI parses a JSON ABI definition.
func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
