package blockchain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressBook holds the deployment addresses the engine needs on one network.
type AddressBook struct {
	Network string

	// Factory and InitCodeHash derive Uniswap V2 pair addresses.
	Factory      common.Address
	InitCodeHash common.Hash

	// Router is the Uniswap V2 Router02 the engine submits swaps to.
	Router common.Address

	// WETH is the wrapped native asset. Every order path starts with it.
	WETH common.Address

	DAI   common.Address
	Maker common.Address
	ETH   common.Address
}

const (
	uniswapV2Factory      = "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"
	uniswapV2InitCodeHash = "0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"
	uniswapV2Router02     = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
)

var rinkeby = AddressBook{
	Network:      "rinkeby",
	Factory:      common.HexToAddress(uniswapV2Factory),
	InitCodeHash: common.HexToHash(uniswapV2InitCodeHash),
	Router:       common.HexToAddress(uniswapV2Router02),
	WETH:         common.HexToAddress("0xc778417E063141139Fce010982780140Aa0cD5Ab"),
	DAI:          common.HexToAddress("0xc7AD46e0b8a400Bb3C915120d284AafbA8fc4735"),
	Maker:        common.HexToAddress("0xF9bA5210F91D0474bd1e1DcDAeC4C58E359AaD85"),
	ETH:          NativeAsset,
}

var addressBooks = map[string]AddressBook{
	"mainnet": {
		Network:      "mainnet",
		Factory:      common.HexToAddress(uniswapV2Factory),
		InitCodeHash: common.HexToHash(uniswapV2InitCodeHash),
		Router:       common.HexToAddress(uniswapV2Router02),
		WETH:         common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		DAI:          common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Maker:        common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2"),
		ETH:          NativeAsset,
	},
	"rinkeby": rinkeby,
	// hardhat runs as a rinkeby fork.
	"hardhat": withNetwork(rinkeby, "hardhat"),
}

func withNetwork(b AddressBook, network string) AddressBook {
	b.Network = network
	return b
}

// AddressBookFor returns the address book for network.
func AddressBookFor(network string) (AddressBook, error) {
	b, ok := addressBooks[strings.ToLower(network)]
	if !ok {
		return AddressBook{}, fmt.Errorf("address book: network %q not supported", network)
	}
	return b, nil
}

// Networks lists the supported network names in sorted order.
func Networks() []string {
	names := make([]string, 0, len(addressBooks))
	for name := range addressBooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
