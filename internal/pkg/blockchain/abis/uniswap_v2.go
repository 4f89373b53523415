package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

// GetUniswapV2PairABI returns the pair functions needed to price a hop.
func GetUniswapV2PairABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [],
			"name": "getReserves",
			"outputs": [
				{"name": "reserve0", "type": "uint112"},
				{"name": "reserve1", "type": "uint112"},
				{"name": "blockTimestampLast", "type": "uint32"}
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "token0",
			"outputs": [{"name": "", "type": "address"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}

// GetUniswapV2RouterABI returns the router02 functions used for execution.
func GetUniswapV2RouterABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{"name": "amountIn", "type": "uint256"},
				{"name": "amountOutMin", "type": "uint256"},
				{"name": "path", "type": "address[]"},
				{"name": "to", "type": "address"},
				{"name": "deadline", "type": "uint256"}
			],
			"name": "swapExactTokensForTokens",
			"outputs": [{"name": "amounts", "type": "uint256[]"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "amountIn", "type": "uint256"},
				{"name": "path", "type": "address[]"}
			],
			"name": "getAmountsOut",
			"outputs": [{"name": "amounts", "type": "uint256[]"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}
