package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

func GetMulticall3ABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{
					"components": [
						{"name": "target", "type": "address"},
						{"name": "allowFailure", "type": "bool"},
						{"name": "callData", "type": "bytes"}
					],
					"name": "calls",
					"type": "tuple[]"
				}
			],
			"name": "aggregate3",
			"outputs": [
				{
					"components": [
						{"name": "success", "type": "bool"},
						{"name": "returnData", "type": "bytes"}
					],
					"name": "returnData",
					"type": "tuple[]"
				}
			],
			"stateMutability": "payable",
			"type": "function"
		}
	]`)
}
