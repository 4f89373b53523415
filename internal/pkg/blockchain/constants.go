package blockchain

import "github.com/ethereum/go-ethereum/common"

const (
	Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

	// NativeAssetAddress is the conventional placeholder for the chain's native asset.
	NativeAssetAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
)

var (
	Multicall3  = common.HexToAddress(Multicall3Address)
	NativeAsset = common.HexToAddress(NativeAssetAddress)
)
