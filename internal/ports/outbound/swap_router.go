package outbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SwapRouter is the external venue that converts the input asset along a path.
type SwapRouter interface {
	// Quote returns the output amount the venue would currently deliver.
	Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error)

	// Swap converts amountIn along path and delivers the output to recipient.
	// It is all-or-nothing: on error nothing was converted.
	Swap(ctx context.Context, amountIn *big.Int, path []common.Address, recipient common.Address) (*big.Int, error)
}
