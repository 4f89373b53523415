// Package uniswapv2 implements the off-chain half of the Uniswap V2 library:
// pair address derivation and constant-product amount math.
package uniswapv2

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrIdenticalAddresses    = errors.New("uniswapv2: identical addresses")
	ErrZeroAddress           = errors.New("uniswapv2: zero address")
	ErrInsufficientInput     = errors.New("uniswapv2: insufficient input amount")
	ErrInsufficientLiquidity = errors.New("uniswapv2: insufficient liquidity")
	ErrInvalidPath           = errors.New("uniswapv2: invalid path")
)

var (
	feeNumerator   = big.NewInt(997)
	feeDenominator = big.NewInt(1000)
)

// Reserves are a pair's balances ordered like the path hop (in, out).
type Reserves struct {
	In  *big.Int
	Out *big.Int
}

// SortTokens returns the pair's tokens in the factory's canonical order.
func SortTokens(a, b common.Address) (common.Address, common.Address, error) {
	if a == b {
		return common.Address{}, common.Address{}, ErrIdenticalAddresses
	}
	token0, token1 := a, b
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		token0, token1 = b, a
	}
	if token0 == (common.Address{}) {
		return common.Address{}, common.Address{}, ErrZeroAddress
	}
	return token0, token1, nil
}

// PairFor computes the CREATE2 address of the a/b pair without any RPC.
func PairFor(factory common.Address, initCodeHash common.Hash, a, b common.Address) (common.Address, error) {
	token0, token1, err := SortTokens(a, b)
	if err != nil {
		return common.Address{}, err
	}
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}

// Pairs returns the pair address of every hop of path.
func Pairs(factory common.Address, initCodeHash common.Hash, path []common.Address) ([]common.Address, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	pairs := make([]common.Address, len(path)-1)
	for i := range pairs {
		pair, err := PairFor(factory, initCodeHash, path[i], path[i+1])
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		pairs[i] = pair
	}
	return pairs, nil
}

// GetAmountOut returns the maximum output for amountIn against one pair,
// after the 0.3% fee.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInsufficientInput
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	amountInWithFee := new(big.Int).Mul(amountIn, feeNumerator)
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, feeDenominator)
	denominator.Add(denominator, amountInWithFee)
	return numerator.Quo(numerator, denominator), nil
}

// GetAmountsOut chains GetAmountOut along reserves, one entry per hop.
// The result has len(reserves)+1 entries, the first being amountIn.
func GetAmountsOut(amountIn *big.Int, reserves []Reserves) ([]*big.Int, error) {
	if len(reserves) == 0 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(reserves)+1)
	amounts[0] = new(big.Int).Set(amountIn)
	for i, r := range reserves {
		out, err := GetAmountOut(amounts[i], r.In, r.Out)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// OrderReserves maps a pair's (reserve0, reserve1) onto the hop direction.
func OrderReserves(tokenIn, tokenOut common.Address, reserve0, reserve1 *big.Int) (Reserves, error) {
	token0, _, err := SortTokens(tokenIn, tokenOut)
	if err != nil {
		return Reserves{}, err
	}
	if tokenIn == token0 {
		return Reserves{In: reserve0, Out: reserve1}, nil
	}
	return Reserves{In: reserve1, Out: reserve0}, nil
}

// ApplySlippage returns amount reduced by bps basis points, rounded down.
func ApplySlippage(amount *big.Int, bps uint32) *big.Int {
	if bps >= 10_000 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(10_000-bps)))
	return out.Quo(out, big.NewInt(10_000))
}
