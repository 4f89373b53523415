package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/pkg/blockchain/uniswapv2"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var _ outbound.SwapRouter = (*Router)(nil)

// Router simulates a Uniswap V2 venue with in-process constant-product pools.
// It applies the same 0.3% fee math as the on-chain pairs and updates
// reserves on every swap, so repeated fills move the price.
type Router struct {
	mu        sync.Mutex
	pools     map[pairKey]*pool
	delivered map[common.Address]map[common.Address]*big.Int
	failure   func(amountIn *big.Int, path []common.Address) error
	delay     time.Duration
	swapCount int
}

type pairKey struct {
	token0, token1 common.Address
}

type pool struct {
	reserve0, reserve1 *big.Int
}

// NewRouter creates a router with no pools.
func NewRouter() *Router {
	return &Router{
		pools:     make(map[pairKey]*pool),
		delivered: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// AddPool creates or replaces the a/b pool with the given reserves.
func (r *Router) AddPool(a, b common.Address, reserveA, reserveB *big.Int) error {
	token0, token1, err := uniswapv2.SortTokens(a, b)
	if err != nil {
		return err
	}
	p := &pool{reserve0: new(big.Int).Set(reserveA), reserve1: new(big.Int).Set(reserveB)}
	if token0 != a {
		p.reserve0, p.reserve1 = p.reserve1, p.reserve0
	}
	r.mu.Lock()
	r.pools[pairKey{token0, token1}] = p
	r.mu.Unlock()
	return nil
}

// FailWith makes every subsequent swap return err. Passing nil clears it.
func (r *Router) FailWith(err error) {
	r.SetFailure(func(*big.Int, []common.Address) error { return err })
}

// SetFailure installs a hook consulted before every swap. A non-nil
// return aborts the swap with no reserve change.
func (r *Router) SetFailure(fn func(amountIn *big.Int, path []common.Address) error) {
	r.mu.Lock()
	r.failure = fn
	r.mu.Unlock()
}

// SetDelay makes every swap take at least d, or until ctx is done.
func (r *Router) SetDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

// Delivered returns the total amount of token swapped out to account.
func (r *Router) Delivered(token, account common.Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.delivered[token][account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SwapCount returns the number of completed swaps.
func (r *Router) SwapCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swapCount
}

// Quote prices amountIn along path at current reserves.
func (r *Router) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	amounts, _, err := r.amountsOut(amountIn, path)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

// Swap executes amountIn along path, all-or-nothing.
func (r *Router) Swap(ctx context.Context, amountIn *big.Int, path []common.Address, recipient common.Address) (*big.Int, error) {
	r.mu.Lock()
	delay, failure := r.delay, r.failure
	r.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("swap aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if failure != nil {
		if err := failure(amountIn, path); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("swap aborted: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	amounts, hops, err := r.amountsOut(amountIn, path)
	if err != nil {
		return nil, err
	}
	for i, p := range hops {
		in, out := amounts[i], amounts[i+1]
		if token0, _, _ := uniswapv2.SortTokens(path[i], path[i+1]); token0 == path[i] {
			p.reserve0.Add(p.reserve0, in)
			p.reserve1.Sub(p.reserve1, out)
		} else {
			p.reserve1.Add(p.reserve1, in)
			p.reserve0.Sub(p.reserve0, out)
		}
	}

	amountOut := amounts[len(amounts)-1]
	tokenOut := path[len(path)-1]
	if r.delivered[tokenOut] == nil {
		r.delivered[tokenOut] = make(map[common.Address]*big.Int)
	}
	total, ok := r.delivered[tokenOut][recipient]
	if !ok {
		total = new(big.Int)
		r.delivered[tokenOut][recipient] = total
	}
	total.Add(total, amountOut)
	r.swapCount++

	return new(big.Int).Set(amountOut), nil
}

// amountsOut must be called with r.mu held.
func (r *Router) amountsOut(amountIn *big.Int, path []common.Address) ([]*big.Int, []*pool, error) {
	if len(path) < 2 {
		return nil, nil, uniswapv2.ErrInvalidPath
	}
	hops := make([]*pool, len(path)-1)
	reserves := make([]uniswapv2.Reserves, len(path)-1)
	for i := range hops {
		token0, token1, err := uniswapv2.SortTokens(path[i], path[i+1])
		if err != nil {
			return nil, nil, fmt.Errorf("hop %d: %w", i, err)
		}
		p, ok := r.pools[pairKey{token0, token1}]
		if !ok {
			return nil, nil, fmt.Errorf("hop %d: no pool for %s/%s", i, path[i].Hex(), path[i+1].Hex())
		}
		hops[i] = p
		reserves[i], _ = uniswapv2.OrderReserves(path[i], path[i+1], p.reserve0, p.reserve1)
	}
	amounts, err := uniswapv2.GetAmountsOut(amountIn, reserves)
	if err != nil {
		return nil, nil, err
	}
	return amounts, hops, nil
}
