// Package uniswap implements outbound.SwapRouter against a Uniswap V2
// deployment.
//
// Quotes are computed locally from pair reserves read in one Multicall3
// round trip. Swaps are sent from the engine's custody account as
// swapExactTokensForTokens with a slippage floor derived from the quote; the
// delivered amount is taken from the output token's Transfer logs.
//
// A swap's router deadline never outlives the caller's context, and once the
// swap is broadcast Swap waits for it to settle even after that context is
// done: it returns the receipt if one appears, and gives up only when the
// deadline plus SettleGrace has passed and the swap can no longer execute.
// So an error from Swap always means nothing was converted.
package uniswap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker"

	"github.com/archon-research/dca/internal/pkg/blockchain"
	"github.com/archon-research/dca/internal/pkg/blockchain/abis"
	"github.com/archon-research/dca/internal/pkg/blockchain/uniswapv2"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var (
	_ outbound.SwapRouter      = (*Router)(nil)
	_ outbound.FundingVerifier = (*Router)(nil)
	_ outbound.Payer           = (*Router)(nil)
)

var (
	// ErrReverted is returned when a swap or approval transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")

	// ErrExpired is returned when a broadcast swap was not mined before its
	// deadline. It can only revert from then on.
	ErrExpired = errors.New("swap not mined before its deadline")
)

// ChainClient is the subset of ethclient.Client the router needs.
type ChainClient interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds configuration for the router.
type Config struct {
	// Book supplies the factory, init code hash and router addresses.
	Book blockchain.AddressBook

	// ChainID is used to sign transactions.
	ChainID *big.Int

	// Key controls the custody account that holds escrowed funds.
	Key *ecdsa.PrivateKey

	// SlippageBps is the tolerated shortfall of the delivered amount
	// against the quote, in basis points.
	SlippageBps uint32

	// Deadline is added to the current time for the router's deadline
	// argument. A sooner deadline on the swap context takes precedence.
	Deadline time.Duration

	// SettleGrace is how long past its deadline a broadcast swap is still
	// awaited, covering block timestamps that trail the local clock.
	SettleGrace time.Duration

	// ReceiptPollInterval is how often a pending transaction is checked.
	ReceiptPollInterval time.Duration

	// BreakerFailures consecutive failed swaps open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *slog.Logger
}

// ConfigDefaults returns the default router configuration.
func ConfigDefaults() Config {
	return Config{
		SlippageBps:         50,
		Deadline:            5 * time.Minute,
		SettleGrace:         time.Minute,
		ReceiptPollInterval: time.Second,
		BreakerFailures:     5,
		BreakerTimeout:      30 * time.Second,
		Logger:              slog.Default(),
	}
}

// Router swaps through Uniswap V2.
type Router struct {
	config      Config
	client      ChainClient
	multicaller outbound.Multicaller
	breaker     *gobreaker.CircuitBreaker
	from        common.Address
	signer      types.Signer

	pairABI   *abi.ABI
	routerABI *abi.ABI
	erc20ABI  *abi.ABI

	// sendMu serializes nonce allocation for the custody account.
	sendMu sync.Mutex

	logger *slog.Logger
}

// NewRouter creates a router.
func NewRouter(config Config, client ChainClient, multicaller outbound.Multicaller) (*Router, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if multicaller == nil {
		return nil, fmt.Errorf("multicaller cannot be nil")
	}
	if config.Key == nil {
		return nil, fmt.Errorf("custody key is required")
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain ID is required")
	}
	if config.Book.Router == (common.Address{}) || config.Book.Factory == (common.Address{}) {
		return nil, fmt.Errorf("address book for %q has no Uniswap V2 deployment", config.Book.Network)
	}
	if config.SlippageBps >= 10_000 {
		return nil, fmt.Errorf("slippage must be below 10000 bps, got %d", config.SlippageBps)
	}

	defaults := ConfigDefaults()
	if config.SlippageBps == 0 {
		config.SlippageBps = defaults.SlippageBps
	}
	if config.Deadline == 0 {
		config.Deadline = defaults.Deadline
	}
	if config.SettleGrace == 0 {
		config.SettleGrace = defaults.SettleGrace
	}
	if config.ReceiptPollInterval == 0 {
		config.ReceiptPollInterval = defaults.ReceiptPollInterval
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	pairABI, err := abis.GetUniswapV2PairABI()
	if err != nil {
		return nil, fmt.Errorf("loading pair ABI: %w", err)
	}
	routerABI, err := abis.GetUniswapV2RouterABI()
	if err != nil {
		return nil, fmt.Errorf("loading router ABI: %w", err)
	}
	erc20ABI, err := abis.GetERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("loading ERC20 ABI: %w", err)
	}

	logger := config.Logger.With("component", "uniswap-router", "network", config.Book.Network)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "uniswap-v2-swap",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Router{
		config:      config,
		client:      client,
		multicaller: multicaller,
		breaker:     breaker,
		from:        crypto.PubkeyToAddress(config.Key.PublicKey),
		signer:      types.LatestSignerForChainID(config.ChainID),
		pairABI:     pairABI,
		routerABI:   routerABI,
		erc20ABI:    erc20ABI,
		logger:      logger,
	}, nil
}

// Custody returns the account that holds escrowed funds and sends swaps.
func (r *Router) Custody() common.Address {
	return r.from
}

// Quote returns the output amount for amountIn along path at the latest block.
func (r *Router) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	reserves, err := r.reserves(ctx, path)
	if err != nil {
		return nil, err
	}
	amounts, err := uniswapv2.GetAmountsOut(amountIn, reserves)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

func (r *Router) reserves(ctx context.Context, path []common.Address) ([]uniswapv2.Reserves, error) {
	pairs, err := uniswapv2.Pairs(r.config.Book.Factory, r.config.Book.InitCodeHash, path)
	if err != nil {
		return nil, err
	}

	callData, err := r.pairABI.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("packing getReserves: %w", err)
	}
	calls := make([]outbound.Call, len(pairs))
	for i, pair := range pairs {
		calls[i] = outbound.Call{Target: pair, AllowFailure: true, CallData: callData}
	}

	results, err := r.multicaller.Execute(ctx, calls, nil)
	if err != nil {
		return nil, fmt.Errorf("reading reserves: %w", err)
	}

	reserves := make([]uniswapv2.Reserves, len(pairs))
	for i, res := range results {
		if !res.Success || len(res.ReturnData) == 0 {
			return nil, fmt.Errorf("hop %d (%s): %w", i, pairs[i].Hex(), uniswapv2.ErrInsufficientLiquidity)
		}
		out, err := r.pairABI.Unpack("getReserves", res.ReturnData)
		if err != nil || len(out) < 2 {
			return nil, fmt.Errorf("decoding reserves of %s: %w", pairs[i].Hex(), err)
		}
		r0, ok0 := out[0].(*big.Int)
		r1, ok1 := out[1].(*big.Int)
		if !ok0 || !ok1 {
			return nil, fmt.Errorf("unexpected reserve types from %s", pairs[i].Hex())
		}
		reserves[i], err = uniswapv2.OrderReserves(path[i], path[i+1], r0, r1)
		if err != nil {
			return nil, err
		}
	}
	return reserves, nil
}

// Swap converts amountIn along path and returns the amount delivered to recipient.
func (r *Router) Swap(ctx context.Context, amountIn *big.Int, path []common.Address, recipient common.Address) (*big.Int, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.swap(ctx, amountIn, path, recipient)
	})
	if err != nil {
		return nil, err
	}
	return out.(*big.Int), nil
}

func (r *Router) swap(ctx context.Context, amountIn *big.Int, path []common.Address, recipient common.Address) (*big.Int, error) {
	quote, err := r.Quote(ctx, amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("quoting: %w", err)
	}
	minOut := uniswapv2.ApplySlippage(quote, r.config.SlippageBps)

	if err := r.ensureAllowance(ctx, path[0], amountIn); err != nil {
		return nil, err
	}

	deadline := r.swapDeadline(ctx)
	data, err := r.routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, recipient, big.NewInt(deadline.Unix()))
	if err != nil {
		return nil, fmt.Errorf("packing swap: %w", err)
	}

	tx, err := r.send(ctx, r.config.Book.Router, data)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	receipt, err := r.settle(ctx, tx.Hash(), deadline)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}

	// the swap executed, so an error here would hide a conversion
	delivered := r.deliveredAmount(receipt, path[len(path)-1], recipient)
	if delivered.Sign() == 0 {
		r.logger.Warn("no Transfer log to recipient, booking the slippage floor",
			"tx", receipt.TxHash.Hex(), "recipient", recipient.Hex(), "amountOutMin", minOut.String())
		delivered = new(big.Int).Set(minOut)
	}

	r.logger.Info("swap executed",
		"tx", receipt.TxHash.Hex(),
		"amountIn", amountIn.String(),
		"quote", quote.String(),
		"amountOut", delivered.String(),
		"recipient", recipient.Hex())
	return delivered, nil
}

// swapDeadline is the deadline of a swap sent now, truncated to the second
// the router compares against block timestamps.
func (r *Router) swapDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(r.config.Deadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return time.Unix(deadline.Unix(), 0)
}

// settle waits for a broadcast swap whatever happens to ctx. Past
// deadline+SettleGrace the router rejects the swap, so nothing can convert.
func (r *Router) settle(ctx context.Context, hash common.Hash, deadline time.Time) (*types.Receipt, error) {
	waitCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline.Add(r.config.SettleGrace))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		r.logger.Warn("caller gave up on a broadcast swap, waiting for it to settle",
			"tx", hash.Hex(), "deadline", deadline.Unix())
	})
	defer stop()

	receipt, err := r.waitMined(waitCtx, hash)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s deadline %d", ErrExpired, hash.Hex(), deadline.Unix())
	}
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return receipt, nil
}

// ensureAllowance approves the router for the maximum amount when the current
// allowance does not cover amount.
func (r *Router) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	data, err := r.erc20ABI.Pack("allowance", r.from, r.config.Book.Router)
	if err != nil {
		return fmt.Errorf("packing allowance: %w", err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{From: r.from, To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("reading allowance: %w", err)
	}
	out, err := r.erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return fmt.Errorf("decoding allowance: %w", err)
	}
	if allowance, ok := out[0].(*big.Int); ok && allowance.Cmp(amount) >= 0 {
		return nil
	}

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	approve, err := r.erc20ABI.Pack("approve", r.config.Book.Router, maxUint256)
	if err != nil {
		return fmt.Errorf("packing approve: %w", err)
	}
	receipt, err := r.transact(ctx, token, approve)
	if err != nil {
		return fmt.Errorf("approving router: %w", err)
	}
	r.logger.Info("router approved", "token", token.Hex(), "tx", receipt.TxHash.Hex())
	return nil
}

// transact signs and sends a call to to and waits for a successful receipt.
func (r *Router) transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	tx, err := r.send(ctx, to, data)
	if err != nil {
		return nil, err
	}
	receipt, err := r.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func (r *Router) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	tx, err := r.sign(ctx, to, data)
	if err != nil {
		return nil, err
	}
	if err := r.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("sending transaction: %w", err)
	}
	r.logger.Debug("transaction sent", "tx", tx.Hash().Hex(), "to", to.Hex(), "nonce", tx.Nonce())
	return tx, nil
}

// sign builds a transaction from custody at the pending nonce. Callers hold sendMu.
func (r *Router) sign(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas price: %w", err)
	}
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimating gas: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &to,
		Data:     data,
	}), r.signer, r.config.Key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return tx, nil
}

func (r *Router) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(r.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// deliveredAmount sums Transfer logs of token to recipient in receipt.
func (r *Router) deliveredAmount(receipt *types.Receipt, token, recipient common.Address) *big.Int {
	transferID := r.erc20ABI.Events["Transfer"].ID
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}
