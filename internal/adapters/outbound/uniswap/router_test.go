package uniswap

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker"

	"github.com/archon-research/dca/internal/pkg/blockchain"
	"github.com/archon-research/dca/internal/pkg/blockchain/abis"
	"github.com/archon-research/dca/internal/pkg/blockchain/uniswapv2"
	"github.com/archon-research/dca/internal/ports/outbound"
	"github.com/archon-research/dca/internal/testutil"
)

var recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")

type mockMulticaller struct {
	executeFn func(ctx context.Context, calls []outbound.Call) ([]outbound.Result, error)
}

func (m *mockMulticaller) Execute(ctx context.Context, calls []outbound.Call, _ *big.Int) ([]outbound.Result, error) {
	return m.executeFn(ctx, calls)
}

func (m *mockMulticaller) Address() common.Address { return blockchain.Multicall3 }

type mockChain struct {
	mu        sync.Mutex
	allowance *big.Int
	status    uint64
	delivered *big.Int
	sendErr    error
	receiptErr error
	sent       []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	outToken  common.Address
}

func (m *mockChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	erc20, _ := abis.GetERC20ABI()
	return erc20.Methods["allowance"].Outputs.Pack(m.allowance)
}

func (m *mockChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.sent)), nil
}

func (m *mockChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (m *mockChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 100_000, nil }

func (m *mockChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)

	receipt := &types.Receipt{Status: m.status, TxHash: tx.Hash()}
	erc20, _ := abis.GetERC20ABI()
	if *tx.To() == testBook().Router && m.status == types.ReceiptStatusSuccessful {
		receipt.Logs = []*types.Log{{
			Address: m.outToken,
			Topics: []common.Hash{
				erc20.Events["Transfer"].ID,
				common.BytesToHash(testBook().Router.Bytes()),
				common.BytesToHash(recipient.Bytes()),
			},
			Data: common.LeftPadBytes(m.delivered.Bytes(), 32),
		}}
	}
	if m.receipts == nil {
		m.receipts = make(map[common.Hash]*types.Receipt)
	}
	m.receipts[tx.Hash()] = receipt
	return nil
}

func (m *mockChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func testBook() blockchain.AddressBook {
	book, _ := blockchain.AddressBookFor("mainnet")
	return book
}

func reservesMulticaller(t *testing.T, reserve0, reserve1 *big.Int) *mockMulticaller {
	t.Helper()
	pairABI, err := abis.GetUniswapV2PairABI()
	if err != nil {
		t.Fatalf("pair ABI: %v", err)
	}
	data, err := pairABI.Methods["getReserves"].Outputs.Pack(reserve0, reserve1, uint32(0))
	if err != nil {
		t.Fatalf("packing reserves: %v", err)
	}
	return &mockMulticaller{executeFn: func(_ context.Context, calls []outbound.Call) ([]outbound.Result, error) {
		results := make([]outbound.Result, len(calls))
		for i := range calls {
			results[i] = outbound.Result{Success: true, ReturnData: data}
		}
		return results, nil
	}}
}

func newTestRouter(t *testing.T, chain ChainClient, mc outbound.Multicaller, opts ...func(*Config)) *Router {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := Config{
		Book:                testBook(),
		ChainID:             big.NewInt(1),
		Key:                 key,
		SlippageBps:         100,
		ReceiptPollInterval: time.Millisecond,
		BreakerFailures:     2,
		BreakerTimeout:      time.Hour,
		Logger:              testutil.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := NewRouter(cfg, chain, mc)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

// WETH sorts after DAI on mainnet, so reserve0 is DAI.
func mainnetPool(t *testing.T) *mockMulticaller {
	return reservesMulticaller(t, testutil.Ether(2_000_000), testutil.Ether(1_000))
}

func TestNewRouter_Validation(t *testing.T) {
	key, _ := crypto.GenerateKey()
	mc := mainnetPool(t)
	chain := &mockChain{}

	tests := []struct {
		name   string
		cfg    Config
		client ChainClient
		mc     outbound.Multicaller
	}{
		{"nil client", Config{Book: testBook(), ChainID: big.NewInt(1), Key: key}, nil, mc},
		{"nil multicaller", Config{Book: testBook(), ChainID: big.NewInt(1), Key: key}, chain, nil},
		{"no key", Config{Book: testBook(), ChainID: big.NewInt(1)}, chain, mc},
		{"no chain id", Config{Book: testBook(), Key: key}, chain, mc},
		{"empty book", Config{ChainID: big.NewInt(1), Key: key}, chain, mc},
		{"slippage", Config{Book: testBook(), ChainID: big.NewInt(1), Key: key, SlippageBps: 10_000}, chain, mc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.cfg, tt.client, tt.mc); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestQuote_MatchesConstantProduct(t *testing.T) {
	book := testBook()
	r := newTestRouter(t, &mockChain{}, mainnetPool(t))

	got, err := r.Quote(context.Background(), testutil.Ether(1), []common.Address{book.WETH, book.DAI})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want, _ := uniswapv2.GetAmountOut(testutil.Ether(1), testutil.Ether(1_000), testutil.Ether(2_000_000))
	if got.Cmp(want) != 0 {
		t.Errorf("Quote = %s, want %s", got, want)
	}
}

func TestQuote_MissingPair(t *testing.T) {
	book := testBook()
	mc := &mockMulticaller{executeFn: func(_ context.Context, calls []outbound.Call) ([]outbound.Result, error) {
		return make([]outbound.Result, len(calls)), nil
	}}
	r := newTestRouter(t, &mockChain{}, mc)

	_, err := r.Quote(context.Background(), testutil.Ether(1), []common.Address{book.WETH, book.DAI})
	if !errors.Is(err, uniswapv2.ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestSwap_ApprovesThenSwaps(t *testing.T) {
	book := testBook()
	chain := &mockChain{
		allowance: big.NewInt(0),
		status:    types.ReceiptStatusSuccessful,
		delivered: testutil.Ether(1_990),
		outToken:  book.DAI,
	}
	r := newTestRouter(t, chain, mainnetPool(t))

	out, err := r.Swap(context.Background(), testutil.Ether(1), []common.Address{book.WETH, book.DAI}, recipient)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if out.Cmp(testutil.Ether(1_990)) != 0 {
		t.Errorf("delivered = %s, want 1990 ether", out)
	}
	if len(chain.sent) != 2 {
		t.Fatalf("sent %d transactions, want approve + swap", len(chain.sent))
	}
	if *chain.sent[0].To() != book.WETH || *chain.sent[1].To() != book.Router {
		t.Errorf("unexpected targets %s, %s", chain.sent[0].To().Hex(), chain.sent[1].To().Hex())
	}

	routerABI, _ := abis.GetUniswapV2RouterABI()
	args, err := routerABI.Methods["swapExactTokensForTokens"].Inputs.Unpack(chain.sent[1].Data()[4:])
	if err != nil {
		t.Fatalf("unpacking swap: %v", err)
	}
	quote, _ := uniswapv2.GetAmountOut(testutil.Ether(1), testutil.Ether(1_000), testutil.Ether(2_000_000))
	if minOut := args[1].(*big.Int); minOut.Cmp(uniswapv2.ApplySlippage(quote, 100)) != 0 {
		t.Errorf("amountOutMin = %s, want quote less 1%%", minOut)
	}
	if to := args[3].(common.Address); to != recipient {
		t.Errorf("recipient = %s", to.Hex())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), chain.sent[1])
	if err != nil || sender != r.Custody() {
		t.Errorf("swap signed by %s (err=%v), want custody %s", sender.Hex(), err, r.Custody().Hex())
	}
}

func TestSwap_SkipsApprovalWithAllowance(t *testing.T) {
	book := testBook()
	chain := &mockChain{
		allowance: testutil.Ether(1_000_000),
		status:    types.ReceiptStatusSuccessful,
		delivered: big.NewInt(42),
		outToken:  book.DAI,
	}
	r := newTestRouter(t, chain, mainnetPool(t))

	if _, err := r.Swap(context.Background(), testutil.Ether(1), []common.Address{book.WETH, book.DAI}, recipient); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if len(chain.sent) != 1 {
		t.Errorf("sent %d transactions, want only the swap", len(chain.sent))
	}
}

func TestSwap_RevertedAndBreakerOpens(t *testing.T) {
	book := testBook()
	chain := &mockChain{
		allowance: testutil.Ether(1_000_000),
		status:    types.ReceiptStatusFailed,
		outToken:  book.DAI,
	}
	r := newTestRouter(t, chain, mainnetPool(t))
	path := []common.Address{book.WETH, book.DAI}

	for i := range 2 {
		_, err := r.Swap(context.Background(), testutil.Ether(1), path, recipient)
		if !errors.Is(err, ErrReverted) {
			t.Fatalf("attempt %d: err = %v, want ErrReverted", i, err)
		}
	}

	_, err := r.Swap(context.Background(), testutil.Ether(1), path, recipient)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open circuit", err)
	}
	if len(chain.sent) != 2 {
		t.Errorf("open breaker still sent a transaction: %d sent", len(chain.sent))
	}
}

func TestSwap_ExpiresWhenNeverMined(t *testing.T) {
	book := testBook()
	chain := &mockChain{allowance: testutil.Ether(1_000_000), status: types.ReceiptStatusSuccessful, delivered: big.NewInt(1), outToken: book.DAI}
	r := newTestRouter(t, &noReceiptChain{mockChain: chain}, mainnetPool(t), func(c *Config) {
		c.SettleGrace = 10 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Swap(ctx, testutil.Ether(1), []common.Address{book.WETH, book.DAI}, recipient)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestSwap_WaitsPastCallerForBroadcastSwap(t *testing.T) {
	book := testBook()
	chain := &lateReceiptChain{
		mockChain: &mockChain{allowance: testutil.Ether(1_000_000), status: types.ReceiptStatusSuccessful, delivered: testutil.Ether(7), outToken: book.DAI},
		delay:     60 * time.Millisecond,
	}
	r := newTestRouter(t, chain, mainnetPool(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ctxDeadline, _ := ctx.Deadline()

	out, err := r.Swap(ctx, testutil.Ether(1), []common.Address{book.WETH, book.DAI}, recipient)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("receipt arrived before the caller gave up; the test is not exercising the late path")
	}
	if out.Cmp(testutil.Ether(7)) != 0 {
		t.Errorf("delivered = %s, want 7 ether", out)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("sent %d transactions, want exactly one swap", len(chain.sent))
	}

	routerABI, _ := abis.GetUniswapV2RouterABI()
	args, err := routerABI.Methods["swapExactTokensForTokens"].Inputs.Unpack(chain.sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("unpacking swap: %v", err)
	}
	if deadline := args[4].(*big.Int); deadline.Int64() > ctxDeadline.Unix() {
		t.Errorf("router deadline %d outlives the caller's deadline %d", deadline.Int64(), ctxDeadline.Unix())
	}
}

func TestSwap_NoTransferLogBooksFloor(t *testing.T) {
	book := testBook()
	chain := &mockChain{allowance: testutil.Ether(1_000_000), status: types.ReceiptStatusSuccessful, delivered: big.NewInt(5), outToken: book.Maker}
	r := newTestRouter(t, chain, mainnetPool(t))

	out, err := r.Swap(context.Background(), testutil.Ether(1), []common.Address{book.WETH, book.DAI}, recipient)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	quote, _ := uniswapv2.GetAmountOut(testutil.Ether(1), testutil.Ether(1_000), testutil.Ether(2_000_000))
	if want := uniswapv2.ApplySlippage(quote, 100); out.Cmp(want) != 0 {
		t.Errorf("booked %s, want the slippage floor %s", out, want)
	}
}

// noReceiptChain accepts transactions that are never mined.
type noReceiptChain struct {
	*mockChain
}

func (noReceiptChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

// lateReceiptChain mines each transaction delay after it was sent.
type lateReceiptChain struct {
	*mockChain
	delay time.Duration

	mu     sync.Mutex
	sentAt map[common.Hash]time.Time
}

func (c *lateReceiptChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.mockChain.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentAt == nil {
		c.sentAt = make(map[common.Hash]time.Time)
	}
	c.sentAt[tx.Hash()] = time.Now()
	return nil
}

func (c *lateReceiptChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	at, ok := c.sentAt[hash]
	c.mu.Unlock()
	if !ok || time.Since(at) < c.delay {
		return nil, ethereum.NotFound
	}
	return c.mockChain.TransactionReceipt(ctx, hash)
}
