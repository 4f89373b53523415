package uniswap

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/archon-research/dca/internal/adapters/outbound/memory"
	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/pkg/blockchain/abis"
	"github.com/archon-research/dca/internal/pkg/clock"
	"github.com/archon-research/dca/internal/ports/inbound"
	"github.com/archon-research/dca/internal/ports/outbound"
	"github.com/archon-research/dca/internal/services/dca_engine"
	"github.com/archon-research/dca/internal/services/settlement"
	"github.com/archon-research/dca/internal/testutil"
)

var engineStart = time.Unix(1_700_000_000, 0).UTC()

func hourlyOrder() entity.Order {
	book := testBook()
	return entity.Order{
		Owner:         depositor,
		Beneficiary:   recipient,
		OutputToken:   book.DAI,
		EpochAmount:   testutil.Ether(1),
		MaxRelayerFee: big.NewInt(0),
		Salt:          big.NewInt(7),
		Epoch:         3600,
		ExpiryDate:    uint64(engineStart.Unix()) + 86400,
		Path:          []common.Address{book.WETH, book.DAI},
	}
}

func newChainEngine(t *testing.T, router *Router, custody outbound.FundingVerifier, store *memory.EscrowStore, clk clock.Clock, swapTimeout time.Duration) *dca_engine.Engine {
	t.Helper()
	engine, err := dca_engine.NewEngine(dca_engine.Config{
		WrappedNative: testBook().WETH,
		SwapTimeout:   swapTimeout,
		Clock:         clk,
		Logger:        testutil.DiscardLogger(),
	}, store, router, custody, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestEngineFill_ReceiptAfterSwapTimeoutDebitsOnce(t *testing.T) {
	book := testBook()
	chain := &lateReceiptChain{
		mockChain: &mockChain{allowance: testutil.Ether(1_000_000), status: types.ReceiptStatusSuccessful, delivered: testutil.Ether(1_990), outToken: book.DAI},
		delay:     60 * time.Millisecond,
	}
	router := newTestRouter(t, chain, mainnetPool(t))
	store := memory.NewEscrowStore()
	custody := memory.NewCustody()
	clk := clock.NewManual(engineStart)
	engine := newChainEngine(t, router, custody, store, clk, 20*time.Millisecond)

	ctx := context.Background()
	order := hourlyOrder()
	fundingTx := common.HexToHash("0xf1")
	custody.Fund(outbound.Funding{TxHash: fundingTx, From: order.Owner, Token: book.WETH, Amount: testutil.Ether(10)})
	dep, err := engine.Deposit(ctx, inbound.DepositRequest{Order: order, Caller: order.Owner, Value: testutil.Ether(10), FundingTx: fundingTx})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	clk.Advance(3601 * time.Second)
	res, err := engine.Fill(ctx, inbound.FillRequest{Order: order, Caller: recipient, RelayerFee: big.NewInt(0)})
	if err != nil {
		t.Fatalf("a swap mined after the timeout must be booked, got %v", err)
	}
	if res.AmountOut.Cmp(testutil.Ether(1_990)) != 0 {
		t.Errorf("amountOut = %s, want the delivered 1990 ether", res.AmountOut)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("sent %d transactions, want one swap", len(chain.sent))
	}

	record, _ := store.GetEscrow(ctx, dep.OrderID)
	if record == nil || record.Balance.Cmp(testutil.Ether(9)) != 0 {
		t.Fatalf("expected one epoch debited, got %+v", record)
	}

	// the relayer retries immediately: the booked epoch stops a second swap
	if _, err := engine.Fill(ctx, inbound.FillRequest{Order: order, Caller: recipient, RelayerFee: big.NewInt(0)}); err == nil {
		t.Fatal("second fill in the same epoch succeeded")
	}
	if len(chain.sent) != 1 {
		t.Errorf("retry sent another swap, %d sent", len(chain.sent))
	}
}

func TestCancel_RefundIsTransferredFromCustody(t *testing.T) {
	book := testBook()
	chain := &mockChain{status: types.ReceiptStatusSuccessful, receipts: make(map[common.Hash]*types.Receipt)}
	router := newTestRouter(t, chain, mainnetPool(t))
	store := memory.NewEscrowStore()
	engine := newChainEngine(t, router, router, store, clock.NewManual(engineStart), time.Second)

	ctx := context.Background()
	order := hourlyOrder()
	fundingTx := common.HexToHash("0xf2")
	chain.receipts[fundingTx] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: fundingTx,
		Logs:   []*types.Log{transferLog(t, book.WETH, order.Owner, router.Custody(), testutil.Ether(4))},
	}

	if _, err := engine.Deposit(ctx, inbound.DepositRequest{Order: order, Caller: order.Owner, Value: testutil.Ether(4), FundingTx: fundingTx}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := engine.Cancel(ctx, inbound.CancelRequest{Order: order, Caller: order.Owner}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(chain.sent) != 0 {
		t.Fatalf("cancel sent %d transactions itself", len(chain.sent))
	}

	settler, err := settlement.NewService(settlement.Config{Logger: testutil.DiscardLogger()}, store, router)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	for range 3 {
		if err := settler.SettleOnce(ctx); err != nil {
			t.Fatalf("SettleOnce: %v", err)
		}
	}

	if len(chain.sent) != 1 {
		t.Fatalf("sent %d transactions, want one refund transfer", len(chain.sent))
	}
	tx := chain.sent[0]
	if *tx.To() != book.WETH {
		t.Errorf("refund sent to %s, want WETH", tx.To().Hex())
	}
	erc20, _ := abis.GetERC20ABI()
	args, err := erc20.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpacking transfer: %v", err)
	}
	if to, amount := args[0].(common.Address), args[1].(*big.Int); to != order.Owner || amount.Cmp(testutil.Ether(4)) != 0 {
		t.Errorf("refund transfer(%s, %s), want owner and 4 ether", to.Hex(), amount)
	}

	id, _ := order.ID()
	payouts, _ := store.ListPayouts(ctx, id)
	if len(payouts) != 1 || payouts[0].Status != outbound.PayoutSettled || payouts[0].TxHash != tx.Hash() {
		t.Errorf("unexpected payout ledger %+v", payouts)
	}
}
