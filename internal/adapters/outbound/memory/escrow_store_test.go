package memory

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

func TestEscrowStore_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(100))

	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		existing, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if existing != nil {
			t.Errorf("expected no record, got %+v", existing)
		}
		if err := tx.Put(ctx, rec); err != nil {
			return err
		}
		staged, _ := tx.Get(ctx)
		if staged == nil || staged.Balance.Cmp(ether(100)) != 0 {
			t.Errorf("staged write not visible inside the transaction")
		}
		return tx.AppendEvent(ctx, outbound.DepositEvent{OrderID: rec.OrderID, Amount: ether(100)})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := store.GetEscrow(ctx, rec.OrderID)
	if got == nil || got.Balance.Cmp(ether(100)) != 0 {
		t.Fatalf("expected committed record with 100 ether, got %+v", got)
	}
	if len(store.Events()) != 1 {
		t.Errorf("expected 1 event, got %d", len(store.Events()))
	}
	if store.Custody().Cmp(ether(100)) != 0 {
		t.Errorf("expected custody 100 ether, got %s", store.Custody())
	}
}

func TestEscrowStore_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(100))
	_ = store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		return tx.Put(ctx, rec)
	})

	boom := errors.New("swap reverted")
	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		r, _ := tx.Get(ctx)
		r.Balance.Sub(r.Balance, ether(2))
		_ = tx.Put(ctx, r)
		_ = tx.RecordPayout(ctx, outbound.Payout{Kind: outbound.PayoutFee, Amount: ether(1)})
		_ = tx.AppendEvent(ctx, outbound.FillEvent{OrderID: rec.OrderID})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, _ := store.GetEscrow(ctx, rec.OrderID)
	if got.Balance.Cmp(ether(100)) != 0 {
		t.Errorf("rolled back write leaked: balance %s", got.Balance)
	}
	payouts, _ := store.ListPayouts(ctx, rec.OrderID)
	if len(payouts) != 0 {
		t.Errorf("rolled back payout leaked: %+v", payouts)
	}
	if len(store.Events()) != 0 {
		t.Errorf("rolled back event leaked")
	}
}

func TestEscrowStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(5))
	_ = store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		return tx.Put(ctx, rec)
	})

	rec.Balance.SetInt64(0)
	got, _ := store.GetEscrow(ctx, rec.OrderID)
	got.Balance.SetInt64(1)

	again, _ := store.GetEscrow(ctx, rec.OrderID)
	if again.Balance.Cmp(ether(5)) != 0 {
		t.Errorf("store shares memory with callers: balance %s", again.Balance)
	}
}

func TestEscrowStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(5))
	_ = store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		return tx.Put(ctx, rec)
	})
	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		if err := tx.RecordPayout(ctx, outbound.Payout{Kind: outbound.PayoutRefund, Account: testOwner, Amount: ether(5)}); err != nil {
			return err
		}
		return tx.Delete(ctx)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := store.GetEscrow(ctx, rec.OrderID); got != nil {
		t.Errorf("expected record removed, got %+v", got)
	}
	payouts, _ := store.ListPayouts(ctx, rec.OrderID)
	if len(payouts) != 1 || payouts[0].Kind != outbound.PayoutRefund || payouts[0].OrderID != rec.OrderID {
		t.Errorf("unexpected payouts %+v", payouts)
	}
}

func TestEscrowStore_PutRejectsForeignRecord(t *testing.T) {
	store := NewEscrowStore()
	a, b := testRecord(1, ether(1)), testRecord(2, ether(1))
	err := store.WithinOrder(context.Background(), a.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		return tx.Put(ctx, b)
	})
	if err == nil {
		t.Fatal("expected error writing a record under another order's lock")
	}
}

func TestEscrowStore_SerializesSameOrder(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(100))
	_ = store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		return tx.Put(ctx, rec)
	})

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
				r, _ := tx.Get(ctx)
				r.Balance.Sub(r.Balance, big.NewInt(1))
				return tx.Put(ctx, r)
			})
		}()
	}
	wg.Wait()

	got, _ := store.GetEscrow(ctx, rec.OrderID)
	want := new(big.Int).Sub(ether(100), big.NewInt(workers))
	if got.Balance.Cmp(want) != 0 {
		t.Errorf("lost update: expected %s, got %s", want, got.Balance)
	}
	if len(store.locks) != 0 {
		t.Errorf("expected lock table to drain, %d left", len(store.locks))
	}
}

func TestEscrowStore_DifferentOrdersDoNotBlock(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	a, b := testRecord(1, ether(1)), testRecord(2, ether(1))

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithinOrder(ctx, a.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan error, 1)
	go func() {
		done <- store.WithinOrder(ctx, b.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
			return tx.Put(ctx, b)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order b blocked behind order a")
	}
	close(release)
}

func TestEscrowStore_LockRespectsContext(t *testing.T) {
	store := NewEscrowStore()
	rec := testRecord(1, ether(1))

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithinOrder(context.Background(), rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		t.Error("fn must not run without the lock")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEscrowStore_CommitsAfterContextEnds(t *testing.T) {
	store := NewEscrowStore()
	rec := testRecord(1, ether(3))

	ctx, cancel := context.WithCancel(context.Background())
	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		cancel()
		return tx.Put(ctx, rec)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := store.GetEscrow(context.Background(), rec.OrderID); got == nil {
		t.Error("successful fn was not committed after its context ended")
	}
}

func TestEscrowStore_FundingClaimedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	a, b := testRecord(1, ether(1)), testRecord(2, ether(1))
	funding := common.HexToHash("0xf00d")

	// a rolled back claim does not count
	_ = store.WithinOrder(ctx, a.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		if err := tx.ClaimFunding(ctx, funding); err != nil {
			return err
		}
		return errors.New("abort")
	})

	err := store.WithinOrder(ctx, a.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		if err := tx.ClaimFunding(ctx, funding); err != nil {
			return err
		}
		return tx.Put(ctx, a)
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	err = store.WithinOrder(ctx, b.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		if err := tx.ClaimFunding(ctx, funding); err != nil {
			return err
		}
		return tx.Put(ctx, b)
	})
	if !errors.Is(err, entity.ErrFundingReused) {
		t.Fatalf("expected ErrFundingReused, got %v", err)
	}
	if got, _ := store.GetEscrow(ctx, b.OrderID); got != nil {
		t.Error("rejected claim committed the record")
	}
}

func TestEscrowStore_RacingClaimsOnDifferentOrders(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	funding := common.HexToHash("0xbeef")

	const orders = 10
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := testRecord(int64(i+1), ether(1))
			err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
				if err := tx.ClaimFunding(ctx, funding); err != nil {
					return err
				}
				return tx.Put(ctx, rec)
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("%d orders claimed the same funding, want 1", ok)
	}
	if store.Custody().Cmp(ether(1)) != 0 {
		t.Errorf("custody = %s, want 1 ether", store.Custody())
	}
}

func TestEscrowStore_PayoutLedger(t *testing.T) {
	ctx := context.Background()
	store := NewEscrowStore()
	rec := testRecord(1, ether(5))
	err := store.WithinOrder(ctx, rec.OrderID, func(ctx context.Context, tx outbound.EscrowTx) error {
		if err := tx.RecordPayout(ctx, outbound.Payout{Kind: outbound.PayoutProceeds, Account: testBenef, Amount: ether(2), Status: outbound.PayoutSettled}); err != nil {
			return err
		}
		return tx.RecordPayout(ctx, outbound.Payout{Kind: outbound.PayoutRefund, Account: testOwner, Token: testWETH, Amount: ether(3)})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, _ := store.UnsettledPayouts(ctx, 10)
	if len(pending) != 1 || pending[0].Kind != outbound.PayoutRefund || pending[0].Status != outbound.PayoutPending {
		t.Fatalf("unsettled = %+v, want the refund only", pending)
	}
	id := pending[0].ID
	first := outbound.SignedTransfer{Hash: common.HexToHash("0x01"), Raw: []byte{1}}

	if err := store.MarkPayoutSettled(ctx, id, first.Hash); !errors.Is(err, outbound.ErrPayoutConflict) {
		t.Errorf("settling a pending payout: %v, want ErrPayoutConflict", err)
	}
	if err := store.MarkPayoutSubmitted(ctx, id, first); err != nil {
		t.Fatalf("MarkPayoutSubmitted: %v", err)
	}
	if err := store.MarkPayoutSubmitted(ctx, id, first); !errors.Is(err, outbound.ErrPayoutConflict) {
		t.Errorf("second submission: %v, want ErrPayoutConflict", err)
	}

	if err := store.ResetPayout(ctx, id, first.Hash); err != nil {
		t.Fatalf("ResetPayout: %v", err)
	}
	second := outbound.SignedTransfer{Hash: common.HexToHash("0x02"), Raw: []byte{2}}
	if err := store.MarkPayoutSubmitted(ctx, id, second); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if err := store.MarkPayoutSettled(ctx, id, first.Hash); !errors.Is(err, outbound.ErrPayoutConflict) {
		t.Errorf("settling with a stale hash: %v, want ErrPayoutConflict", err)
	}
	if err := store.MarkPayoutSettled(ctx, id, second.Hash); err != nil {
		t.Fatalf("MarkPayoutSettled: %v", err)
	}

	if pending, _ := store.UnsettledPayouts(ctx, 10); len(pending) != 0 {
		t.Errorf("settled payout still listed: %+v", pending)
	}
	payouts, _ := store.ListPayouts(ctx, rec.OrderID)
	if len(payouts) != 2 || payouts[1].Status != outbound.PayoutSettled || payouts[1].TxHash != second.Hash {
		t.Errorf("unexpected payouts %+v", payouts)
	}
}
