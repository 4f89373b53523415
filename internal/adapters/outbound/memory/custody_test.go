package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

func TestCustody_VerifyFunding(t *testing.T) {
	ctx := context.Background()
	c := NewCustody()
	hash := common.HexToHash("0xabc")
	c.Fund(outbound.Funding{TxHash: hash, From: testOwner, Token: testWETH, Amount: ether(10)})

	ok := outbound.Funding{TxHash: hash, From: testOwner, Token: testWETH, Amount: ether(10)}
	if err := c.VerifyFunding(ctx, ok); err != nil {
		t.Fatalf("VerifyFunding: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*outbound.Funding)
	}{
		{"unknown hash", func(f *outbound.Funding) { f.TxHash = common.HexToHash("0xdef") }},
		{"zero hash", func(f *outbound.Funding) { f.TxHash = common.Hash{} }},
		{"other sender", func(f *outbound.Funding) { f.From = testBenef }},
		{"other token", func(f *outbound.Funding) { f.Token = testDAI }},
		{"more than sent", func(f *outbound.Funding) { f.Amount = ether(11) }},
		{"less than sent", func(f *outbound.Funding) { f.Amount = ether(9) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ok
			tt.mutate(&f)
			if err := c.VerifyFunding(ctx, f); !errors.Is(err, entity.ErrUnfundedDeposit) {
				t.Errorf("expected ErrUnfundedDeposit, got %v", err)
			}
		})
	}
}

func TestCustody_SelfFunding(t *testing.T) {
	c := NewSelfFundingCustody()
	f := outbound.Funding{TxHash: common.HexToHash("0x1"), From: testOwner, Token: testWETH, Amount: ether(1)}
	if err := c.VerifyFunding(context.Background(), f); err != nil {
		t.Fatalf("VerifyFunding: %v", err)
	}
	f.TxHash = common.Hash{}
	if err := c.VerifyFunding(context.Background(), f); !errors.Is(err, entity.ErrUnfundedDeposit) {
		t.Errorf("zero hash: expected ErrUnfundedDeposit, got %v", err)
	}
}

func TestCustody_TransferExecutesOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCustody()

	signed, err := c.SignTransfer(ctx, testWETH, testOwner, ether(3))
	if err != nil {
		t.Fatalf("SignTransfer: %v", err)
	}
	if status, _ := c.TransferStatus(ctx, signed.Hash); status != outbound.TransferPending {
		t.Errorf("status before broadcast = %s", status)
	}
	for range 3 {
		if err := c.Broadcast(ctx, signed.Raw); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	if status, _ := c.TransferStatus(ctx, signed.Hash); status != outbound.TransferSucceeded {
		t.Errorf("status after broadcast = %s", status)
	}
	if got := c.Paid(testWETH, testOwner); got.Cmp(ether(3)) != 0 {
		t.Errorf("paid %s, want exactly 3 ether", got)
	}

	other, _ := c.SignTransfer(ctx, testWETH, testOwner, ether(3))
	if other.Hash == signed.Hash {
		t.Error("identical transfers must sign to distinct hashes")
	}
	if err := c.Broadcast(ctx, common.HexToHash("0x99").Bytes()); err == nil {
		t.Error("expected error for an unsigned transfer")
	}
}
