package uniswap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// VerifyFunding checks that f.TxHash is mined, succeeded and carries
// Transfer logs of f.Token from f.From to the custody account summing to
// exactly f.Amount.
func (r *Router) VerifyFunding(ctx context.Context, f outbound.Funding) error {
	if f.TxHash == (common.Hash{}) {
		return fmt.Errorf("%w: no funding transaction", entity.ErrUnfundedDeposit)
	}
	receipt, err := r.client.TransactionReceipt(ctx, f.TxHash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s is not mined", entity.ErrUnfundedDeposit, f.TxHash.Hex())
	}
	if err != nil {
		return fmt.Errorf("reading funding receipt %s: %w", f.TxHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s reverted", entity.ErrUnfundedDeposit, f.TxHash.Hex())
	}

	received := r.transferred(receipt, f.Token, f.From, r.from)
	if f.Amount == nil || received.Cmp(f.Amount) != 0 {
		return fmt.Errorf("%w: %s moved %s of %s from %s to custody, deposit claims %v",
			entity.ErrUnfundedDeposit, f.TxHash.Hex(), received, f.Token.Hex(), f.From.Hex(), f.Amount)
	}
	return nil
}

// transferred sums Transfer logs of token from -> to in receipt.
func (r *Router) transferred(receipt *types.Receipt, token, from, to common.Address) *big.Int {
	transferID := r.erc20ABI.Events["Transfer"].ID
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != from || common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}

// SignTransfer signs an ERC-20 transfer out of custody at the pending nonce.
// Nothing is sent.
func (r *Router) SignTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int) (*outbound.SignedTransfer, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("transfer amount must be non-negative")
	}
	data, err := r.erc20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("packing transfer: %w", err)
	}

	r.sendMu.Lock()
	tx, err := r.sign(ctx, token, data)
	r.sendMu.Unlock()
	if err != nil {
		return nil, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}
	return &outbound.SignedTransfer{Hash: tx.Hash(), Raw: raw}, nil
}

// Broadcast sends a transaction from SignTransfer. A node that already has
// it is fine; a node that has seen its nonce used by another transaction
// returns outbound.ErrTransferSuperseded.
func (r *Router) Broadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decoding transfer: %w", err)
	}

	err := r.client.SendTransaction(ctx, tx)
	switch {
	case err == nil:
		r.logger.Debug("transfer sent", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
		return nil
	case strings.Contains(err.Error(), "already known"):
		return nil
	case strings.Contains(err.Error(), "nonce too low"):
		return fmt.Errorf("%w: %s", outbound.ErrTransferSuperseded, tx.Hash().Hex())
	default:
		return fmt.Errorf("sending transfer %s: %w", tx.Hash().Hex(), err)
	}
}

// TransferStatus reads the receipt of hash.
func (r *Router) TransferStatus(ctx context.Context, hash common.Hash) (outbound.TransferStatus, error) {
	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return outbound.TransferPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return outbound.TransferReverted, nil
	}
	return outbound.TransferSucceeded, nil
}
