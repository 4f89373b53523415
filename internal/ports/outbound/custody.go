package outbound

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferSuperseded is returned by Payer.Broadcast when the chain has
// already used the transfer's nonce for another transaction.
var ErrTransferSuperseded = errors.New("transfer nonce already used")

// Funding is a transfer into custody offered as backing for a deposit.
type Funding struct {
	TxHash common.Hash
	From   common.Address
	Token  common.Address
	Amount *big.Int
}

// FundingVerifier checks deposits against the custody account.
type FundingVerifier interface {
	// VerifyFunding returns nil if f.TxHash succeeded and moved exactly
	// f.Amount of f.Token from f.From into custody. Any other outcome wraps
	// entity.ErrUnfundedDeposit.
	VerifyFunding(ctx context.Context, f Funding) error
}

// SignedTransfer is a custody transfer that is signed but not necessarily
// sent. Raw can be broadcast any number of times and executes at most once.
type SignedTransfer struct {
	Hash common.Hash
	Raw  []byte
}

// TransferStatus is the on-chain outcome of a signed transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSucceeded TransferStatus = "succeeded"
	TransferReverted  TransferStatus = "reverted"
)

// Payer moves value out of custody.
type Payer interface {
	// SignTransfer prepares a transfer of amount of token to recipient.
	SignTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int) (*SignedTransfer, error)

	// Broadcast submits raw. Submitting a transfer the node already knows
	// is not an error.
	Broadcast(ctx context.Context, raw []byte) error

	// TransferStatus reports whether the transfer with hash has been mined.
	TransferStatus(ctx context.Context, hash common.Hash) (TransferStatus, error)
}
