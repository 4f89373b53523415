package outbound

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
)

// PayoutKind classifies value leaving escrow custody.
type PayoutKind string

const (
	// PayoutRefund is the remaining balance returned to the owner on cancel.
	PayoutRefund PayoutKind = "refund"
	// PayoutFee is the relayer fee paid in the input asset.
	PayoutFee PayoutKind = "fee"
	// PayoutProceeds is the swap output delivered to the beneficiary.
	PayoutProceeds PayoutKind = "proceeds"
)

// PayoutStatus tracks the custody transfer behind a payout.
type PayoutStatus string

const (
	// PayoutPending has no transfer yet.
	PayoutPending PayoutStatus = "pending"
	// PayoutSubmitted has a signed transfer stored with it that may or may
	// not have reached the chain.
	PayoutSubmitted PayoutStatus = "submitted"
	// PayoutSettled has been delivered.
	PayoutSettled PayoutStatus = "settled"
)

// ErrPayoutConflict is returned when a payout is not in the state a ledger
// transition expects, usually because another worker got there first.
var ErrPayoutConflict = errors.New("payout changed concurrently")

// Payout is one transfer out of the engine, recorded in the same transaction
// as the escrow mutation that caused it.
type Payout struct {
	// ID is assigned by the store when the payout is committed.
	ID        int64
	OrderID   entity.OrderID
	Kind      PayoutKind
	Account   common.Address
	Token     common.Address
	Amount    *big.Int
	CreatedAt time.Time

	// Status defaults to PayoutPending when recorded.
	Status PayoutStatus
	TxHash common.Hash
	RawTx  []byte
}

// EscrowTx is the view of one order's escrow inside its critical section.
// Writes are staged and only become visible when the enclosing
// EscrowStore.WithinOrder call commits.
type EscrowTx interface {
	// Get returns the record for the locked order id, or nil if absent.
	Get(ctx context.Context) (*entity.EscrowRecord, error)

	// Put creates or replaces the record for the locked order id.
	Put(ctx context.Context, record *entity.EscrowRecord) error

	// Delete removes the record for the locked order id.
	Delete(ctx context.Context) error

	// RecordPayout appends a payout to the custody ledger.
	RecordPayout(ctx context.Context, payout Payout) error

	// ClaimFunding marks a funding transaction as backing this order's
	// deposit. It fails with entity.ErrFundingReused if any order has
	// already claimed it.
	ClaimFunding(ctx context.Context, txHash common.Hash) error

	// AppendEvent appends an event to the durable event log.
	AppendEvent(ctx context.Context, event Event) error
}

// EscrowStore is the keyed escrow ledger. Each WithinOrder call is an
// exclusive, all-or-nothing critical section for one order id.
type EscrowStore interface {
	// WithinOrder runs fn while holding the lock for id.
	// If fn returns an error every staged write is discarded.
	// If fn succeeds all staged writes are committed atomically.
	WithinOrder(ctx context.Context, id entity.OrderID, fn func(ctx context.Context, tx EscrowTx) error) error

	// GetEscrow returns the committed record for id, or nil if absent.
	GetEscrow(ctx context.Context, id entity.OrderID) (*entity.EscrowRecord, error)

	// ListPayouts returns the committed payouts for id in insertion order.
	ListPayouts(ctx context.Context, id entity.OrderID) ([]Payout, error)
}

// PayoutLedger drives committed payouts to settlement. None of its methods
// take an order lock, so settlement never waits behind a fill.
type PayoutLedger interface {
	// UnsettledPayouts returns up to limit pending or submitted payouts,
	// oldest first.
	UnsettledPayouts(ctx context.Context, limit int) ([]Payout, error)

	// MarkPayoutSubmitted stores the signed transfer of a pending payout.
	MarkPayoutSubmitted(ctx context.Context, id int64, transfer SignedTransfer) error

	// MarkPayoutSettled settles a payout submitted with txHash.
	MarkPayoutSettled(ctx context.Context, id int64, txHash common.Hash) error

	// ResetPayout returns a payout submitted with txHash to pending and
	// forgets the transfer. Only for transfers that can no longer execute.
	ResetPayout(ctx context.Context, id int64, txHash common.Hash) error
}
