package entity

import (
	"fmt"
	"math/big"
	"time"
)

// OrderState is the lifecycle state of an order id.
type OrderState string

const (
	// OrderStateAbsent means no record with a positive balance exists.
	OrderStateAbsent OrderState = "absent"
	// OrderStateActive means a record with a positive balance exists.
	OrderStateActive OrderState = "active"
)

// EscrowRecord holds the custody state of one order.
type EscrowRecord struct {
	OrderID           OrderID
	Order             Order
	Balance           *big.Int
	LastExecutionTime time.Time
	CreatedAt         time.Time
}

// NewEscrowRecord opens custody of value for order at now.
func NewEscrowRecord(order Order, value *big.Int, now time.Time) (*EscrowRecord, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, ErrZeroValue
	}
	id, err := order.ID()
	if err != nil {
		return nil, err
	}
	now = now.UTC().Truncate(time.Second)
	return &EscrowRecord{
		OrderID:           id,
		Order:             order.Clone(),
		Balance:           new(big.Int).Set(value),
		LastExecutionTime: now,
		CreatedAt:         now,
	}, nil
}

// StateOf maps a possibly nil record to its lifecycle state.
func StateOf(r *EscrowRecord) OrderState {
	if r == nil || r.Balance == nil || r.Balance.Sign() <= 0 {
		return OrderStateAbsent
	}
	return OrderStateActive
}

// Clone returns a deep copy.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Order = r.Order.Clone()
	c.Balance = cloneInt(r.Balance)
	return &c
}

// NextFillTime is the earliest instant a fill passes the epoch gate.
func (r *EscrowRecord) NextFillTime() time.Time {
	return r.LastExecutionTime.Add(r.Order.EpochDuration())
}

// CheckFill applies the fill gates in order: expiry, epoch, fee cap, funds.
// The caller is responsible for the existence check.
func (r *EscrowRecord) CheckFill(now time.Time, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidFee
	}
	nowUnix := now.Unix()
	if nowUnix < 0 || uint64(nowUnix) > r.Order.ExpiryDate {
		return fmt.Errorf("%w: now=%d expiry=%d", ErrExpiryPassed, nowUnix, r.Order.ExpiryDate)
	}
	elapsed := nowUnix - r.LastExecutionTime.Unix()
	if elapsed < 0 || uint64(elapsed) < r.Order.Epoch {
		return fmt.Errorf("%w: elapsed=%ds epoch=%ds", ErrEpochNotElapsed, elapsed, r.Order.Epoch)
	}
	if fee.Cmp(r.Order.MaxRelayerFee) > 0 {
		return fmt.Errorf("%w: fee=%s max=%s", ErrFeeTooHigh, fee, r.Order.MaxRelayerFee)
	}
	cost := r.Order.EpochCost(fee)
	if r.Balance.Cmp(cost) < 0 {
		return fmt.Errorf("%w: balance=%s required=%s", ErrInsufficientFunds, r.Balance, cost)
	}
	return nil
}

// ApplyFill returns the record after one successful fill. The receiver is
// left untouched so the previous state stays available for rollback.
func (r *EscrowRecord) ApplyFill(now time.Time, fee *big.Int) (*EscrowRecord, error) {
	if err := r.CheckFill(now, fee); err != nil {
		return nil, err
	}
	next := r.Clone()
	next.Balance.Sub(next.Balance, r.Order.EpochCost(fee))
	next.LastExecutionTime = now.UTC().Truncate(time.Second)
	return next, nil
}

// Fillable reports whether the balance still covers one epoch amount with a
// zero fee. Records that are not fillable stay active until the owner cancels.
func (r *EscrowRecord) Fillable() bool {
	return r.Balance.Cmp(r.Order.EpochAmount) >= 0
}
