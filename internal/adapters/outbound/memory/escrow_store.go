package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var (
	_ outbound.EscrowStore  = (*EscrowStore)(nil)
	_ outbound.PayoutLedger = (*EscrowStore)(nil)
)

// EscrowStore is an in-memory escrow ledger. Each order id has its own lock,
// so operations on different orders never wait for each other.
//
// WithinOrder is not reentrant: calling it again for the same id from inside
// fn blocks until ctx is done.
type EscrowStore struct {
	mu      sync.RWMutex
	records map[entity.OrderID]*entity.EscrowRecord
	payouts []outbound.Payout // payouts[i].ID == i+1
	funding map[common.Hash]entity.OrderID
	events  []outbound.Event

	locksMu sync.Mutex
	locks   map[entity.OrderID]*orderLock
}

type orderLock struct {
	ch   chan struct{}
	refs int
}

// NewEscrowStore creates an empty store.
func NewEscrowStore() *EscrowStore {
	return &EscrowStore{
		records: make(map[entity.OrderID]*entity.EscrowRecord),
		funding: make(map[common.Hash]entity.OrderID),
		locks:   make(map[entity.OrderID]*orderLock),
	}
}

func (s *EscrowStore) acquire(ctx context.Context, id entity.OrderID) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &orderLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	unref := func() {
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, fmt.Errorf("failed to lock order %s: %w", id.Hex(), ctx.Err())
	}
}

// WithinOrder runs fn with exclusive access to id. Staged writes are applied
// only if fn returns nil.
func (s *EscrowStore) WithinOrder(ctx context.Context, id entity.OrderID, fn func(ctx context.Context, tx outbound.EscrowTx) error) error {
	release, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx := &escrowTx{store: s, id: id}
	s.mu.RLock()
	tx.record = s.records[id].Clone()
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit applies tx even if the caller's context has ended: fn succeeding
// means its external effects already happened.
func (s *EscrowStore) commit(tx *escrowTx) error {
	if !tx.dirty && len(tx.payouts) == 0 && len(tx.events) == 0 && len(tx.claims) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// funding is global, so a claim staged under another order's lock may
	// have committed since ClaimFunding looked
	for _, hash := range tx.claims {
		if _, taken := s.funding[hash]; taken {
			return fmt.Errorf("%w: %s", entity.ErrFundingReused, hash.Hex())
		}
	}
	for _, hash := range tx.claims {
		s.funding[hash] = tx.id
	}

	if tx.dirty {
		if tx.record == nil {
			delete(s.records, tx.id)
		} else {
			s.records[tx.id] = tx.record
		}
	}
	for _, p := range tx.payouts {
		p.ID = int64(len(s.payouts) + 1)
		s.payouts = append(s.payouts, p)
	}
	s.events = append(s.events, tx.events...)
	return nil
}

// GetEscrow returns a copy of the committed record, or nil if absent.
func (s *EscrowStore) GetEscrow(ctx context.Context, id entity.OrderID) (*entity.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone(), nil
}

// ListPayouts returns the committed payouts for id in insertion order.
func (s *EscrowStore) ListPayouts(ctx context.Context, id entity.OrderID) ([]outbound.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []outbound.Payout{}
	for _, p := range s.payouts {
		if p.OrderID == id {
			out = append(out, clonePayout(p))
		}
	}
	return out, nil
}

// UnsettledPayouts returns up to limit payouts that still need a transfer.
func (s *EscrowStore) UnsettledPayouts(ctx context.Context, limit int) ([]outbound.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbound.Payout
	for _, p := range s.payouts {
		if limit > 0 && len(out) == limit {
			break
		}
		if p.Status != outbound.PayoutSettled {
			out = append(out, clonePayout(p))
		}
	}
	return out, nil
}

// MarkPayoutSubmitted stores transfer against a pending payout.
func (s *EscrowStore) MarkPayoutSubmitted(ctx context.Context, id int64, transfer outbound.SignedTransfer) error {
	return s.transition(id, outbound.PayoutPending, common.Hash{}, func(p *outbound.Payout) {
		p.Status = outbound.PayoutSubmitted
		p.TxHash = transfer.Hash
		p.RawTx = append([]byte(nil), transfer.Raw...)
	})
}

// MarkPayoutSettled settles a payout submitted as txHash.
func (s *EscrowStore) MarkPayoutSettled(ctx context.Context, id int64, txHash common.Hash) error {
	return s.transition(id, outbound.PayoutSubmitted, txHash, func(p *outbound.Payout) {
		p.Status = outbound.PayoutSettled
	})
}

// ResetPayout returns a payout submitted as txHash to pending.
func (s *EscrowStore) ResetPayout(ctx context.Context, id int64, txHash common.Hash) error {
	return s.transition(id, outbound.PayoutSubmitted, txHash, func(p *outbound.Payout) {
		p.Status = outbound.PayoutPending
		p.TxHash = common.Hash{}
		p.RawTx = nil
	})
}

func (s *EscrowStore) transition(id int64, from outbound.PayoutStatus, txHash common.Hash, apply func(*outbound.Payout)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.payouts)) {
		return fmt.Errorf("payout %d not found", id)
	}
	p := &s.payouts[id-1]
	if p.Status != from || p.TxHash != txHash {
		return fmt.Errorf("%w: payout %d is %s", outbound.ErrPayoutConflict, id, p.Status)
	}
	apply(p)
	return nil
}

func clonePayout(p outbound.Payout) outbound.Payout {
	p.Amount = new(big.Int).Set(p.Amount)
	p.RawTx = append([]byte(nil), p.RawTx...)
	return p
}

// Events returns the committed event log.
func (s *EscrowStore) Events() []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outbound.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Custody returns the sum of all committed balances.
func (s *EscrowStore) Custody() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := new(big.Int)
	for _, r := range s.records {
		total.Add(total, r.Balance)
	}
	return total
}

// escrowTx stages writes for one WithinOrder call.
type escrowTx struct {
	store   *EscrowStore
	id      entity.OrderID
	record  *entity.EscrowRecord
	dirty   bool
	payouts []outbound.Payout
	claims  []common.Hash
	events  []outbound.Event
}

func (tx *escrowTx) Get(ctx context.Context) (*entity.EscrowRecord, error) {
	return tx.record.Clone(), nil
}

func (tx *escrowTx) Put(ctx context.Context, record *entity.EscrowRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.OrderID != tx.id {
		return fmt.Errorf("record %s does not match locked order %s", record.OrderID.Hex(), tx.id.Hex())
	}
	tx.record = record.Clone()
	tx.dirty = true
	return nil
}

func (tx *escrowTx) Delete(ctx context.Context) error {
	tx.record = nil
	tx.dirty = true
	return nil
}

func (tx *escrowTx) RecordPayout(ctx context.Context, payout outbound.Payout) error {
	if payout.Amount == nil || payout.Amount.Sign() < 0 {
		return fmt.Errorf("payout amount must be non-negative")
	}
	payout.OrderID = tx.id
	if payout.Status == "" {
		payout.Status = outbound.PayoutPending
	}
	tx.payouts = append(tx.payouts, clonePayout(payout))
	return nil
}

func (tx *escrowTx) ClaimFunding(ctx context.Context, txHash common.Hash) error {
	for _, h := range tx.claims {
		if h == txHash {
			return fmt.Errorf("%w: %s", entity.ErrFundingReused, txHash.Hex())
		}
	}
	tx.store.mu.RLock()
	_, taken := tx.store.funding[txHash]
	tx.store.mu.RUnlock()
	if taken {
		return fmt.Errorf("%w: %s", entity.ErrFundingReused, txHash.Hex())
	}
	tx.claims = append(tx.claims, txHash)
	return nil
}

func (tx *escrowTx) AppendEvent(ctx context.Context, event outbound.Event) error {
	tx.events = append(tx.events, event)
	return nil
}
