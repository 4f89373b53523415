package postgres

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// Compile-time checks that EscrowStore implements the store ports
var (
	_ outbound.EscrowStore  = (*EscrowStore)(nil)
	_ outbound.PayoutLedger = (*EscrowStore)(nil)
)

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

// EscrowStore is the PostgreSQL escrow ledger.
//
// WithinOrder opens one transaction per call and takes a transaction-scoped
// advisory lock derived from the order id, so concurrent calls for the same
// order serialize across engine replicas while other orders proceed. The lock
// also covers ids with no row yet, which a row lock could not.
//
// Amounts are NUMERIC(78,0) and cross the driver as decimal text.
type EscrowStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewEscrowStore creates a new PostgreSQL escrow store.
func NewEscrowStore(pool *pgxpool.Pool, logger *slog.Logger) (*EscrowStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowStore{
		pool:   pool,
		logger: logger.With("component", "escrow-store"),
	}, nil
}

// advisoryKey maps an order id onto the 64-bit advisory lock space.
func advisoryKey(id entity.OrderID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// WithinOrder runs fn inside a transaction holding the advisory lock for id.
func (s *EscrowStore) WithinOrder(ctx context.Context, id entity.OrderID, fn func(ctx context.Context, tx outbound.EscrowTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("failed to rollback transaction", "orderId", id.Hex(), "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(id)); err != nil {
		return fmt.Errorf("failed to lock order %s: %w", id.Hex(), err)
	}

	if err := fn(ctx, &escrowTx{tx: tx, id: id}); err != nil {
		return err
	}

	// fn may have waited on a swap past the caller's deadline; its result
	// must still be recorded
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", id.Hex(), err)
	}
	return nil
}

// GetEscrow returns the committed record for id, or nil if absent.
func (s *EscrowStore) GetEscrow(ctx context.Context, id entity.OrderID) (*entity.EscrowRecord, error) {
	return getRecord(ctx, s.pool, id, false)
}

// ListPayouts returns the committed payouts for id in insertion order.
func (s *EscrowStore) ListPayouts(ctx context.Context, id entity.OrderID) ([]outbound.Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payout
		WHERE order_id = $1
		ORDER BY id`, id.Bytes())
}

// UnsettledPayouts returns up to limit pending or submitted payouts, oldest first.
func (s *EscrowStore) UnsettledPayouts(ctx context.Context, limit int) ([]outbound.Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payout
		WHERE status <> 'settled'
		ORDER BY id
		LIMIT $1`, limit)
}

// MarkPayoutSubmitted stores the signed transfer of a pending payout.
func (s *EscrowStore) MarkPayoutSubmitted(ctx context.Context, id int64, transfer outbound.SignedTransfer) error {
	return s.transition(ctx, id, `
		UPDATE escrow_payout
		SET status = 'submitted', tx_hash = $2, raw_tx = $3
		WHERE id = $1 AND status = 'pending'`,
		id, transfer.Hash.Bytes(), transfer.Raw)
}

// MarkPayoutSettled settles a payout submitted with txHash.
func (s *EscrowStore) MarkPayoutSettled(ctx context.Context, id int64, txHash common.Hash) error {
	return s.transition(ctx, id, `
		UPDATE escrow_payout
		SET status = 'settled'
		WHERE id = $1 AND status = 'submitted' AND tx_hash = $2`,
		id, txHash.Bytes())
}

// ResetPayout returns a payout submitted with txHash to pending.
func (s *EscrowStore) ResetPayout(ctx context.Context, id int64, txHash common.Hash) error {
	return s.transition(ctx, id, `
		UPDATE escrow_payout
		SET status = 'pending', tx_hash = NULL, raw_tx = NULL
		WHERE id = $1 AND status = 'submitted' AND tx_hash = $2`,
		id, txHash.Bytes())
}

// transition runs a guarded UPDATE of one payout. No matching row means the
// payout is not in the expected state.
func (s *EscrowStore) transition(ctx context.Context, id int64, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update payout %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payout %d", outbound.ErrPayoutConflict, id)
	}
	return nil
}

const payoutColumns = `id, order_id, kind, account, token, amount::text, created_at, status, tx_hash, raw_tx`

func (s *EscrowStore) queryPayouts(ctx context.Context, sql string, args ...any) ([]outbound.Payout, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	payouts := []outbound.Payout{}
	for rows.Next() {
		var (
			id                      int64
			orderID, account, token []byte
			kind, amount, status    string
			createdAt               time.Time
			txHash, rawTx           []byte
		)
		if err := rows.Scan(&id, &orderID, &kind, &account, &token, &amount, &createdAt, &status, &txHash, &rawTx); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		v, err := parseNumeric(amount)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, outbound.Payout{
			ID:        id,
			OrderID:   common.BytesToHash(orderID),
			Kind:      outbound.PayoutKind(kind),
			Account:   common.BytesToAddress(account),
			Token:     common.BytesToAddress(token),
			Amount:    v,
			CreatedAt: createdAt.UTC(),
			Status:    outbound.PayoutStatus(status),
			TxHash:    common.BytesToHash(txHash),
			RawTx:     rawTx,
		})
	}
	return payouts, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, id entity.OrderID, forUpdate bool) (*entity.EscrowRecord, error) {
	query := `
		SELECT order_json, balance::text, last_execution_time, created_at
		FROM escrow
		WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		orderJSON         []byte
		balance           string
		lastExecutionTime time.Time
		createdAt         time.Time
	)
	err := q.QueryRow(ctx, query, id.Bytes()).Scan(&orderJSON, &balance, &lastExecutionTime, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow %s: %w", id.Hex(), err)
	}

	var order entity.Order
	if err := json.Unmarshal(orderJSON, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", id.Hex(), err)
	}
	v, err := parseNumeric(balance)
	if err != nil {
		return nil, err
	}
	return &entity.EscrowRecord{
		OrderID:           id,
		Order:             order,
		Balance:           v,
		LastExecutionTime: lastExecutionTime.UTC(),
		CreatedAt:         createdAt.UTC(),
	}, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// escrowTx writes straight into the enclosing transaction; nothing is
// visible to other sessions until WithinOrder commits.
type escrowTx struct {
	tx pgx.Tx
	id entity.OrderID
}

func (t *escrowTx) Get(ctx context.Context) (*entity.EscrowRecord, error) {
	return getRecord(ctx, t.tx, t.id, true)
}

func (t *escrowTx) Put(ctx context.Context, record *entity.EscrowRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.OrderID != t.id {
		return fmt.Errorf("record %s does not belong to locked order %s", record.OrderID.Hex(), t.id.Hex())
	}
	orderJSON, err := json.Marshal(record.Order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow (order_id, owner, beneficiary, order_json, balance, last_execution_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NOW())
		ON CONFLICT (order_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_execution_time = EXCLUDED.last_execution_time,
			updated_at = NOW()`,
		t.id.Bytes(),
		record.Order.Owner.Bytes(),
		record.Order.Beneficiary.Bytes(),
		orderJSON,
		record.Balance.String(),
		record.LastExecutionTime.UTC(),
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert escrow %s: %w", t.id.Hex(), err)
	}
	return nil
}

func (t *escrowTx) Delete(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM escrow WHERE order_id = $1`, t.id.Bytes()); err != nil {
		return fmt.Errorf("failed to delete escrow %s: %w", t.id.Hex(), err)
	}
	return nil
}

func (t *escrowTx) RecordPayout(ctx context.Context, payout outbound.Payout) error {
	if payout.Amount == nil || payout.Amount.Sign() < 0 {
		return fmt.Errorf("payout amount must be non-negative")
	}
	createdAt := payout.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := payout.Status
	if status == "" {
		status = outbound.PayoutPending
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_payout (order_id, kind, account, token, amount, created_at, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		t.id.Bytes(),
		string(payout.Kind),
		payout.Account.Bytes(),
		payout.Token.Bytes(),
		payout.Amount.String(),
		createdAt.UTC(),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s payout: %w", payout.Kind, err)
	}
	return nil
}

// ClaimFunding inserts the funding hash. A concurrent claim of the same hash
// blocks on the primary key until this transaction ends, then fails.
func (t *escrowTx) ClaimFunding(ctx context.Context, txHash common.Hash) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deposit_funding (tx_hash, order_id)
		VALUES ($1, $2)`,
		txHash.Bytes(), t.id.Bytes())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", entity.ErrFundingReused, txHash.Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to claim funding %s: %w", txHash.Hex(), err)
	}
	return nil
}

func (t *escrowTx) AppendEvent(ctx context.Context, event outbound.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow_event (order_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		t.id.Bytes(),
		string(event.EventType()),
		payload,
		event.GetTimestamp().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.EventType(), err)
	}
	return nil
}
