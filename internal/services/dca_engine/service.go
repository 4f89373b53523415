// Package dca_engine implements the escrow execution engine: Deposit opens
// custody for an order against a verified transfer into custody, Cancel
// refunds the owner, and Fill converts one epoch's worth of the deposit
// through the swap venue.
//
// Every operation runs inside the escrow store's per-order critical section.
// Fill stages its ledger changes, calls the venue, and commits only if the
// swap succeeded. The venue reports failure only when nothing was converted,
// so a failed swap leaves the escrow untouched. Once the venue reports
// success the remaining writes no longer follow the caller's context.
//
// Refunds and relayer fees are recorded as pending payouts; the settlement
// service moves them out of custody.
package dca_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/pkg/clock"
	"github.com/archon-research/dca/internal/ports/inbound"
	"github.com/archon-research/dca/internal/ports/outbound"
)

const (
	// tracerName is the instrumentation name for this service.
	tracerName = "github.com/archon-research/dca/internal/services/dca_engine"

	// unhealthyAfter is the number of consecutive infrastructure failures
	// after which IsHealthy reports false.
	unhealthyAfter = 5
)

var (
	_ inbound.DCAService    = (*Engine)(nil)
	_ inbound.HealthChecker = (*Engine)(nil)
)

// Config holds configuration for the engine.
type Config struct {
	// WrappedNative is the asset every order path must start with.
	WrappedNative common.Address

	// SwapTimeout is the deadline handed to the venue. A swap not broadcast
	// by then fails the fill; a broadcast swap is awaited by the venue until
	// it settles or can no longer execute.
	SwapTimeout time.Duration

	// PublishTimeout bounds publishing a committed event to the sink.
	PublishTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// ConfigDefaults returns the default engine configuration.
func ConfigDefaults() Config {
	return Config{
		SwapTimeout:    30 * time.Second,
		PublishTimeout: 5 * time.Second,
		Clock:          clock.NewSystem(),
		Logger:         slog.Default(),
	}
}

// Engine executes deposits, cancels and fills against an escrow store.
type Engine struct {
	config  Config
	store   outbound.EscrowStore
	router  outbound.SwapRouter
	custody outbound.FundingVerifier
	sink    outbound.EventSink
	metrics outbound.MetricsRecorder
	logger  *slog.Logger

	failures atomic.Int32
}

// NewEngine creates an engine. sink and metrics may be nil.
func NewEngine(
	config Config,
	store outbound.EscrowStore,
	router outbound.SwapRouter,
	custody outbound.FundingVerifier,
	sink outbound.EventSink,
	metrics outbound.MetricsRecorder,
) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("escrow store cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("swap router cannot be nil")
	}
	if custody == nil {
		return nil, fmt.Errorf("funding verifier cannot be nil")
	}
	if config.WrappedNative == (common.Address{}) {
		return nil, fmt.Errorf("wrapped native asset cannot be the zero address")
	}

	defaults := ConfigDefaults()
	if config.SwapTimeout <= 0 {
		config.SwapTimeout = defaults.SwapTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Engine{
		config:  config,
		store:   store,
		router:  router,
		custody: custody,
		sink:    sink,
		metrics: metrics,
		logger:  config.Logger.With("component", "dca-engine"),
	}, nil
}

// Deposit opens escrow of req.Value for req.Order once req.FundingTx is
// shown to have moved exactly that value from the owner into custody.
func (e *Engine) Deposit(ctx context.Context, req inbound.DepositRequest) (*inbound.DepositResult, error) {
	ctx, span := e.startSpan(ctx, "dca.deposit", req.Order)
	defer span.End()

	if req.Value == nil || req.Value.Sign() <= 0 {
		return nil, e.reject(ctx, span, "deposit", entity.ErrZeroValue)
	}
	id, err := e.orderID(req.Order)
	if err != nil {
		return nil, e.reject(ctx, span, "deposit", err)
	}
	if in := req.Order.InputToken(); in != e.config.WrappedNative {
		return nil, e.reject(ctx, span, "deposit",
			fmt.Errorf("%w: path starts with %s, expected %s", entity.ErrUnsupportedRoute, in.Hex(), e.config.WrappedNative.Hex()))
	}
	if req.Caller != req.Order.Owner {
		return nil, e.reject(ctx, span, "deposit", fmt.Errorf("%w: caller %s", entity.ErrNotOwner, req.Caller.Hex()))
	}
	if err := e.custody.VerifyFunding(ctx, outbound.Funding{
		TxHash: req.FundingTx,
		From:   req.Order.Owner,
		Token:  req.Order.InputToken(),
		Amount: req.Value,
	}); err != nil {
		return nil, e.reject(ctx, span, "deposit", err)
	}

	var event outbound.DepositEvent
	err = e.store.WithinOrder(ctx, id, func(ctx context.Context, tx outbound.EscrowTx) error {
		existing, err := tx.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load escrow: %w", err)
		}
		if entity.StateOf(existing) == entity.OrderStateActive {
			return entity.ErrDuplicateOrder
		}
		if err := tx.ClaimFunding(ctx, req.FundingTx); err != nil {
			return err
		}

		record, err := entity.NewEscrowRecord(req.Order, req.Value, e.config.Clock.Now())
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, record); err != nil {
			return fmt.Errorf("failed to store escrow: %w", err)
		}

		event = outbound.DepositEvent{
			OrderID:   id,
			Order:     record.Order,
			Amount:    new(big.Int).Set(record.Balance),
			FundingTx: req.FundingTx,
			Timestamp: record.CreatedAt,
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, e.reject(ctx, span, "deposit", err)
	}

	e.succeeded()
	if e.metrics != nil {
		e.metrics.RecordDeposit(ctx)
	}
	e.publish(ctx, event)
	e.logger.Info("order deposited", "order", id.Hex(), "amount", req.Value.String(), "fundingTx", req.FundingTx.Hex())

	return &inbound.DepositResult{OrderID: id}, nil
}

// Cancel refunds the whole remaining balance to the owner and closes the order.
func (e *Engine) Cancel(ctx context.Context, req inbound.CancelRequest) (*inbound.CancelResult, error) {
	ctx, span := e.startSpan(ctx, "dca.cancel", req.Order)
	defer span.End()

	id, err := e.orderID(req.Order)
	if err != nil {
		return nil, e.reject(ctx, span, "cancel", err)
	}

	var event outbound.CancelEvent
	err = e.store.WithinOrder(ctx, id, func(ctx context.Context, tx outbound.EscrowTx) error {
		existing, err := tx.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load escrow: %w", err)
		}
		if entity.StateOf(existing) != entity.OrderStateActive {
			return entity.ErrUnknownOrder
		}
		if req.Caller != existing.Order.Owner {
			return fmt.Errorf("%w: caller %s", entity.ErrNotOwner, req.Caller.Hex())
		}

		now := e.config.Clock.Now()
		if err := tx.RecordPayout(ctx, outbound.Payout{
			Kind:      outbound.PayoutRefund,
			Status:    outbound.PayoutPending,
			Account:   existing.Order.Owner,
			Token:     existing.Order.InputToken(),
			Amount:    existing.Balance,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		if err := tx.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete escrow: %w", err)
		}

		event = outbound.CancelEvent{
			OrderID:      id,
			RefundAmount: new(big.Int).Set(existing.Balance),
			Timestamp:    now,
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, e.reject(ctx, span, "cancel", err)
	}

	e.succeeded()
	if e.metrics != nil {
		e.metrics.RecordCancel(ctx)
	}
	e.publish(ctx, event)
	e.logger.Info("order cancelled", "order", id.Hex(), "refund", event.RefundAmount.String())

	return &inbound.CancelResult{OrderID: id, Refund: event.RefundAmount}, nil
}

// Fill executes one epoch of req.Order on behalf of req.Caller, who is paid
// req.RelayerFee out of the escrow.
func (e *Engine) Fill(ctx context.Context, req inbound.FillRequest) (*inbound.FillResult, error) {
	ctx, span := e.startSpan(ctx, "dca.fill", req.Order)
	defer span.End()

	id, err := e.orderID(req.Order)
	if err != nil {
		return nil, e.reject(ctx, span, "fill", err)
	}

	var (
		event        outbound.FillEvent
		balance      *big.Int
		swapDuration time.Duration
		swapped      bool
	)
	err = e.store.WithinOrder(ctx, id, func(ctx context.Context, tx outbound.EscrowTx) error {
		existing, err := tx.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load escrow: %w", err)
		}
		if entity.StateOf(existing) != entity.OrderStateActive {
			return entity.ErrUnknownOrder
		}

		now := e.config.Clock.Now()
		next, err := existing.ApplyFill(now, req.RelayerFee)
		if err != nil {
			return err
		}
		order := existing.Order

		if next.Balance.Sign() == 0 {
			err = tx.Delete(ctx)
		} else {
			err = tx.Put(ctx, next)
		}
		if err != nil {
			return fmt.Errorf("failed to stage escrow: %w", err)
		}
		if req.RelayerFee.Sign() > 0 {
			if err := tx.RecordPayout(ctx, outbound.Payout{
				Kind:      outbound.PayoutFee,
				Status:    outbound.PayoutPending,
				Account:   req.Caller,
				Token:     order.InputToken(),
				Amount:    req.RelayerFee,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("failed to record fee: %w", err)
			}
		}

		started := time.Now()
		amountOut, err := e.swap(ctx, order)
		swapDuration = time.Since(started)
		if err != nil {
			return err
		}
		swapped = true
		// the swap is final, so the ledger must catch up with it
		ctx = context.WithoutCancel(ctx)

		if err := tx.RecordPayout(ctx, outbound.Payout{
			Kind:      outbound.PayoutProceeds,
			Status:    outbound.PayoutSettled,
			Account:   order.Beneficiary,
			Token:     order.OutputToken,
			Amount:    amountOut,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to record proceeds: %w", err)
		}

		event = outbound.FillEvent{
			OrderID:    id,
			AmountIn:   new(big.Int).Set(order.EpochAmount),
			AmountOut:  amountOut,
			FeeCharged: new(big.Int).Set(req.RelayerFee),
			Relayer:    req.Caller,
			Timestamp:  next.LastExecutionTime,
		}
		balance = next.Balance
		return tx.AppendEvent(ctx, event)
	})
	if err != nil && swapped {
		e.logger.Error("swap executed but the fill was not recorded, the escrow needs reconciling",
			"order", id.Hex(),
			"amountIn", req.Order.EpochAmount.String(),
			"error", err)
	}
	if err != nil {
		return nil, e.reject(ctx, span, "fill", err)
	}

	e.succeeded()
	if e.metrics != nil {
		e.metrics.RecordFill(ctx, swapDuration)
	}
	e.publish(ctx, event)
	span.SetAttributes(attribute.String("fill.amount_out", event.AmountOut.String()))
	e.logger.Info("order filled",
		"order", id.Hex(),
		"amountOut", event.AmountOut.String(),
		"fee", event.FeeCharged.String(),
		"balance", balance.String(),
		"relayer", req.Caller.Hex())

	return &inbound.FillResult{
		OrderID:    id,
		AmountIn:   event.AmountIn,
		AmountOut:  event.AmountOut,
		FeeCharged: event.FeeCharged,
		Balance:    balance,
	}, nil
}

// GetEscrow returns the active record for id.
func (e *Engine) GetEscrow(ctx context.Context, id entity.OrderID) (*entity.EscrowRecord, error) {
	record, err := e.store.GetEscrow(ctx, id)
	if err != nil {
		e.failed()
		return nil, fmt.Errorf("failed to load escrow %s: %w", id.Hex(), err)
	}
	if entity.StateOf(record) != entity.OrderStateActive {
		return nil, entity.ErrUnknownOrder
	}
	return record, nil
}

// IsReady reports whether the engine can serve requests.
func (e *Engine) IsReady() bool {
	return e.IsHealthy()
}

// IsHealthy reports false after repeated infrastructure failures with no
// success in between. Domain rejections do not count.
func (e *Engine) IsHealthy() bool {
	return e.failures.Load() < unhealthyAfter
}

func (e *Engine) swap(ctx context.Context, order entity.Order) (*big.Int, error) {
	swapCtx, cancel := context.WithTimeout(ctx, e.config.SwapTimeout)
	defer cancel()

	amountOut, err := e.router.Swap(swapCtx, order.EpochAmount, order.Path, order.Beneficiary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrSwapFailed, err)
	}
	if amountOut == nil || amountOut.Sign() < 0 {
		return nil, fmt.Errorf("%w: venue returned invalid amount %v", entity.ErrSwapFailed, amountOut)
	}
	return amountOut, nil
}

func (e *Engine) orderID(order entity.Order) (entity.OrderID, error) {
	if err := order.Validate(); err != nil {
		return entity.OrderID{}, err
	}
	return order.ID()
}

func (e *Engine) startSpan(ctx context.Context, name string, order entity.Order) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if id, err := order.ID(); err == nil {
		span.SetAttributes(attribute.String("order.id", id.Hex()))
	}
	return ctx, span
}

// reject records a failed operation and returns err unchanged.
func (e *Engine) reject(ctx context.Context, span trace.Span, operation string, err error) error {
	code := entity.ErrorCode(err)
	span.RecordError(err)
	if code == "" {
		code = "INTERNAL"
		span.SetStatus(codes.Error, operation+" failed")
		e.failed()
		e.logger.Error(operation+" failed", "error", err)
	} else {
		span.SetAttributes(attribute.String("rejection.code", code))
		if errors.Is(err, entity.ErrSwapFailed) {
			span.SetStatus(codes.Error, "swap failed")
			e.logger.Warn(operation+" swap failed", "error", err)
		} else {
			e.logger.Debug(operation+" rejected", "code", code, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.RecordRejection(ctx, operation, code)
	}
	return err
}

// publish forwards a committed event. The store's event log is the source of
// truth, so a sink failure is logged and not returned.
func (e *Engine) publish(ctx context.Context, event outbound.Event) {
	if e.sink == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.PublishTimeout)
	defer cancel()
	if err := e.sink.Publish(pubCtx, event); err != nil {
		e.logger.Warn("failed to publish event",
			"type", event.EventType(),
			"order", event.GetOrderID().Hex(),
			"error", err)
	}
}

func (e *Engine) succeeded() { e.failures.Store(0) }
func (e *Engine) failed()    { e.failures.Add(1) }
