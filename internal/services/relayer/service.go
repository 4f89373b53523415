// Package relayer keeps active orders moving. It follows the engine's event
// stream from SQS to learn which orders exist and when their next epoch
// opens, and submits fills through the engine API when they are due.
//
// The relayer holds no authority: the engine re-checks every gate, so a stale
// schedule costs at most a rejected call.
package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/pkg/clock"
	"github.com/archon-research/dca/internal/pkg/retry"
	"github.com/archon-research/dca/internal/ports/inbound"
	"github.com/archon-research/dca/internal/ports/outbound"
	"github.com/archon-research/dca/pkg/dcaclient"
)

// unhealthyAfter is the number of consecutive failed polls after which
// IsHealthy reports false.
const unhealthyAfter = 5

var _ inbound.HealthChecker = (*Service)(nil)

// Filler submits fills to the engine.
type Filler interface {
	Fill(ctx context.Context, order entity.Order, fee *big.Int) (*dcaclient.FillResult, error)
}

// Config holds configuration for the relayer.
type Config struct {
	// MaxMessages is the number of events fetched per receive.
	MaxMessages int

	// EventPollInterval is the pause between event receives.
	EventPollInterval time.Duration

	// FillPollInterval is how often the index is checked for due orders.
	FillPollInterval time.Duration

	// BatchSize caps the orders filled per FillPollInterval.
	BatchSize int

	// Fee is the fee asked per fill. Orders with a lower MaxRelayerFee are
	// filled at their maximum.
	Fee *big.Int

	// RateLimit and RateBurst bound fill submissions.
	RateLimit rate.Limit
	RateBurst int

	// SwapRetry controls resubmission after a failed swap.
	SwapRetry retry.Config

	// FailureDelay is how long an order waits after a fill that neither
	// succeeded nor removed it.
	FailureDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// ConfigDefaults returns the default relayer configuration.
func ConfigDefaults() Config {
	return Config{
		MaxMessages:       10,
		EventPollInterval: 100 * time.Millisecond,
		FillPollInterval:  5 * time.Second,
		BatchSize:         50,
		Fee:               big.NewInt(0),
		RateLimit:         rate.Limit(5),
		RateBurst:         1,
		SwapRetry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		FailureDelay: time.Minute,
		Clock:        clock.NewSystem(),
		Logger:       slog.Default(),
	}
}

// Service is the relayer.
type Service struct {
	config   Config
	consumer outbound.SQSConsumer
	index    outbound.OrderIndex
	filler   Filler
	limiter  *rate.Limiter
	logger   *slog.Logger

	ready    atomic.Bool
	failures atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a relayer. consumer may be nil, in which case the index
// is expected to be fed by another process.
func NewService(config Config, consumer outbound.SQSConsumer, index outbound.OrderIndex, filler Filler) (*Service, error) {
	if index == nil {
		return nil, fmt.Errorf("order index cannot be nil")
	}
	if filler == nil {
		return nil, fmt.Errorf("filler cannot be nil")
	}
	if config.Fee != nil && config.Fee.Sign() < 0 {
		return nil, fmt.Errorf("fee must be non-negative, got %s", config.Fee)
	}

	defaults := ConfigDefaults()
	if config.MaxMessages == 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.EventPollInterval == 0 {
		config.EventPollInterval = defaults.EventPollInterval
	}
	if config.FillPollInterval == 0 {
		config.FillPollInterval = defaults.FillPollInterval
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Fee == nil {
		config.Fee = defaults.Fee
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaults.RateBurst
	}
	if config.SwapRetry == (retry.Config{}) {
		config.SwapRetry = defaults.SwapRetry
	}
	if config.FailureDelay == 0 {
		config.FailureDelay = defaults.FailureDelay
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		index:    index,
		filler:   filler,
		limiter:  rate.NewLimiter(config.RateLimit, config.RateBurst),
		logger:   config.Logger.With("component", "relayer"),
	}, nil
}

// Start begins consuming events and filling due orders.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, s.config.EventPollInterval, s.ProcessEvents)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, s.config.FillPollInterval, s.ProcessDue)
	}()

	s.logger.Info("relayer started",
		"fee", s.config.Fee.String(),
		"fillPollInterval", s.config.FillPollInterval,
		"consumingEvents", s.consumer != nil)
	return nil
}

// Stop stops both loops and waits for in-flight work to return.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("relayer stopped")
	return nil
}

// IsReady reports whether at least one poll has succeeded.
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// IsHealthy reports false after repeated consecutive poll failures.
func (s *Service) IsHealthy() bool {
	return s.failures.Load() < unhealthyAfter
}

func (s *Service) loop(ctx context.Context, interval time.Duration, step func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := step(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("relayer poll failed", "error", err)
			}
		}
	}
}

func (s *Service) observe(err error) {
	if err != nil {
		s.failures.Add(1)
		return
	}
	s.failures.Store(0)
	s.ready.Store(true)
}

// ProcessEvents receives one batch of engine events and applies them to the
// index. Messages are deleted only after they were applied.
func (s *Service) ProcessEvents(ctx context.Context) error {
	messages, err := s.consumer.ReceiveMessages(ctx, s.config.MaxMessages)
	if err != nil {
		s.observe(err)
		return fmt.Errorf("receiving messages: %w", err)
	}
	s.observe(nil)

	var errs []error
	for _, msg := range messages {
		if err := s.processMessage(ctx, msg); err != nil {
			s.logger.Error("failed to process message", "messageId", msg.MessageID, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
			s.logger.Error("failed to delete message", "messageId", msg.MessageID, "error", err)
		}
	}
	return errors.Join(errs...)
}

// snsEnvelope is the wrapper SNS puts around messages delivered to SQS
// without raw message delivery.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func unwrapBody(body string) []byte {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Message != "" {
		return []byte(env.Message)
	}
	return []byte(body)
}

func (s *Service) processMessage(ctx context.Context, msg outbound.SQSMessage) error {
	event, err := outbound.DecodeEvent(unwrapBody(msg.Body))
	if err != nil {
		return err
	}
	return s.applyEvent(ctx, event)
}

func (s *Service) applyEvent(ctx context.Context, event outbound.Event) error {
	id := event.GetOrderID()

	switch e := event.(type) {
	case outbound.DepositEvent:
		if err := s.index.Put(ctx, outbound.ScheduledOrder{
			OrderID: id,
			Order:   e.Order,
			NextDue: e.Timestamp.Add(e.Order.EpochDuration()),
		}); err != nil {
			return fmt.Errorf("indexing order %s: %w", id.Hex(), err)
		}
		s.logger.Debug("tracking order", "orderId", id.Hex())

	case outbound.FillEvent:
		tracked, err := s.index.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("reading order %s: %w", id.Hex(), err)
		}
		if tracked == nil {
			return nil
		}
		if err := s.index.Reschedule(ctx, id, e.Timestamp.Add(tracked.Order.EpochDuration())); err != nil {
			return fmt.Errorf("rescheduling order %s: %w", id.Hex(), err)
		}

	case outbound.CancelEvent:
		if err := s.index.Remove(ctx, id); err != nil {
			return fmt.Errorf("removing order %s: %w", id.Hex(), err)
		}
		s.logger.Debug("order cancelled", "orderId", id.Hex())

	default:
		return fmt.Errorf("unexpected event type %s", event.EventType())
	}
	return nil
}

// ProcessDue fills every order whose next epoch has opened, up to BatchSize.
func (s *Service) ProcessDue(ctx context.Context) error {
	now := s.config.Clock.Now()
	due, err := s.index.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		s.observe(err)
		return fmt.Errorf("reading due orders: %w", err)
	}
	s.observe(nil)

	if len(due) > 0 {
		s.logger.Debug("orders due", "count", len(due))
	}

	var errs []error
	for _, order := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.fillOrder(ctx, order); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) fillOrder(ctx context.Context, so outbound.ScheduledOrder) error {
	id := so.OrderID
	log := s.logger.With("orderId", id.Hex())

	if uint64(s.config.Clock.Now().Unix()) > so.Order.ExpiryDate {
		log.Info("order expired, dropping")
		return s.index.Remove(ctx, id)
	}

	fee := s.feeFor(so.Order)
	onRetry := func(attempt int, err error, backoff time.Duration) {
		log.Warn("fill failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	result, err := retry.Do(ctx, s.config.SwapRetry, isSwapFailure, onRetry, func() (*dcaclient.FillResult, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return s.filler.Fill(ctx, so.Order, fee)
	})

	now := s.config.Clock.Now()
	switch {
	case err == nil:
		log.Info("order filled",
			"amountIn", result.AmountIn.String(),
			"amountOut", result.AmountOut.String(),
			"fee", result.FeeCharged.String(),
			"balance", result.Balance.String())
		return s.index.Reschedule(ctx, id, now.Add(so.Order.EpochDuration()))

	case errors.Is(err, entity.ErrEpochNotElapsed):
		log.Debug("epoch not elapsed, rescheduling")
		return s.index.Reschedule(ctx, id, now.Add(so.Order.EpochDuration()))

	case errors.Is(err, entity.ErrUnknownOrder),
		errors.Is(err, entity.ErrExpiryPassed),
		errors.Is(err, entity.ErrInsufficientFunds):
		log.Info("order no longer fillable, dropping", "reason", entity.ErrorCode(err))
		return s.index.Remove(ctx, id)

	case ctx.Err() != nil:
		return ctx.Err()

	default:
		log.Warn("fill failed, backing off", "delay", s.config.FailureDelay, "error", err)
		if rerr := s.index.Reschedule(ctx, id, now.Add(s.config.FailureDelay)); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("filling order %s: %w", id.Hex(), err)
	}
}

// feeFor returns min(configured fee, order.MaxRelayerFee).
func (s *Service) feeFor(order entity.Order) *big.Int {
	if order.MaxRelayerFee != nil && s.config.Fee.Cmp(order.MaxRelayerFee) > 0 {
		return new(big.Int).Set(order.MaxRelayerFee)
	}
	return new(big.Int).Set(s.config.Fee)
}

func isSwapFailure(err error) bool {
	return errors.Is(err, entity.ErrSwapFailed)
}
