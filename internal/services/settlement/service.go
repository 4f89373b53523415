// Package settlement moves recorded payouts out of custody.
//
// The engine only books refunds and relayer fees. This service signs a
// transfer for each pending payout, stores it with the payout before sending,
// and rebroadcasts the stored transfer until it is mined. A payout is signed
// again only when its stored transfer can no longer execute, so each payout
// is paid at most once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-research/dca/internal/ports/inbound"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// unhealthyAfter is the number of consecutive failed polls after which
// IsHealthy reports false.
const unhealthyAfter = 5

var _ inbound.HealthChecker = (*Service)(nil)

// Config holds configuration for the settlement service.
type Config struct {
	// PollInterval is how often unsettled payouts are picked up.
	PollInterval time.Duration

	// BatchSize caps the payouts handled per poll.
	BatchSize int

	// SupersededChecks is the number of consecutive polls that must find a
	// transfer's nonce used and its receipt missing before it is replaced.
	SupersededChecks int

	Logger *slog.Logger
}

// ConfigDefaults returns the default settlement configuration.
func ConfigDefaults() Config {
	return Config{
		PollInterval:     5 * time.Second,
		BatchSize:        50,
		SupersededChecks: 2,
		Logger:           slog.Default(),
	}
}

// Service settles payouts.
type Service struct {
	config Config
	ledger outbound.PayoutLedger
	payer  outbound.Payer
	logger *slog.Logger

	mu         sync.Mutex
	superseded map[int64]int

	ready    atomic.Bool
	failures atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a settlement service.
func NewService(config Config, ledger outbound.PayoutLedger, payer outbound.Payer) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("payout ledger cannot be nil")
	}
	if payer == nil {
		return nil, fmt.Errorf("payer cannot be nil")
	}

	defaults := ConfigDefaults()
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.SupersededChecks == 0 {
		config.SupersededChecks = defaults.SupersededChecks
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:     config,
		ledger:     ledger,
		payer:      payer,
		logger:     config.Logger.With("component", "settlement"),
		superseded: make(map[int64]int),
	}, nil
}

// Start begins settling on every PollInterval.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.SettleOnce(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("settlement poll failed", "error", err)
				}
			}
		}
	}()

	s.logger.Info("settlement started", "pollInterval", s.config.PollInterval, "batchSize", s.config.BatchSize)
	return nil
}

// Stop stops the loop and waits for the current poll to return.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("settlement stopped")
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

// SettleOnce advances every unsettled payout in one batch by at most one
// step of pending, submitted, settled.
func (s *Service) SettleOnce(ctx context.Context) error {
	payouts, err := s.ledger.UnsettledPayouts(ctx, s.config.BatchSize)
	if err != nil {
		s.failures.Add(1)
		return fmt.Errorf("listing unsettled payouts: %w", err)
	}

	var errs []error
	for _, p := range payouts {
		if err := s.settle(ctx, p); err != nil {
			s.logger.Warn("payout not settled", "payout", p.ID, "kind", p.Kind, "order", p.OrderID.Hex(), "error", err)
			errs = append(errs, fmt.Errorf("payout %d: %w", p.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.failures.Add(1)
		return err
	}
	s.failures.Store(0)
	s.ready.Store(true)
	return nil
}

func (s *Service) settle(ctx context.Context, p outbound.Payout) error {
	if p.Status == outbound.PayoutPending {
		signed, err := s.payer.SignTransfer(ctx, p.Token, p.Account, p.Amount)
		if err != nil {
			return fmt.Errorf("signing transfer: %w", err)
		}
		// stored before it is sent, so a crash can only rebroadcast it
		if err := s.ledger.MarkPayoutSubmitted(ctx, p.ID, *signed); err != nil {
			if errors.Is(err, outbound.ErrPayoutConflict) {
				return nil
			}
			return fmt.Errorf("storing transfer: %w", err)
		}
		p.Status, p.TxHash, p.RawTx = outbound.PayoutSubmitted, signed.Hash, signed.Raw
		s.logger.Info("payout submitted", "payout", p.ID, "kind", p.Kind, "tx", p.TxHash.Hex(),
			"account", p.Account.Hex(), "amount", p.Amount.String())
	}

	status, err := s.payer.TransferStatus(ctx, p.TxHash)
	if err != nil {
		return fmt.Errorf("reading transfer status: %w", err)
	}
	switch status {
	case outbound.TransferSucceeded:
		return s.settled(ctx, p)
	case outbound.TransferReverted:
		s.logger.Warn("payout transfer reverted, signing a new one", "payout", p.ID, "tx", p.TxHash.Hex())
		return s.reset(ctx, p)
	}

	err = s.payer.Broadcast(ctx, p.RawTx)
	if !errors.Is(err, outbound.ErrTransferSuperseded) {
		s.clearSuperseded(p.ID)
		if err != nil {
			return fmt.Errorf("broadcasting transfer: %w", err)
		}
		return nil
	}

	// the nonce is spent; that is fine if this transfer spent it
	status, err = s.payer.TransferStatus(ctx, p.TxHash)
	if err != nil {
		return fmt.Errorf("reading transfer status: %w", err)
	}
	if status == outbound.TransferSucceeded {
		return s.settled(ctx, p)
	}
	if status == outbound.TransferReverted || s.markSuperseded(p.ID) >= s.config.SupersededChecks {
		s.logger.Warn("payout transfer superseded, signing a new one", "payout", p.ID, "tx", p.TxHash.Hex())
		return s.reset(ctx, p)
	}
	return nil
}

func (s *Service) settled(ctx context.Context, p outbound.Payout) error {
	s.clearSuperseded(p.ID)
	if err := s.ledger.MarkPayoutSettled(ctx, p.ID, p.TxHash); err != nil && !errors.Is(err, outbound.ErrPayoutConflict) {
		return fmt.Errorf("settling payout: %w", err)
	}
	s.logger.Info("payout settled", "payout", p.ID, "kind", p.Kind, "tx", p.TxHash.Hex())
	return nil
}

func (s *Service) reset(ctx context.Context, p outbound.Payout) error {
	s.clearSuperseded(p.ID)
	if err := s.ledger.ResetPayout(ctx, p.ID, p.TxHash); err != nil && !errors.Is(err, outbound.ErrPayoutConflict) {
		return fmt.Errorf("resetting payout: %w", err)
	}
	return nil
}

func (s *Service) markSuperseded(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.superseded[id]++
	return s.superseded[id]
}

func (s *Service) clearSuperseded(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.superseded, id)
}
