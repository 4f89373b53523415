// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
)

// DepositRequest opens escrow for an order.
type DepositRequest struct {
	Order entity.Order
	// Caller must be the order owner.
	Caller common.Address
	// Value is the amount of the input asset taken into custody.
	Value *big.Int
	// FundingTx is the owner's transfer of exactly Value into custody.
	// Each transaction backs at most one deposit.
	FundingTx common.Hash
}

// DepositResult is returned by a successful deposit.
type DepositResult struct {
	OrderID entity.OrderID
}

// CancelRequest closes the escrow of an order and refunds the owner.
type CancelRequest struct {
	Order  entity.Order
	Caller common.Address
}

// CancelResult is returned by a successful cancel.
type CancelResult struct {
	OrderID entity.OrderID
	Refund  *big.Int
}

// FillRequest executes one epoch of an order.
type FillRequest struct {
	Order      entity.Order
	Caller     common.Address
	RelayerFee *big.Int
}

// FillResult is returned by a successful fill.
type FillResult struct {
	OrderID    entity.OrderID
	AmountIn   *big.Int
	AmountOut  *big.Int
	FeeCharged *big.Int
	// Balance is the escrow balance remaining after the fill.
	Balance *big.Int
}

// DCAService defines the primary use cases of the execution engine.
// Inbound adapters (HTTP handlers, CLI) call these methods.
type DCAService interface {
	Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	Fill(ctx context.Context, req FillRequest) (*FillResult, error)

	// GetEscrow returns the active record for id or entity.ErrUnknownOrder.
	GetEscrow(ctx context.Context, id entity.OrderID) (*entity.EscrowRecord, error)
}

// HealthChecker defines the interface for services that can report readiness and liveness.
//
// Implementations:
//   - dca_engine.Engine: ready once its store answers, healthy while it keeps answering
//   - relayer.Service: ready after the first poll, healthy while polls keep succeeding
type HealthChecker interface {
	// IsReady returns true when the service is ready to handle traffic.
	// Used by ECS/Kubernetes readiness checks during rolling deployments.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	// Used by ECS/Kubernetes liveness checks to detect stuck services.
	IsHealthy() bool
}
