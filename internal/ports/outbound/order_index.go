package outbound

import (
	"context"
	"time"

	"github.com/archon-research/dca/internal/domain/entity"
)

// ScheduledOrder is an order the relayer tracks together with the earliest
// time a fill is expected to pass the epoch gate.
type ScheduledOrder struct {
	OrderID entity.OrderID
	Order   entity.Order
	NextDue time.Time
}

// OrderIndex is the relayer's view of active orders, ordered by due time.
type OrderIndex interface {
	// Put inserts or replaces the order and its due time.
	Put(ctx context.Context, order ScheduledOrder) error

	// Reschedule moves an existing order to a new due time.
	// Unknown ids are ignored.
	Reschedule(ctx context.Context, id entity.OrderID, nextDue time.Time) error

	// Get returns the tracked order, or nil if id is not tracked.
	Get(ctx context.Context, id entity.OrderID) (*ScheduledOrder, error)

	// Remove drops the order. Unknown ids are ignored.
	Remove(ctx context.Context, id entity.OrderID) error

	// Due returns up to limit orders with NextDue <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]ScheduledOrder, error)

	// Close releases any resources.
	Close() error
}
