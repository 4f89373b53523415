package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var _ outbound.OrderIndex = (*OrderIndex)(nil)

// OrderIndex is an in-memory relayer order index.
type OrderIndex struct {
	mu     sync.RWMutex
	orders map[entity.OrderID]outbound.ScheduledOrder
}

// NewOrderIndex creates an empty index.
func NewOrderIndex() *OrderIndex {
	return &OrderIndex{orders: make(map[entity.OrderID]outbound.ScheduledOrder)}
}

func (i *OrderIndex) Put(ctx context.Context, order outbound.ScheduledOrder) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	order.Order = order.Order.Clone()
	i.orders[order.OrderID] = order
	return nil
}

func (i *OrderIndex) Reschedule(ctx context.Context, id entity.OrderID, nextDue time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if o, ok := i.orders[id]; ok {
		o.NextDue = nextDue
		i.orders[id] = o
	}
	return nil
}

func (i *OrderIndex) Remove(ctx context.Context, id entity.OrderID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.orders, id)
	return nil
}

func (i *OrderIndex) Due(ctx context.Context, now time.Time, limit int) ([]outbound.ScheduledOrder, error) {
	i.mu.RLock()
	due := make([]outbound.ScheduledOrder, 0)
	for _, o := range i.orders {
		if !o.NextDue.After(now) {
			due = append(due, o)
		}
	}
	i.mu.RUnlock()

	sort.Slice(due, func(a, b int) bool {
		if due[a].NextDue.Equal(due[b].NextDue) {
			return due[a].OrderID.Hex() < due[b].OrderID.Hex()
		}
		return due[a].NextDue.Before(due[b].NextDue)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Len returns the number of tracked orders.
func (i *OrderIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.orders)
}

func (i *OrderIndex) Get(ctx context.Context, id entity.OrderID) (*outbound.ScheduledOrder, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	o, ok := i.orders[id]
	if !ok {
		return nil, nil
	}
	o.Order = o.Order.Clone()
	return &o, nil
}

func (i *OrderIndex) Close() error { return nil }
