// Package redis provides a Redis implementation of the relayer's OrderIndex.
//
// Due times live in a sorted set scored by unix milliseconds, and the orders
// themselves in a hash keyed by order id, both under KeyPrefix:
//
//	<prefix>:orders:due  ZSET  orderId -> nextDue
//	<prefix>:orders      HASH  orderId -> order JSON
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// Compile-time check that OrderIndex implements outbound.OrderIndex
var _ outbound.OrderIndex = (*OrderIndex)(nil)

// Config holds Redis configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for Redis configuration.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		DB:        0,
		KeyPrefix: "dca",
	}
}

// OrderIndex is a Redis implementation of the outbound.OrderIndex port.
type OrderIndex struct {
	client  *redis.Client
	dueKey  string
	dataKey string
	logger  *slog.Logger
}

// NewOrderIndex creates a new Redis order index.
func NewOrderIndex(cfg Config, logger *slog.Logger) (*OrderIndex, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ConfigDefaults().KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &OrderIndex{
		client:  client,
		dueKey:  cfg.KeyPrefix + ":orders:due",
		dataKey: cfg.KeyPrefix + ":orders",
		logger:  logger.With("component", "redis-order-index"),
	}, nil
}

// Ping checks the Redis connection.
func (i *OrderIndex) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (i *OrderIndex) Close() error {
	return i.client.Close()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func fromScore(s float64) time.Time {
	return time.UnixMilli(int64(s)).UTC()
}

// Put inserts or replaces the order and its due time.
func (i *OrderIndex) Put(ctx context.Context, order outbound.ScheduledOrder) error {
	data, err := json.Marshal(order.Order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	member := order.OrderID.Hex()

	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, i.dataKey, member, data)
		pipe.ZAdd(ctx, i.dueKey, redis.Z{Score: score(order.NextDue), Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index order %s: %w", member, err)
	}
	return nil
}

// Reschedule moves an existing order. ZADD XX never inserts, so unknown ids
// are ignored.
func (i *OrderIndex) Reschedule(ctx context.Context, id entity.OrderID, nextDue time.Time) error {
	err := i.client.ZAddXX(ctx, i.dueKey, redis.Z{Score: score(nextDue), Member: id.Hex()}).Err()
	if err != nil {
		return fmt.Errorf("failed to reschedule order %s: %w", id.Hex(), err)
	}
	return nil
}

// Get returns the tracked order, or nil if id is not tracked.
func (i *OrderIndex) Get(ctx context.Context, id entity.OrderID) (*outbound.ScheduledOrder, error) {
	member := id.Hex()
	var (
		dataCmd  *redis.StringCmd
		scoreCmd *redis.FloatCmd
	)
	_, err := i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		dataCmd = pipe.HGet(ctx, i.dataKey, member)
		scoreCmd = pipe.ZScore(ctx, i.dueKey, member)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get order %s: %w", member, err)
	}

	data, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", member, err)
	}
	s, err := scoreCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule of %s: %w", member, err)
	}

	var order entity.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", member, err)
	}
	return &outbound.ScheduledOrder{OrderID: id, Order: order, NextDue: fromScore(s)}, nil
}

// Remove drops the order. Unknown ids are ignored.
func (i *OrderIndex) Remove(ctx context.Context, id entity.OrderID) error {
	member := id.Hex()
	_, err := i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, i.dueKey, member)
		pipe.HDel(ctx, i.dataKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove order %s: %w", member, err)
	}
	return nil
}

// Due returns up to limit orders with NextDue <= now, earliest first.
func (i *OrderIndex) Due(ctx context.Context, now time.Time, limit int) ([]outbound.ScheduledOrder, error) {
	args := redis.ZRangeArgs{
		Key:     i.dueKey,
		Start:   "-inf",
		Stop:    strconv.FormatInt(now.UnixMilli(), 10),
		ByScore: true,
	}
	if limit > 0 {
		args.Count = int64(limit)
	}
	entries, err := i.client.ZRangeArgsWithScores(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due orders: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	members := make([]string, len(entries))
	for n, e := range entries {
		members[n] = e.Member.(string)
	}
	values, err := i.client.HMGet(ctx, i.dataKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due order data: %w", err)
	}

	due := make([]outbound.ScheduledOrder, 0, len(entries))
	for n, e := range entries {
		raw, ok := values[n].(string)
		if !ok {
			i.logger.Warn("due order has no data, skipping", "orderId", members[n])
			continue
		}
		var order entity.Order
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			i.logger.Warn("failed to decode due order, skipping", "orderId", members[n], "error", err)
			continue
		}
		due = append(due, outbound.ScheduledOrder{
			OrderID: common.HexToHash(members[n]),
			Order:   order,
			NextDue: fromScore(e.Score),
		})
	}
	return due, nil
}
