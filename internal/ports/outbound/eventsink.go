package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
)

// EventType represents the type of event.
type EventType string

// Event type constants.
const (
	EventTypeDeposit EventType = "deposit"
	EventTypeCancel  EventType = "cancel"
	EventTypeFill    EventType = "fill"
)

// Event is the interface that all engine events implement.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType
	// GetOrderID returns the commitment of the order the event is about.
	GetOrderID() entity.OrderID
	// GetTimestamp returns when the event happened.
	GetTimestamp() time.Time
}

// DepositEvent is emitted when escrow is opened for an order.
type DepositEvent struct {
	// OrderID is the order commitment.
	OrderID entity.OrderID `json:"orderId"`

	// Order carries all order fields for off-engine indexing.
	Order entity.Order `json:"order"`

	// Amount is the deposited value in input-asset units.
	Amount *big.Int `json:"amount"`

	// FundingTx is the transfer into custody backing the deposit.
	FundingTx common.Hash `json:"fundingTx"`

	// Timestamp is the deposit time and the initial last execution time.
	Timestamp time.Time `json:"timestamp"`
}

// CancelEvent is emitted when the owner cancels and is refunded.
type CancelEvent struct {
	OrderID      entity.OrderID `json:"orderId"`
	RefundAmount *big.Int       `json:"refundAmount"`
	Timestamp    time.Time      `json:"timestamp"`
}

// FillEvent is emitted for every successful epoch execution.
type FillEvent struct {
	OrderID    entity.OrderID `json:"orderId"`
	AmountIn   *big.Int       `json:"amountIn"`
	AmountOut  *big.Int       `json:"amountOut"`
	FeeCharged *big.Int       `json:"feeCharged"`
	Relayer    common.Address `json:"relayer"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (e DepositEvent) EventType() EventType       { return EventTypeDeposit }
func (e DepositEvent) GetOrderID() entity.OrderID { return e.OrderID }
func (e DepositEvent) GetTimestamp() time.Time    { return e.Timestamp }

func (e CancelEvent) EventType() EventType       { return EventTypeCancel }
func (e CancelEvent) GetOrderID() entity.OrderID { return e.OrderID }
func (e CancelEvent) GetTimestamp() time.Time    { return e.Timestamp }

func (e FillEvent) EventType() EventType       { return EventTypeFill }
func (e FillEvent) GetOrderID() entity.OrderID { return e.OrderID }
func (e FillEvent) GetTimestamp() time.Time    { return e.Timestamp }

// EventSink defines the interface for publishing engine events to indexers.
type EventSink interface {
	// Publish publishes a committed event.
	// Accepts DepositEvent, CancelEvent, or FillEvent.
	Publish(ctx context.Context, event Event) error

	// Close closes the sink and releases any resources.
	Close() error
}

// EventMessage is the self-describing wire form of an event, used by sinks
// that carry events across process boundaries.
type EventMessage struct {
	EventType EventType       `json:"eventType"`
	Event     json.RawMessage `json:"event"`
}

// EncodeEvent serializes event as an EventMessage.
func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", event.EventType(), err)
	}
	return json.Marshal(EventMessage{EventType: event.EventType(), Event: payload})
}

// DecodeEvent parses an EventMessage back into its concrete event type.
func DecodeEvent(data []byte) (Event, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing event message: %w", err)
	}

	switch msg.EventType {
	case EventTypeDeposit:
		return decodePayload[DepositEvent](msg)
	case EventTypeCancel:
		return decodePayload[CancelEvent](msg)
	case EventTypeFill:
		return decodePayload[FillEvent](msg)
	default:
		return nil, fmt.Errorf("unknown event type %q", msg.EventType)
	}
}

func decodePayload[T Event](msg EventMessage) (Event, error) {
	var e T
	if err := json.Unmarshal(msg.Event, &e); err != nil {
		return nil, fmt.Errorf("parsing %s event: %w", msg.EventType, err)
	}
	return e, nil
}
