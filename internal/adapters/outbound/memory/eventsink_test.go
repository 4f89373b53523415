package memory

import (
	"context"
	"testing"

	"github.com/archon-research/dca/internal/ports/outbound"
)

func TestEventSink(t *testing.T) {
	ctx := context.Background()
	sink := NewEventSink()
	a, b := testRecord(1, ether(1)), testRecord(2, ether(1))

	var seen int
	sink.OnPublish(func(outbound.Event) { seen++ })

	_ = sink.Publish(ctx, outbound.DepositEvent{OrderID: a.OrderID})
	_ = sink.Publish(ctx, outbound.FillEvent{OrderID: a.OrderID})
	_ = sink.Publish(ctx, outbound.CancelEvent{OrderID: b.OrderID})

	if sink.GetEventCount() != 3 || seen != 3 {
		t.Fatalf("expected 3 events, got %d (callback %d)", sink.GetEventCount(), seen)
	}
	if n := len(sink.GetEventsForOrder(a.OrderID)); n != 2 {
		t.Errorf("expected 2 events for a, got %d", n)
	}
	if n := len(sink.GetEventsByType(outbound.EventTypeCancel)); n != 1 {
		t.Errorf("expected 1 cancel, got %d", n)
	}
	if n := len(sink.GetFillEvents()); n != 1 {
		t.Errorf("expected 1 fill, got %d", n)
	}

	_ = sink.Close()
	_ = sink.Publish(ctx, outbound.DepositEvent{OrderID: b.OrderID})
	if sink.GetEventCount() != 3 {
		t.Error("publish after close should be dropped")
	}
	sink.Clear()
	if sink.GetEventCount() != 0 {
		t.Error("expected cleared sink")
	}
}
