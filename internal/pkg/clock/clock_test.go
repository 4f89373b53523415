package clock

import (
	"testing"
	"time"
)

func TestManual(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManual(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}
	c.Advance(3601 * time.Second)
	if got := c.Now().Unix(); got != 1_700_003_601 {
		t.Errorf("expected 1700003601, got %d", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("expected reset to %v, got %v", start, c.Now())
	}
	if c.Now().Location() != time.UTC {
		t.Error("expected UTC")
	}
}

func TestSystem(t *testing.T) {
	before := time.Now().Add(-time.Second)
	if now := NewSystem().Now(); now.Before(before) {
		t.Errorf("system clock behind wall clock: %v", now)
	}
}
