package redis

import (
	"testing"
	"time"
)

func TestNewOrderIndex_RequiresAddr(t *testing.T) {
	if _, err := NewOrderIndex(Config{}, nil); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestNewOrderIndex_Keys(t *testing.T) {
	idx, err := NewOrderIndex(Config{Addr: "localhost:6379", KeyPrefix: "test"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	if idx.dueKey != "test:orders:due" || idx.dataKey != "test:orders" {
		t.Errorf("unexpected keys %q, %q", idx.dueKey, idx.dataKey)
	}

	def, _ := NewOrderIndex(Config{Addr: "localhost:6379"}, nil)
	defer def.Close()
	if def.dueKey != "dca:orders:due" {
		t.Errorf("default prefix not applied: %q", def.dueKey)
	}
}

func TestScore_MillisecondRoundTrip(t *testing.T) {
	at := time.Unix(1_700_003_600, 250_000_000).UTC()
	if got := fromScore(score(at)); !got.Equal(at) {
		t.Errorf("fromScore(score(%s)) = %s", at, got)
	}
}
