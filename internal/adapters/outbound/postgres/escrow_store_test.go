package postgres

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewEscrowStore_NilPool(t *testing.T) {
	if _, err := NewEscrowStore(nil, nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestAdvisoryKey(t *testing.T) {
	a := common.HexToHash("0x0102030405060708ffffffffffffffffffffffffffffffffffffffffffffffff")
	b := common.HexToHash("0x0102030405060708000000000000000000000000000000000000000000000000")
	if advisoryKey(a) != 0x0102030405060708 {
		t.Errorf("unexpected key %x", advisoryKey(a))
	}
	if advisoryKey(a) != advisoryKey(b) {
		t.Error("key must depend only on the leading 8 bytes")
	}
	c := common.HexToHash("0xff00000000000000000000000000000000000000000000000000000000000000")
	if advisoryKey(c) >= 0 {
		t.Errorf("expected the high bit to map to a negative key, got %d", advisoryKey(c))
	}
}

func TestParseNumeric(t *testing.T) {
	v, err := parseNumeric("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.BitLen() != 256 {
		t.Errorf("expected a 256 bit value, got %d bits", v.BitLen())
	}
	if _, err := parseNumeric("1.5"); err == nil {
		t.Error("expected error for fractional value")
	}
}
