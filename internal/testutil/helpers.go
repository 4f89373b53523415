package testutil

import (
	"io"
	"log/slog"
	"math/big"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Ether returns n * 10^18.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// MustBig parses a base-10 integer and panics if it is malformed.
func MustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("testutil: malformed integer " + s)
	}
	return v
}
