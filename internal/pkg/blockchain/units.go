package blockchain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a human amount such as "0.1" into base units for a
// token with the given decimals. More fractional digits than decimals is an error.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// MustParseUnits is ParseUnits for constants. It panics on malformed input.
func MustParseUnits(amount string, decimals int32) *big.Int {
	v, err := ParseUnits(amount, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders base units as a human amount with trailing zeros trimmed.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
