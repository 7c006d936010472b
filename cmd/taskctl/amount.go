package main

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseEther converts a decimal ETH amount to wei. Fractions smaller than one
// wei are rejected rather than rounded.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	wei := d.Shift(18)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than 18 decimals", s)
	}
	return wei.BigInt(), nil
}
