// Package types provides common value types.
package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// Ratio is a fraction in [0, 1] (fair-share cap, discount rate).
type Ratio = decimal.Decimal

// FloorMul returns floor(q * r) for a non-negative integer quantity.
func FloorMul(q int64, r Ratio) int64 {
	return decimal.NewFromInt(q).Mul(r).Floor().IntPart()
}

// Amount returns unit * qty.
func Amount(unit Money, qty int64) Money {
	return unit.Mul(decimal.NewFromInt(qty))
}

// Discounted returns price * (1 - rate), rounded to 2 places half-up.
func Discounted(price Money, rate Ratio) Money {
	return price.Mul(decimal.NewFromInt(1).Sub(rate)).Round(2)
}
