// Package money provides decimal amount handling for fiat and stablecoin values.
//
// Fiat amounts carry two decimal places (MXN cents). Stablecoin amounts are
// moved on-chain in base units; the token uses 6 decimal places by default.
package money

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FiatPlaces is the number of fractional digits a fiat amount may carry.
const FiatPlaces = 2

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidPercent = errors.New("percent must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "1500.00") to a fiat amount.
// Zero, negative, and sub-cent amounts are rejected.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(FiatPlaces)) {
		return decimal.Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, FiatPlaces)
	}
	return d, nil
}

// Split divides principal into the custody share and the immediately
// released remainder. The custody share is rounded down to cents, so
// custody + immediate always equals principal.
func Split(principal decimal.Decimal, custodyPercent int) (custody, immediate decimal.Decimal, err error) {
	if custodyPercent < 0 || custodyPercent > 100 {
		return decimal.Zero, decimal.Zero, ErrInvalidPercent
	}
	custody = principal.Mul(decimal.NewFromInt(int64(custodyPercent))).Div(hundred).RoundFloor(FiatPlaces)
	immediate = principal.Sub(custody)
	return custody, immediate, nil
}

// Commission returns percent of principal rounded half-up to cents.
func Commission(principal, percent decimal.Decimal) (decimal.Decimal, error) {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercent
	}
	return principal.Mul(percent).Div(hundred).Round(FiatPlaces), nil
}

// ToUnits converts an amount to token base units, truncating anything
// below the token's precision.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromUnits converts token base units back to a decimal amount.
func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// Fingerprint renders an amount canonically ("1500.00") for use inside
// idempotency keys, so 1500 and 1500.0 derive the same key.
func Fingerprint(amount decimal.Decimal) string {
	return amount.StringFixed(FiatPlaces)
}
