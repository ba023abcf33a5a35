// Package fee implements the marketplace fee split.
//
// A split divides an amount between the platform and the recipient at a
// basis-point rate: platform = floor(amount * bps / 10000), remainder goes
// to the recipient. Rounding always favors the recipient, never the platform.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Amounts must be integer-valued decimals in the settlement currency's
// smallest denomination.
package fee

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateOutOfRange is returned when the rate is negative or above 100%.
	ErrRateOutOfRange = errors.New("fee: rate must be between 0 and 10000 basis points")

	// ErrInvalidAmount is returned when the amount is negative or not an
	// integer number of smallest-denomination units.
	ErrInvalidAmount = errors.New("fee: amount must be a non-negative integer")
)

// BasisPointsDenominator is the bps scale: 10000 bps = 100%.
var BasisPointsDenominator = decimal.NewFromInt(10000)

// Split divides amount at rateBps into (platform share, remainder).
//
//	platform  = floor(amount * rateBps / 10000)
//	remainder = amount - platform
//
// The invariant platform + remainder == amount holds exactly for every
// valid input; no currency is created or destroyed.
func Split(amount decimal.Decimal, rateBps int64) (platform, remainder decimal.Decimal, err error) {
	if rateBps < 0 || rateBps > 10000 {
		return decimal.Zero, decimal.Zero, ErrRateOutOfRange
	}
	if amount.IsNegative() || !amount.IsInteger() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	// QuoRem with precision 0 is exact integer division truncated toward
	// zero; inputs are non-negative so truncation is floor.
	platform, _ = amount.Mul(decimal.NewFromInt(rateBps)).QuoRem(BasisPointsDenominator, 0)
	remainder = amount.Sub(platform)
	return platform, remainder, nil
}

// SplitWithRoyalty computes the platform fee and a royalty as two independent
// splits of the same base amount — never compounded. The seller share is what
// remains after both are taken.
func SplitWithRoyalty(amount decimal.Decimal, platformBps, royaltyBps int64) (platform, royalty, seller decimal.Decimal, err error) {
	platform, _, err = Split(amount, platformBps)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	royalty, _, err = Split(amount, royaltyBps)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	seller = amount.Sub(platform).Sub(royalty)
	if seller.IsNegative() {
		return decimal.Zero, decimal.Zero, decimal.Zero, ErrRateOutOfRange
	}
	return platform, royalty, seller, nil
}
