// Package money implements the gateway's single monetary unit: MicroUSD,
// integer USD x 10^6 (spec.md §3, §4.6). Every Account counter,
// ReservationReceipt amount, and JournalEntry posting is denominated in
// MicroUSD so arithmetic never leaves the integer domain.
package money

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFormat occurs when a USD amount cannot be converted at all
// (e.g. NaN or infinite).
var ErrInvalidFormat = errors.New("money: invalid format")

// MicroUSD is the ledger's atomic unit: integer USD x 10^6. Every Account
// counter, ReservationReceipt amount and JournalEntry posting uses this type
// rather than a bare int64 so conversions go through one guarded path.
type MicroUSD int64

// maxSafeUSD is the largest USD amount that can be multiplied by 1e6 without
// leaving the range of integers exactly representable in a float64
// mantissa (2^53-1), per the spec's pre-conversion guard.
const maxSafeUSD = (1<<53 - 1) / 1_000_000

// ErrUnsafeConversion occurs when converting a USD float would overflow the
// 2^53-1 safe-integer guard on the resulting MicroUSD value.
var ErrUnsafeConversion = errors.New("money: usd amount exceeds safe micro-usd conversion range")

// FromUSD converts a floating-point USD amount to MicroUSD using banker's
// rounding (round-half-to-even) to 6 decimal places. It rejects amounts
// whose atomic micro-USD value would exceed 2^53-1.
func FromUSD(usd float64) (MicroUSD, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, fmt.Errorf("%w: non-finite amount", ErrInvalidFormat)
	}
	if usd > maxSafeUSD || usd < -maxSafeUSD {
		return 0, ErrUnsafeConversion
	}

	scaled := usd * 1_000_000
	floor := math.Floor(scaled)
	diff := scaled - floor

	var rounded float64
	switch {
	case diff < 0.5:
		rounded = floor
	case diff > 0.5:
		rounded = floor + 1
	default:
		// Exactly on the boundary: round to the nearest even integer.
		if math.Mod(floor, 2) == 0 {
			rounded = floor
		} else {
			rounded = floor + 1
		}
	}

	if rounded > (1<<53-1) || rounded < -(1<<53-1) {
		return 0, ErrUnsafeConversion
	}

	return MicroUSD(int64(rounded)), nil
}

// ToUSD returns the major-unit USD value as a float64. Intended for display
// only; all arithmetic must stay in MicroUSD.
func (u MicroUSD) ToUSD() float64 {
	return float64(u) / 1_000_000
}
