package services

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ProrateAmount returns floor(amount * remaining / total) in minor units.
// remaining is clamped to [0, total]; a non-positive total yields 0.
func ProrateAmount(amount int64, remaining, total int) int64 {
	if total <= 0 || amount <= 0 {
		return 0
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(decimal.NewFromInt(int64(total))).
		Floor().
		IntPart()
}

// MinorToMajor converts minor units to whole gateway currency units (TWD).
func MinorToMajor(minor int64) int64 {
	return decimal.NewFromInt(minor).Div(hundred).Round(0).IntPart()
}

// MajorToMinor converts whole gateway currency units to minor units.
func MajorToMinor(major int64) int64 {
	return decimal.NewFromInt(major).Mul(hundred).IntPart()
}
