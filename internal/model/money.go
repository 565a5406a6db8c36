package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of minor-unit digits kept for display and rounding.
const CurrencyPlaces = 2

// ParseAmount converts a decimal string amount in major units to a decimal.
// Empty or unparsable strings yield zero.
// Examples: "99.00" → 99, "12.5" → 12.5, "" → 0
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FromMinorUnits converts an integer amount in minor units (cents) to major units.
// Example: 8900 → 89.00
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -CurrencyPlaces)
}

// ToMinorUnits rounds to the currency precision and returns cents.
// Example: 12.345 → 1235
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Round(CurrencyPlaces).Shift(CurrencyPlaces).IntPart()
}

// Percentage returns pct percent of amount, rounded to the currency precision.
func Percentage(amount decimal.Decimal, pct int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)).Round(CurrencyPlaces)
}
