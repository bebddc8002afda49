package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponent is the number of fractional digits of each currency's
// minor unit. Unlisted currencies default to 2.
var minorUnitExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// MinorUnitExponent returns the fractional digits used by currency.
func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ParseMinorUnits converts a decimal amount such as "0.37" into minor units
// (37) without going through floating point. Amounts with more precision
// than the currency's minor unit are rejected rather than rounded.
func ParseMinorUnits(field, raw, currency string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, NewValidationError(field, "amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, NewValidationError(field, "amount %q is not a decimal number", raw)
	}
	if d.IsNegative() {
		return 0, NewValidationError(field, "amount must not be negative")
	}
	exp := MinorUnitExponent(currency)
	scaled := d.Shift(exp)
	if !scaled.IsInteger() {
		return 0, NewValidationError(field, "amount %s has more than %d decimal places", raw, exp)
	}
	if scaled.GreaterThan(decimal.NewFromInt(100_000_000)) {
		return 0, NewValidationError(field, "amount %s is out of range", raw)
	}
	return scaled.IntPart(), nil
}

// FormatMinorUnits renders minor units as a fixed-point decimal string.
func FormatMinorUnits(amount int64, currency string) string {
	exp := MinorUnitExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}
