package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatPrice renders a price-scale integer as a decimal string for APIs
// and logs, e.g. 5025000000000 -> "50250".
func FormatPrice(v int64) string {
	return decimal.New(v, -PriceDecimals).String()
}

// FormatUnits renders a base-unit amount as a decimal string,
// e.g. 100000000 -> "100".
func FormatUnits(v int64) string {
	return decimal.New(v, -UnitDecimals).String()
}

// FormatLeverage renders a leverage-scale integer, e.g. 5000000000 -> "50".
func FormatLeverage(v int64) string {
	return decimal.New(v, -LeverageDecimals).String()
}

// ParseUnits parses a decimal string into base units. Fractions beyond the
// unit precision are rejected rather than silently truncated.
func ParseUnits(s string) (int64, error) {
	return parseScaled(s, UnitDecimals)
}

// ParseLeverage parses a decimal string into leverage-scale units.
func ParseLeverage(s string) (int64, error) {
	return parseScaled(s, LeverageDecimals)
}

// ParsePrice parses a decimal string into price-scale units.
func ParsePrice(s string) (int64, error) {
	return parseScaled(s, PriceDecimals)
}

func parseScaled(s string, decimals int) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}
