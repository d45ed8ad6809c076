// Package convert provides type conversion utilities.
package convert

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ToDecimal converts the loosely-typed numbers brokerage payloads carry
// (strings, json.Number, floats) into a decimal. Returns zero for anything
// unparseable.
func ToDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return t
	case float64:
		return decimal.NewFromFloat(t)
	case float32:
		return decimal.NewFromFloat32(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

// ToInt64 mirrors ToDecimal for quantities.
func ToInt64(v any) int64 {
	return ToDecimal(v).IntPart()
}
