package symbol

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Normalize uppercases and trims an underlying symbol.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func IsValid(s string) bool {
	s = Normalize(s)
	if s == "" || len(s) > 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '.' && c != '/' {
			return false
		}
	}
	return true
}

var strikeScale = decimal.NewFromInt(1000)

// OCC renders the 21-character option symbol the brokerage expects:
// root padded to 6, yymmdd expiration, C/P, strike ×1000 in 8 digits.
// 例如 INTC 50C 2026-01-16 → "INTC  260116C00050000"。
func OCC(underlying string, expiration time.Time, callPut string, strike decimal.Decimal) string {
	root := Normalize(underlying)
	if len(root) < 6 {
		root += strings.Repeat(" ", 6-len(root))
	}
	cp := "C"
	if strings.EqualFold(strings.TrimSpace(callPut), "P") {
		cp = "P"
	}
	milli := strike.Mul(strikeScale).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", root, expiration.Format("060102"), cp, milli)
}

// ParseOCC splits an OCC symbol back into its parts. Tolerates missing root
// padding, which some order dumps strip.
func ParseOCC(raw string) (underlying string, expiration time.Time, callPut string, strike decimal.Decimal, err error) {
	s := strings.TrimRight(raw, " ")
	if len(s) < 1+6+1+8 {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol too short: %q", raw)
	}
	tail := s[len(s)-15:]
	root := Normalize(s[:len(s)-15])
	if root == "" {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("option symbol missing root: %q", raw)
	}
	exp, perr := time.Parse("060102", tail[:6])
	if perr != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("bad expiration in %q: %w", raw, perr)
	}
	cp := strings.ToUpper(tail[6:7])
	if cp != "C" && cp != "P" {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("bad call/put flag in %q", raw)
	}
	milli, perr := decimal.NewFromString(tail[7:])
	if perr != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("bad strike in %q: %w", raw, perr)
	}
	return root, exp, cp, milli.Div(strikeScale), nil
}

// IsOCC reports whether raw looks like an option symbol rather than a bare
// underlying.
func IsOCC(raw string) bool {
	_, _, _, _, err := ParseOCC(raw)
	return err == nil && len(strings.TrimRight(raw, " ")) >= 16
}
