package symbol

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SPY", Normalize("  spy "))
	assert.Equal(t, "BRK.B", Normalize("brk.b"))
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		symbol string
		valid  bool
	}{
		{"SPY", true},
		{" intc ", true},
		{"BRK.B", true},
		{"BRK/B", true},
		{"GOOGL", true},
		{"", false},
		{"TOOLONGX", false},
		{"BAD!", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValid(tc.symbol), "symbol %q", tc.symbol)
	}
}

func TestOCCPadsRootAndScalesStrike(t *testing.T) {
	exp := time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "INTC  260116C00050000", OCC("intc", exp, "C", decimal.NewFromInt(50)))
	assert.Equal(t, "F     260116P00012500", OCC("F", exp, "p", decimal.NewFromFloat(12.5)))
	assert.Equal(t, "GOOGL 260116C02500000", OCC("GOOGL", exp, "C", decimal.NewFromInt(2500)))
}

func TestParseOCCRoundTrip(t *testing.T) {
	root, exp, cp, strike, err := ParseOCC("INTC  260116C00050000")
	assert.NoError(t, err)
	assert.Equal(t, "INTC", root)
	assert.Equal(t, "2026-01-16", exp.Format("2006-01-02"))
	assert.Equal(t, "C", cp)
	assert.Equal(t, "50", strike.String())
	assert.Equal(t, "INTC  260116C00050000", OCC(root, exp, cp, strike))
}

func TestParseOCCToleratesStrippedPadding(t *testing.T) {
	root, exp, cp, strike, err := ParseOCC("INTC260116P00012500")
	assert.NoError(t, err)
	assert.Equal(t, "INTC", root)
	assert.Equal(t, "2026-01-16", exp.Format("2006-01-02"))
	assert.Equal(t, "P", cp)
	assert.Equal(t, "12.5", strike.String())
}

func TestParseOCCRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"too short", "SPY"},
		{"blank root", "      260116C00050000"},
		{"bad expiration", "INTC  26AB16C00050000"},
		{"bad flag", "INTC  260116X00050000"},
		{"bad strike", "INTC  260116C000500AB"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, _, err := ParseOCC(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestIsOCC(t *testing.T) {
	assert.True(t, IsOCC("INTC  260116C00050000"))
	assert.True(t, IsOCC("F     260116P00012500"))
	assert.False(t, IsOCC("INTC"))
	assert.False(t, IsOCC("INTC  260116C00050000X"))
}
