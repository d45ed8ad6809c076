package risk

import (
	"testing"

	"ordex/internal/gateway/broker"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func buyIntent(symbol string, qty int64) types.OrderIntent {
	return types.OrderIntent{
		Instrument: types.Instrument{Symbol: symbol},
		Direction:  types.BuyToOpen,
		Quantity:   qty,
	}
}

func sellIntent(symbol string, qty int64) types.OrderIntent {
	return types.OrderIntent{
		Instrument: types.Instrument{Symbol: symbol},
		Direction:  types.SellToClose,
		Quantity:   qty,
	}
}

func quote(bid, ask string) broker.Quote {
	return broker.Quote{
		Bid: decimal.RequireFromString(bid),
		Ask: decimal.RequireFromString(ask),
	}
}

func accountWith(bp, nlv string) AccountState {
	return AccountState{
		Balances: broker.Balances{
			AvailableBuyingPower: decimal.RequireFromString(bp),
			NetLiquidatingValue:  decimal.RequireFromString(nlv),
		},
	}
}

func longPosition(symbol string, qty int64) broker.Position {
	return broker.Position{
		Instrument: types.Instrument{Symbol: symbol},
		Quantity:   decimal.NewFromInt(qty),
	}
}

func workingSell(symbol string, qty int64) broker.Order {
	return broker.Order{
		ID:     "o-1",
		Status: broker.OrderLive,
		Legs: []broker.OrderLeg{{
			Instrument: types.Instrument{Symbol: symbol},
			Action:     types.SellToClose,
			Quantity:   qty,
		}},
	}
}

var fortyPct = decimal.RequireFromString("0.40")

func TestThrottleBuyWithinCeiling(t *testing.T) {
	d := Throttle(buyIntent("XYZ", 3), quote("9.98", "10.02"), accountWith("1000", "10000"), fortyPct)

	assert.False(t, d.Rejected())
	assert.Equal(t, int64(3), d.Admissible)
	assert.False(t, d.Reduced)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("10.02")), "buys price at the ask, got %s", d.Price)
}

func TestThrottleBuyReducesToBuyingPower(t *testing.T) {
	// $50 of buying power against a $10.02 ask: floor(50/10.02) = 4.
	d := Throttle(buyIntent("XYZ", 10), quote("9.98", "10.02"), accountWith("50", "100000"), fortyPct)

	assert.Equal(t, int64(4), d.Admissible)
	assert.True(t, d.Reduced)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("10.02")))
	assert.True(t, d.OrderValue.LessThanOrEqual(decimal.NewFromInt(50)),
		"order value %s must fit the ceiling", d.OrderValue)
}

func TestThrottleBuyNLVCapBinds(t *testing.T) {
	// Buying power is huge but 40% of NLV is not; the option multiplier
	// makes each contract cost 100x.
	intent := types.OrderIntent{
		Instrument: types.Instrument{
			Symbol: "INTC",
			Option: &types.OptionDescriptor{
				Type:   types.Call,
				Strike: decimal.NewFromInt(50),
			},
		},
		Direction: types.BuyToOpen,
		Quantity:  20,
	}
	// ceiling = min(1_000_000, 0.40×10_000) = 4000; contract cost = 2.50×100.
	d := Throttle(intent, quote("2.40", "2.50"), accountWith("1000000", "10000"), fortyPct)

	assert.Equal(t, int64(16), d.Admissible)
	assert.True(t, d.Reduced)
	assert.True(t, d.OrderValue.LessThanOrEqual(decimal.NewFromInt(4000)))
}

func TestThrottleBuyRejectsWhenNothingFits(t *testing.T) {
	d := Throttle(buyIntent("XYZ", 1), quote("9.98", "10.02"), accountWith("5", "100000"), fortyPct)

	assert.True(t, d.Rejected())
	assert.Equal(t, ReasonInsufficientBuyingPower, d.Reason)
	assert.NotEmpty(t, d.Detail)
}

func TestThrottleBuyCeilingProperty(t *testing.T) {
	cases := []struct {
		name string
		bp   string
		nlv  string
		ask  string
		qty  int64
	}{
		{"bp binds", "333", "100000", "7.13", 100},
		{"nlv binds", "100000", "500", "3.01", 500},
		{"exact fit", "100", "100000", "10.00", 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Throttle(buyIntent("ABC", tc.qty), quote("1.00", tc.ask), accountWith(tc.bp, tc.nlv), fortyPct)
			ceiling := decimal.Min(
				decimal.RequireFromString(tc.bp),
				decimal.RequireFromString(tc.nlv).Mul(fortyPct),
			)
			assert.True(t, d.Admissible <= tc.qty)
			assert.True(t, d.OrderValue.LessThanOrEqual(ceiling),
				"order value %s exceeds ceiling %s", d.OrderValue, ceiling)
		})
	}
}

func TestThrottleSellClampsToAvailable(t *testing.T) {
	state := AccountState{
		Positions:  []broker.Position{longPosition("XYZ", 10)},
		LiveOrders: []broker.Order{workingSell("XYZ", 4)},
	}
	d := Throttle(sellIntent("XYZ", 8), quote("9.98", "10.02"), state, fortyPct)

	assert.Equal(t, int64(6), d.Admissible)
	assert.True(t, d.Reduced)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("9.98")), "sells price at the bid, got %s", d.Price)
}

func TestThrottleSellRejectsWhenFullyCommitted(t *testing.T) {
	state := AccountState{
		Positions:  []broker.Position{longPosition("XYZ", 5)},
		LiveOrders: []broker.Order{workingSell("XYZ", 5)},
	}
	d := Throttle(sellIntent("XYZ", 1), quote("9.98", "10.02"), state, fortyPct)

	assert.True(t, d.Rejected())
	assert.Equal(t, ReasonNoSellableQuantity, d.Reason)
}

func TestThrottleSellIgnoresFilledOrders(t *testing.T) {
	done := workingSell("XYZ", 5)
	done.Status = broker.OrderFilled
	state := AccountState{
		Positions:  []broker.Position{longPosition("XYZ", 5)},
		LiveOrders: []broker.Order{done},
	}
	d := Throttle(sellIntent("XYZ", 5), quote("9.98", "10.02"), state, fortyPct)

	assert.Equal(t, int64(5), d.Admissible)
	assert.False(t, d.Reduced)
}

func TestThrottleSellNoPosition(t *testing.T) {
	d := Throttle(sellIntent("XYZ", 1), quote("9.98", "10.02"), AccountState{}, fortyPct)

	assert.True(t, d.Rejected())
	assert.Equal(t, ReasonNoSellableQuantity, d.Reason)
}

func TestThrottleCallerPriceOverride(t *testing.T) {
	intent := buyIntent("XYZ", 2)
	limit := decimal.RequireFromString("9.50")
	intent.LimitPrice = &limit

	d := Throttle(intent, quote("9.98", "10.02"), accountWith("1000", "10000"), fortyPct)

	assert.True(t, d.Price.Equal(limit))
	assert.Equal(t, int64(2), d.Admissible)
}

func TestThrottleRejectsUnusableQuote(t *testing.T) {
	d := Throttle(buyIntent("XYZ", 1), quote("0", "0"), accountWith("1000", "10000"), fortyPct)

	assert.True(t, d.Rejected())
	assert.Contains(t, d.Detail, "no usable price")
}
