// Package risk sizes an order intent against what the account can actually
// carry. The throttle is a pure function: callers fetch balances, positions
// and live orders immediately before invoking it because those inputs go
// stale the moment another order fills.
package risk

import (
	"fmt"

	"ordex/internal/gateway/broker"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonInsufficientBuyingPower Reason = "insufficient_buying_power"
	ReasonNoSellableQuantity      Reason = "no_sellable_quantity"
)

// AccountState is the fresh account snapshot the throttle works from.
type AccountState struct {
	Balances   broker.Balances
	Positions  []broker.Position
	LiveOrders []broker.Order
}

// Decision is the throttle output: how many units may trade and at what
// price. Admissible == 0 always carries a Reason.
type Decision struct {
	Admissible int64
	Price      decimal.Decimal
	OrderValue decimal.Decimal
	Reduced    bool
	Reason     Reason
	Detail     string
}

func (d Decision) Rejected() bool {
	return d.Admissible <= 0
}

// Throttle computes the admissible quantity for intent. Buys are capped at
// min(available buying power, maxPositionPct × net liquidating value); sells
// at the position quantity not already committed to other live closing
// orders. Quantity only ever shrinks.
func Throttle(intent types.OrderIntent, quote broker.Quote, state AccountState, maxPositionPct decimal.Decimal) Decision {
	price := priceFor(intent, quote)
	multiplier := decimal.NewFromInt(intent.Instrument.Multiplier())
	unitCost := price.Mul(multiplier)

	if unitCost.LessThanOrEqual(decimal.Zero) {
		return Decision{
			Price:  price,
			Reason: rejectReason(intent.Direction),
			Detail: fmt.Sprintf("no usable price for %s (bid=%s ask=%s)", intent.Instrument, quote.Bid, quote.Ask),
		}
	}

	if intent.Direction.IsBuy() {
		return throttleBuy(intent, price, unitCost, state, maxPositionPct)
	}
	return throttleSell(intent, price, unitCost, state)
}

func throttleBuy(intent types.OrderIntent, price, unitCost decimal.Decimal, state AccountState, maxPositionPct decimal.Decimal) Decision {
	bp := state.Balances.AvailableBuyingPower
	nlvCap := state.Balances.NetLiquidatingValue.Mul(maxPositionPct)
	ceiling := decimal.Min(bp, nlvCap)

	qty := intent.Quantity
	orderValue := unitCost.Mul(decimal.NewFromInt(qty))
	reduced := false
	if orderValue.GreaterThan(ceiling) {
		qty = ceiling.Div(unitCost).Floor().IntPart()
		reduced = true
	}
	if qty <= 0 {
		return Decision{
			Price:  price,
			Reason: ReasonInsufficientBuyingPower,
			Detail: fmt.Sprintf("order value %s exceeds ceiling %s (buying power %s, %s%% of NLV %s)",
				orderValue.StringFixed(2), ceiling.StringFixed(2), bp.StringFixed(2),
				maxPositionPct.Mul(decimal.NewFromInt(100)).StringFixed(0), nlvCap.StringFixed(2)),
		}
	}
	d := Decision{
		Admissible: qty,
		Price:      price,
		OrderValue: unitCost.Mul(decimal.NewFromInt(qty)),
		Reduced:    reduced,
	}
	if reduced {
		d.Detail = fmt.Sprintf("quantity reduced %d -> %d to fit ceiling %s", intent.Quantity, qty, ceiling.StringFixed(2))
	}
	return d
}

func throttleSell(intent types.OrderIntent, price, unitCost decimal.Decimal, state AccountState) Decision {
	held := positionQuantity(state.Positions, intent.Instrument)
	pending := pendingSellQuantity(state.LiveOrders, intent.Instrument)
	available := held - pending

	if available <= 0 {
		return Decision{
			Price:  price,
			Reason: ReasonNoSellableQuantity,
			Detail: fmt.Sprintf("position %d, already committed to live sells %d", held, pending),
		}
	}
	qty := intent.Quantity
	reduced := false
	if qty > available {
		qty = available
		reduced = true
	}
	d := Decision{
		Admissible: qty,
		Price:      price,
		OrderValue: unitCost.Mul(decimal.NewFromInt(qty)),
		Reduced:    reduced,
	}
	if reduced {
		d.Detail = fmt.Sprintf("quantity reduced %d -> %d (position %d, pending sells %d)", intent.Quantity, qty, held, pending)
	}
	return d
}

// priceFor picks the caller's limit when given, otherwise the side of book
// the order crosses: ask for buys, bid for sells.
func priceFor(intent types.OrderIntent, quote broker.Quote) decimal.Decimal {
	if intent.LimitPrice != nil {
		return *intent.LimitPrice
	}
	if intent.Direction.IsBuy() {
		return quote.Ask
	}
	return quote.Bid
}

func rejectReason(d types.Direction) Reason {
	if d.IsBuy() {
		return ReasonInsufficientBuyingPower
	}
	return ReasonNoSellableQuantity
}

func positionQuantity(positions []broker.Position, instrument types.Instrument) int64 {
	key := instrument.Key()
	total := decimal.Zero
	for _, p := range positions {
		if p.Short || p.Instrument.Key() != key {
			continue
		}
		total = total.Add(p.Quantity)
	}
	return total.Floor().IntPart()
}

// pendingSellQuantity sums quantity already resting on working SellToClose
// orders for the instrument, so two jobs cannot promise the same shares.
func pendingSellQuantity(orders []broker.Order, instrument types.Instrument) int64 {
	var total int64
	for _, o := range orders {
		if !o.Status.Working() {
			continue
		}
		total += o.CommittedQuantity(instrument, types.SellToClose)
	}
	return total
}
