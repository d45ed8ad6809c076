package broker

import (
	"strings"
	"time"

	"ordex/internal/types"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string          // venue symbol the quote was served for
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	UpdatedAt time.Time
}

func (q Quote) Mid() decimal.Decimal {
	two := decimal.NewFromInt(2)
	return q.Bid.Add(q.Ask).Div(two)
}

// Balances carries the two numbers the risk throttle works from plus the raw
// extras the admin surface reports.
type Balances struct {
	AvailableBuyingPower decimal.Decimal
	NetLiquidatingValue  decimal.Decimal
	CashBalance          decimal.Decimal
	MaintenanceExcess    decimal.Decimal
	UpdatedAt            time.Time
}

// Position is one holding as the venue reports it. Quantity keeps the
// venue's decimal form; fractional shares floor during risk math.
type Position struct {
	Instrument types.Instrument
	Quantity   decimal.Decimal
	Short      bool
	AvgPrice   decimal.Decimal
}

type OrderStatus string

const (
	OrderLive      OrderStatus = "Live"
	OrderReceived  OrderStatus = "Received"
	OrderFilled    OrderStatus = "Filled"
	OrderCancelled OrderStatus = "Cancelled"
	OrderRejected  OrderStatus = "Rejected"
	OrderExpired   OrderStatus = "Expired"
)

// Working reports whether the venue still considers the order open.
func (s OrderStatus) Working() bool {
	return s == OrderLive || s == OrderReceived
}

type OrderLeg struct {
	Instrument types.Instrument
	Action     types.Direction
	Quantity   int64
	Remaining  int64
}

// Order is a broker-side order snapshot.
type Order struct {
	ID          string
	Status      OrderStatus
	LimitPrice  decimal.Decimal // absolute; PriceEffect carries the sign
	PriceEffect string          // "Debit" | "Credit"
	TimeInForce string
	Legs        []OrderLeg
	UpdatedAt   time.Time
}

// CommittedQuantity sums the quantity this order holds against instrument in
// the given direction. Used to compute sellable quantity.
func (o Order) CommittedQuantity(instrument types.Instrument, action types.Direction) int64 {
	var total int64
	key := instrument.Key()
	for _, leg := range o.Legs {
		if leg.Action == action && leg.Instrument.Key() == key {
			total += leg.Quantity
		}
	}
	return total
}

// OrderTicket is the single-leg limit order the engine submits. LimitPrice is
// absolute; the gateway derives the venue's debit/credit sign from Action.
type OrderTicket struct {
	Instrument  types.Instrument
	Action      types.Direction
	Quantity    int64
	LimitPrice  decimal.Decimal
	TimeInForce string // defaults to "Day"
}

func (t OrderTicket) PriceEffect() string {
	if t.Action.IsBuy() {
		return "Debit"
	}
	return "Credit"
}

// APIError is one broker-reported error, preserved verbatim.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e APIError) String() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// JoinErrors renders a broker error list for logs and failure reasons.
func JoinErrors(errs []APIError) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// OrderResponse mirrors the venue's envelope: a resulting order plus error
// and warning lists. Dry-run responses carry no order.
type OrderResponse struct {
	Order    *Order
	Errors   []APIError
	Warnings []APIError
}

func (r OrderResponse) OK() bool {
	return len(r.Errors) == 0
}
