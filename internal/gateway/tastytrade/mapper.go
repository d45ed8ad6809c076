package tastytrade

import (
	"fmt"
	"strings"
	"time"

	"ordex/internal/gateway/broker"
	"ordex/internal/pkg/convert"
	"ordex/internal/pkg/symbol"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type orderLegPayload struct {
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Action         string `json:"action"`
	Quantity       int64  `json:"quantity"`
}

// orderPayload 是下单请求体。价格恒为正数，方向由 price-effect 表达。
type orderPayload struct {
	TimeInForce string            `json:"time-in-force"`
	OrderType   string            `json:"order-type"`
	Price       string            `json:"price"`
	PriceEffect string            `json:"price-effect"`
	Legs        []orderLegPayload `json:"legs"`
}

func buildOrderPayload(ticket broker.OrderTicket) orderPayload {
	tif := strings.TrimSpace(ticket.TimeInForce)
	if tif == "" {
		tif = "Day"
	}
	return orderPayload{
		TimeInForce: tif,
		OrderType:   "Limit",
		Price:       ticket.LimitPrice.Abs().String(),
		PriceEffect: ticket.PriceEffect(),
		Legs: []orderLegPayload{{
			InstrumentType: instrumentTypeOf(ticket.Instrument),
			Symbol:         venueSymbol(ticket.Instrument),
			Action:         venueAction(ticket.Action),
			Quantity:       ticket.Quantity,
		}},
	}
}

func instrumentTypeOf(i types.Instrument) string {
	if i.IsOption() {
		return "Equity Option"
	}
	return "Equity"
}

// venueSymbol renders the symbol the brokerage keys the instrument by:
// bare underlying for equities, the padded OCC code for options.
func venueSymbol(i types.Instrument) string {
	if !i.IsOption() {
		return symbol.Normalize(i.Symbol)
	}
	return symbol.OCC(i.Symbol, i.Option.Expiration, string(i.Option.Type), i.Option.Strike)
}

func quoteParam(i types.Instrument) string {
	if i.IsOption() {
		return "equity-option"
	}
	return "equity"
}

func venueAction(d types.Direction) string {
	switch d {
	case types.BuyToOpen:
		return "Buy to Open"
	case types.SellToClose:
		return "Sell to Close"
	default:
		return string(d)
	}
}

// legDirection parses venue leg actions, keeping foreign ones ("Sell to
// Open" from manual trades) in canonical form so they never match an
// engine direction but stay readable in listings.
func legDirection(raw string) types.Direction {
	if d, err := types.ParseDirection(raw); err == nil {
		return d
	}
	return types.Direction(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")))
}

// parseInstrument rebuilds the engine instrument from a venue symbol. OCC
// codes split back into underlying plus descriptor; anything unparseable
// stays a bare symbol so listings never drop rows.
func parseInstrument(raw, instrumentType string) types.Instrument {
	trimmed := strings.TrimRight(raw, " ")
	isOption := strings.EqualFold(strings.TrimSpace(instrumentType), "Equity Option") || symbol.IsOCC(raw)
	if isOption {
		underlying, expiration, callPut, strike, err := symbol.ParseOCC(raw)
		if err == nil {
			return types.Instrument{
				Symbol: underlying,
				Option: &types.OptionDescriptor{
					Expiration: expiration,
					Type:       types.OptionType(callPut),
					Strike:     strike,
				},
			}
		}
	}
	return types.Instrument{Symbol: symbol.Normalize(trimmed)}
}

var orderStatusByVenue = map[string]broker.OrderStatus{
	"live":              broker.OrderLive,
	"received":          broker.OrderReceived,
	"routed":            broker.OrderReceived,
	"in flight":         broker.OrderReceived,
	"contingent":        broker.OrderReceived,
	"replace requested": broker.OrderReceived,
	"filled":            broker.OrderFilled,
	"cancel requested":  broker.OrderCancelled,
	"cancelled":         broker.OrderCancelled,
	"removed":           broker.OrderCancelled,
	"partially removed": broker.OrderCancelled,
	"expired":           broker.OrderExpired,
	"rejected":          broker.OrderRejected,
}

func mapOrderStatus(raw string) broker.OrderStatus {
	if st, ok := orderStatusByVenue[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return st
	}
	return broker.OrderStatus(raw)
}

func parseVenueTime(res gjson.Result) time.Time {
	switch res.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, res.String()); err == nil {
			return ts
		}
	case gjson.Number:
		if ms := res.Int(); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}

// firstDecimal probes keys in order and returns the first present value.
// Balance payloads shift field names across account types.
func firstDecimal(res gjson.Result, keys ...string) decimal.Decimal {
	for _, key := range keys {
		if v := res.Get(key); v.Exists() {
			return convert.ToDecimal(v.Value())
		}
	}
	return decimal.Zero
}

func parseOrder(res gjson.Result) broker.Order {
	order := broker.Order{
		ID:          res.Get("id").String(),
		Status:      mapOrderStatus(res.Get("status").String()),
		LimitPrice:  convert.ToDecimal(res.Get("price").Value()).Abs(),
		PriceEffect: res.Get("price-effect").String(),
		TimeInForce: res.Get("time-in-force").String(),
		UpdatedAt:   parseVenueTime(res.Get("updated-at")),
	}
	for _, leg := range res.Get("legs").Array() {
		order.Legs = append(order.Legs, broker.OrderLeg{
			Instrument: parseInstrument(leg.Get("symbol").String(), leg.Get("instrument-type").String()),
			Action:     legDirection(leg.Get("action").String()),
			Quantity:   leg.Get("quantity").Int(),
			Remaining:  leg.Get("remaining-quantity").Int(),
		})
	}
	return order
}

// parseOrderBody handles both shapes the venue serves single orders in:
// the order nested under data.order and the order as data itself.
func parseOrderBody(body []byte) broker.Order {
	data := gjson.GetBytes(body, "data")
	if nested := data.Get("order"); nested.Exists() {
		return parseOrder(nested)
	}
	return parseOrder(data)
}

func parseOrders(body []byte) []broker.Order {
	items := gjson.GetBytes(body, "data.items").Array()
	orders := make([]broker.Order, 0, len(items))
	for _, item := range items {
		orders = append(orders, parseOrder(item))
	}
	return orders
}

func parseOrderResponse(body []byte) broker.OrderResponse {
	resp := broker.OrderResponse{Warnings: parseErrorList(gjson.GetBytes(body, "data.warnings"))}
	data := gjson.GetBytes(body, "data")
	orderNode := data.Get("order")
	if !orderNode.Exists() && data.Get("id").Exists() {
		orderNode = data
	}
	if orderNode.Exists() {
		order := parseOrder(orderNode)
		resp.Order = &order
	}
	return resp
}

func parseErrorList(res gjson.Result) []broker.APIError {
	items := res.Array()
	if len(items) == 0 {
		return nil
	}
	out := make([]broker.APIError, 0, len(items))
	for _, item := range items {
		if item.Type == gjson.String {
			out = append(out, broker.APIError{Message: item.String()})
			continue
		}
		out = append(out, broker.APIError{
			Code:    item.Get("code").String(),
			Message: item.Get("message").String(),
		})
	}
	return out
}

// parseAPIErrors decodes the venue's error envelope. Bodies that carry no
// recognizable structure fall back to a raw snippet so nothing is lost.
func parseAPIErrors(body []byte, status int) []broker.APIError {
	root := gjson.GetBytes(body, "error")
	var out []broker.APIError
	if root.Exists() {
		out = append(out, parseErrorList(root.Get("errors"))...)
		if msg := root.Get("message").String(); msg != "" && len(out) == 0 {
			out = append(out, broker.APIError{Code: root.Get("code").String(), Message: msg})
		}
	}
	if len(out) == 0 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		if snippet == "" {
			snippet = fmt.Sprintf("HTTP %d with empty body", status)
		}
		out = append(out, broker.APIError{Message: snippet})
	}
	return out
}

func extractSessionToken(body []byte) string {
	return strings.TrimSpace(gjson.GetBytes(body, "data.session-token").String())
}

func parseQuote(body []byte, instrument types.Instrument) (broker.Quote, error) {
	items := gjson.GetBytes(body, "data.items").Array()
	if len(items) == 0 {
		return broker.Quote{}, fmt.Errorf("no market data returned for %s", instrument)
	}
	item := items[0]
	quote := broker.Quote{
		Symbol:    item.Get("symbol").String(),
		Bid:       firstDecimal(item, "bid", "bid-price"),
		Ask:       firstDecimal(item, "ask", "ask-price"),
		UpdatedAt: time.Now().UTC(),
	}
	if quote.Bid.IsZero() && quote.Ask.IsZero() {
		return broker.Quote{}, fmt.Errorf("market data for %s carried no prices", instrument)
	}
	return quote, nil
}

func parseBalances(body []byte) broker.Balances {
	data := gjson.GetBytes(body, "data")
	return broker.Balances{
		AvailableBuyingPower: firstDecimal(data, "derivative-buying-power", "equity-buying-power", "cash-available-to-withdraw"),
		NetLiquidatingValue:  firstDecimal(data, "net-liquidating-value"),
		CashBalance:          firstDecimal(data, "cash-balance"),
		MaintenanceExcess:    firstDecimal(data, "maintenance-excess"),
		UpdatedAt:            time.Now().UTC(),
	}
}

func parsePositions(body []byte) []broker.Position {
	items := gjson.GetBytes(body, "data.items").Array()
	positions := make([]broker.Position, 0, len(items))
	for _, item := range items {
		quantity := convert.ToDecimal(item.Get("quantity").Value()).Abs()
		if quantity.IsZero() {
			continue
		}
		positions = append(positions, broker.Position{
			Instrument: parseInstrument(item.Get("symbol").String(), item.Get("instrument-type").String()),
			Quantity:   quantity,
			Short:      strings.EqualFold(item.Get("quantity-direction").String(), "Short"),
			AvgPrice:   convert.ToDecimal(item.Get("average-open-price").Value()),
		})
	}
	return positions
}
