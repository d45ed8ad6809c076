package execution

import (
	"context"
	"testing"

	"ordex/internal/gateway/broker"
	"ordex/internal/policy"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestExecutor(mb *MockBroker) *Executor {
	e := NewExecutor(mb, policy.Static(testPolicy()))
	e.placer.sleep = fastSleep
	e.chaser.sleep = fastSleep
	return e
}

func xyzQuote() broker.Quote {
	return broker.Quote{
		Symbol: "XYZ",
		Bid:    decimal.RequireFromString("9.98"),
		Ask:    decimal.RequireFromString("10.02"),
	}
}

func TestExecutorBuyReducedAndFilled(t *testing.T) {
	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).Return(xyzQuote(), nil).Once()
	mb.On("GetBalances", mock.Anything).Return(broker.Balances{
		AvailableBuyingPower: decimal.NewFromInt(50),
		NetLiquidatingValue:  decimal.NewFromInt(100000),
	}, nil).Once()

	var placedTicket broker.OrderTicket
	mb.On("PlaceOrder", mock.Anything, mock.Anything, false).
		Return(accepted(liveOrder("o-1", "10.02")), nil).Once().
		Run(func(args mock.Arguments) { placedTicket = args.Get(1).(broker.OrderTicket) })
	mb.On("GetOrder", mock.Anything, "o-1").
		Return(withStatus(liveOrder("o-1", "10.02"), broker.OrderFilled), nil).Once()

	out, err := newTestExecutor(mb).Execute(context.Background(), buyXYZ(5))

	assert.NoError(t, err)
	// 50 of buying power at 10.02 a share affords 4 of the 5 requested.
	assert.Equal(t, int64(4), placedTicket.Quantity)
	assert.Equal(t, "10.02", placedTicket.LimitPrice.String(), "buys price off the ask")
	assert.Equal(t, int64(5), out.Requested)
	assert.Equal(t, int64(4), out.Admissible)
	assert.True(t, out.Reduced)
	assert.Equal(t, "o-1", out.OrderID)
	assert.NotEmpty(t, out.Detail)
	mb.AssertExpectations(t)
}

func TestExecutorSellPricesOffBid(t *testing.T) {
	xyz := types.Instrument{Symbol: "XYZ"}
	held := broker.Position{Instrument: xyz, Quantity: decimal.NewFromInt(6)}
	pending := broker.Order{
		Status: broker.OrderLive,
		Legs:   []broker.OrderLeg{{Instrument: xyz, Action: types.SellToClose, Quantity: 2}},
	}

	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).Return(xyzQuote(), nil).Once()
	mb.On("GetPositions", mock.Anything).Return([]broker.Position{held}, nil).Once()
	mb.On("GetLiveOrders", mock.Anything).Return([]broker.Order{pending}, nil).Once()

	var placedTicket broker.OrderTicket
	mb.On("PlaceOrder", mock.Anything, mock.Anything, false).
		Return(accepted(liveOrder("o-9", "9.98")), nil).Once().
		Run(func(args mock.Arguments) { placedTicket = args.Get(1).(broker.OrderTicket) })
	mb.On("GetOrder", mock.Anything, "o-9").
		Return(withStatus(liveOrder("o-9", "9.98"), broker.OrderFilled), nil).Once()

	intent := types.OrderIntent{Instrument: xyz, Direction: types.SellToClose, Quantity: 10}
	out, err := newTestExecutor(mb).Execute(context.Background(), intent)

	assert.NoError(t, err)
	// 6 held minus 2 already resting leaves 4 sellable.
	assert.Equal(t, int64(4), placedTicket.Quantity)
	assert.Equal(t, "9.98", placedTicket.LimitPrice.String(), "sells price off the bid")
	assert.True(t, out.Reduced)
	mb.AssertNotCalled(t, "GetBalances", mock.Anything)
}

func TestExecutorDryRunSkipsChase(t *testing.T) {
	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).Return(xyzQuote(), nil).Once()
	mb.On("GetBalances", mock.Anything).Return(broker.Balances{
		AvailableBuyingPower: decimal.NewFromInt(100000),
		NetLiquidatingValue:  decimal.NewFromInt(100000),
	}, nil).Once()
	mb.On("PlaceOrder", mock.Anything, mock.Anything, true).
		Return(broker.OrderResponse{}, nil).Once()

	intent := buyXYZ(4)
	intent.DryRun = true
	out, err := newTestExecutor(mb).Execute(context.Background(), intent)

	assert.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.Contains(t, out.Detail, "dry-run")
	mb.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
	mb.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestExecutorRejectsUnaffordableBuy(t *testing.T) {
	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).Return(xyzQuote(), nil).Once()
	mb.On("GetBalances", mock.Anything).Return(broker.Balances{
		AvailableBuyingPower: decimal.NewFromInt(5),
		NetLiquidatingValue:  decimal.NewFromInt(10),
	}, nil).Once()

	_, err := newTestExecutor(mb).Execute(context.Background(), buyXYZ(4))

	f, ok := AsFailure(err)
	assert.True(t, ok)
	assert.Equal(t, CodeInsufficientBuyingPower, f.Code)
	mb.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecutorQuoteFailure(t *testing.T) {
	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).
		Return(broker.Quote{}, context.DeadlineExceeded).Once()

	_, err := newTestExecutor(mb).Execute(context.Background(), buyXYZ(4))

	f, ok := AsFailure(err)
	assert.True(t, ok)
	assert.Equal(t, CodeQuoteTimeout, f.Code)
	assert.True(t, f.Code.Retryable())
	mb.AssertNotCalled(t, "GetBalances", mock.Anything)
}

func TestExecutorCallerPriceOverride(t *testing.T) {
	override := decimal.RequireFromString("10.00")

	mb := new(MockBroker)
	mb.On("GetQuote", mock.Anything, mock.Anything).Return(xyzQuote(), nil).Once()
	mb.On("GetBalances", mock.Anything).Return(broker.Balances{
		AvailableBuyingPower: decimal.NewFromInt(100000),
		NetLiquidatingValue:  decimal.NewFromInt(100000),
	}, nil).Once()

	var placedTicket broker.OrderTicket
	mb.On("PlaceOrder", mock.Anything, mock.Anything, false).
		Return(accepted(liveOrder("o-3", "10.00")), nil).Once().
		Run(func(args mock.Arguments) { placedTicket = args.Get(1).(broker.OrderTicket) })
	mb.On("GetOrder", mock.Anything, "o-3").
		Return(withStatus(liveOrder("o-3", "10.00"), broker.OrderFilled), nil).Once()

	intent := buyXYZ(2)
	intent.LimitPrice = &override
	_, err := newTestExecutor(mb).Execute(context.Background(), intent)

	assert.NoError(t, err)
	assert.Equal(t, "10", placedTicket.LimitPrice.String(), "caller limit wins over the quote")
}
