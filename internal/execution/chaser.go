package execution

import (
	"context"
	"errors"
	"time"

	"ordex/internal/gateway/broker"
	"ordex/internal/logger"
	"ordex/internal/policy"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
)

// Chaser works a resting limit order toward a fill by walking its price one
// tick toward the market each poll. It owns the order from placement until a
// terminal outcome and cancels whatever is still resting when the attempt
// budget runs out.
type Chaser struct {
	brk   broker.Broker
	sleep func(ctx context.Context, d time.Duration) error
}

func NewChaser(brk broker.Broker) *Chaser {
	return &Chaser{brk: brk, sleep: contextSleep}
}

type ChaseResult struct {
	Order      broker.Order
	FinalPrice decimal.Decimal
	Attempts   int
	Replaced   int
}

// Chase polls the order up to pol.ChaseAttempts times at pol.ChaseInterval.
// Filled ends in success; a vanished order or a foreign status ends in an
// uncertain failure; exhaustion issues one best-effort cancel and fails with
// CodeNotFilledAfterChase.
func (c *Chaser) Chase(ctx context.Context, direction types.Direction, order broker.Order, quantity int64, pol policy.Policy) (*ChaseResult, error) {
	current := order
	price := order.LimitPrice
	replaced := 0

	for attempt := 1; attempt <= pol.ChaseAttempts; attempt++ {
		if err := c.sleep(ctx, pol.ChaseInterval()); err != nil {
			return nil, err
		}

		fetched, err := c.brk.GetOrder(ctx, current.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, broker.ErrOrderNotFound) {
				return nil, failuref(CodeOrderVanished,
					"order %s disappeared during chase; it may have filled or been cancelled externally", current.ID).
					withCause(err)
			}
			// Transient lookup fault. The order is still resting, so burn
			// the attempt and poll again.
			logger.Warnf("chase poll %d/%d: fetching order %s failed: %v", attempt, pol.ChaseAttempts, current.ID, err)
			continue
		}
		current = *fetched

		if current.Status == broker.OrderFilled {
			logger.Infof("order %s filled after %d polls (%d reprices)", current.ID, attempt, replaced)
			return &ChaseResult{Order: current, FinalPrice: price, Attempts: attempt, Replaced: replaced}, nil
		}
		if !current.Status.Working() {
			return nil, failuref(CodeUnexpectedOrderStatus,
				"order %s reached status %s during chase", current.ID, current.Status)
		}

		next := nextChasePrice(price, direction, pol.TickSize())
		if next.LessThanOrEqual(decimal.Zero) {
			logger.Warnf("chase poll %d/%d: tick would take order %s price to %s, holding at %s",
				attempt, pol.ChaseAttempts, current.ID, next, price)
			continue
		}
		ticket := broker.OrderTicket{
			Instrument:  legInstrument(current, direction),
			Action:      direction,
			Quantity:    quantity,
			LimitPrice:  next,
			TimeInForce: current.TimeInForce,
		}
		resp, rerr := c.brk.ReplaceOrder(ctx, current.ID, ticket)
		if rerr != nil || !resp.OK() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Replace failures do not stop the chase: the previous order is
			// still live at its old price.
			logger.Warnf("chase poll %d/%d: replace of %s at %s failed: %v %s",
				attempt, pol.ChaseAttempts, current.ID, next, rerr, broker.JoinErrors(resp.Errors))
			continue
		}
		if resp.Order != nil {
			current = *resp.Order
		}
		price = next
		replaced++
		logger.Debugf("chase poll %d/%d: repriced %s to %s", attempt, pol.ChaseAttempts, current.ID, price)
	}

	// Budget exhausted. Cancel best-effort; a cancel failure never upgrades
	// this to a worse outcome.
	if cerr := c.brk.CancelOrder(ctx, current.ID); cerr != nil {
		logger.Warnf("cancel of unfilled order %s failed: %v", current.ID, cerr)
	} else {
		logger.Infof("cancelled unfilled order %s after %d chase attempts", current.ID, pol.ChaseAttempts)
	}
	return nil, failuref(CodeNotFilledAfterChase,
		"order %s not filled after %d repricing attempts", current.ID, pol.ChaseAttempts)
}

// nextChasePrice moves one tick toward the market: up for buys, down for
// sells.
func nextChasePrice(price decimal.Decimal, direction types.Direction, tick decimal.Decimal) decimal.Decimal {
	if direction.IsBuy() {
		return price.Add(tick)
	}
	return price.Sub(tick)
}

func legInstrument(order broker.Order, direction types.Direction) types.Instrument {
	for _, leg := range order.Legs {
		if leg.Action == direction {
			return leg.Instrument
		}
	}
	if len(order.Legs) > 0 {
		return order.Legs[0].Instrument
	}
	return types.Instrument{}
}
