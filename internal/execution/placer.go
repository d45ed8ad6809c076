package execution

import (
	"context"
	"strings"
	"time"

	"ordex/internal/gateway/broker"
	"ordex/internal/logger"
	"ordex/internal/policy"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
)

// Placer submits the throttled order and recovers from rejections caused by
// fee/margin rounding. Margin requirements are not perfectly predictable from
// balances, so this loop is a bounded, monotonically shrinking quantity
// search, never a price search.
type Placer struct {
	brk   broker.Broker
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPlacer(brk broker.Broker) *Placer {
	return &Placer{brk: brk, sleep: contextSleep}
}

// PlaceResult reports the standing order (nil for dry runs) and how the
// search went.
type PlaceResult struct {
	Order    *broker.Order
	Quantity int64
	Price    decimal.Decimal
	Attempts int
	DryRun   bool
	Warnings []broker.APIError
}

// Place tries quantities qty, qty-1, ... until the venue accepts or the
// retry budget runs out. Only insufficient-funds rejections on buys shrink
// the quantity; everything else fails immediately with the venue's errors
// verbatim.
func (p *Placer) Place(ctx context.Context, intent types.OrderIntent, qty int64, price decimal.Decimal, pol policy.Policy) (*PlaceResult, error) {
	var lastErrs []broker.APIError

	for attempt := 0; attempt <= pol.PlacementMaxRetries; attempt++ {
		ticket := broker.OrderTicket{
			Instrument:  intent.Instrument,
			Action:      intent.Direction,
			Quantity:    qty,
			LimitPrice:  price,
			TimeInForce: "Day",
		}
		resp, err := p.brk.PlaceOrder(ctx, ticket, intent.DryRun)
		if err == nil && resp.OK() {
			if attempt > 0 {
				logger.Infof("placement accepted after %d retries at quantity %d (%s)", attempt, qty, intent.Instrument)
			}
			return &PlaceResult{
				Order:    resp.Order,
				Quantity: qty,
				Price:    price,
				Attempts: attempt + 1,
				DryRun:   intent.DryRun,
				Warnings: resp.Warnings,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErrs = resp.Errors
		if err != nil && len(lastErrs) == 0 {
			lastErrs = []broker.APIError{{Message: err.Error()}}
		}
		text := broker.JoinErrors(lastErrs)

		if intent.Direction.IsBuy() && qty > 1 && isInsufficientFunds(text) {
			if attempt == pol.PlacementMaxRetries {
				break
			}
			logger.Warnf("placement rejected for margin (%s), retrying at quantity %d: %s", intent.Instrument, qty-1, text)
			qty--
			if serr := p.sleep(ctx, pol.PlacementRetryDelay()); serr != nil {
				return nil, serr
			}
			continue
		}

		return nil, failuref(CodeBrokerRejection, "order rejected placing %s x%d", intent.Instrument, qty).
			withBrokerErrors(lastErrs).withCause(err)
	}

	return nil, failuref(CodeBrokerRejection, "placement retries exhausted for %s", intent.Instrument).
		withBrokerErrors(lastErrs)
}

// insufficient-funds phrasing the venue uses across order types.
var insufficientFundsMarkers = []string{
	"buying power",
	"insufficient funds",
	"margin requirement",
}

func isInsufficientFunds(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range insufficientFundsMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// contextSleep waits d or until ctx is done, whichever comes first.
func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
