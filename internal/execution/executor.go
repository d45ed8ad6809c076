// Package execution drives one order intent through the full pipeline:
// quote → risk throttle → placement-retry → fill chase. It holds no
// scheduling state; callers serialize invocations.
package execution

import (
	"context"
	"fmt"

	"ordex/internal/gateway/broker"
	"ordex/internal/logger"
	"ordex/internal/policy"
	"ordex/internal/risk"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
)

// Outcome describes a run that ended in a fill or a clean dry-run acceptance.
// Partial successes (reduced quantity) are visible, not hidden.
type Outcome struct {
	OrderID    string
	Requested  int64
	Admissible int64
	FillPrice  decimal.Decimal
	DryRun     bool
	Reduced    bool
	Placements int
	Reprices   int
	Warnings   []broker.APIError
	Detail     string
}

func (o *Outcome) Describe() string {
	if o.DryRun {
		return fmt.Sprintf("dry-run accepted for %d units @ %s", o.Admissible, o.FillPrice)
	}
	msg := fmt.Sprintf("filled %d units @ %s (order %s", o.Admissible, o.FillPrice, o.OrderID)
	if o.Reprices > 0 {
		msg += fmt.Sprintf(", %d reprices", o.Reprices)
	}
	msg += ")"
	if o.Reduced {
		msg += fmt.Sprintf(", quantity reduced from %d", o.Requested)
	}
	return msg
}

type Executor struct {
	brk      broker.Broker
	policies *policy.Registry
	placer   *Placer
	chaser   *Chaser
}

func NewExecutor(brk broker.Broker, policies *policy.Registry) *Executor {
	return &Executor{
		brk:      brk,
		policies: policies,
		placer:   NewPlacer(brk),
		chaser:   NewChaser(brk),
	}
}

// Execute runs the pipeline for one intent. The returned error is a *Failure
// for every terminal outcome in the taxonomy; a bare context error means the
// run was cancelled from outside.
func (e *Executor) Execute(ctx context.Context, intent types.OrderIntent) (*Outcome, error) {
	pol := e.policies.Active()

	quote, err := e.fetchQuote(ctx, intent, pol)
	if err != nil {
		return nil, err
	}

	state, err := e.fetchAccountState(ctx, intent)
	if err != nil {
		return nil, err
	}

	decision := risk.Throttle(intent, quote, state, pol.MaxPositionFraction())
	if decision.Rejected() {
		return nil, failuref(throttleCode(decision.Reason), "%s", decision.Detail)
	}
	if decision.Reduced {
		logger.Warnf("risk throttle: %s (%s)", decision.Detail, intent.Instrument)
	}

	placed, err := e.placer.Place(ctx, intent, decision.Admissible, decision.Price, pol)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Requested:  intent.Quantity,
		Admissible: placed.Quantity,
		FillPrice:  placed.Price,
		DryRun:     placed.DryRun,
		Reduced:    decision.Reduced || placed.Quantity < decision.Admissible,
		Placements: placed.Attempts,
		Warnings:   placed.Warnings,
	}
	if placed.DryRun {
		out.Detail = out.Describe()
		return out, nil
	}
	if placed.Order == nil {
		return nil, failuref(CodeOrderVanished, "venue accepted %s but returned no live order", intent.Instrument)
	}
	out.OrderID = placed.Order.ID

	chase, err := e.chaser.Chase(ctx, intent.Direction, *placed.Order, placed.Quantity, pol)
	if err != nil {
		return nil, err
	}
	out.OrderID = chase.Order.ID
	out.FillPrice = chase.FinalPrice
	out.Reprices = chase.Replaced
	out.Detail = out.Describe()
	return out, nil
}

func (e *Executor) fetchQuote(ctx context.Context, intent types.OrderIntent, pol policy.Policy) (broker.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, pol.QuoteTimeout())
	defer cancel()
	quote, err := e.brk.GetQuote(qctx, intent.Instrument)
	if err != nil {
		if ctx.Err() != nil {
			return broker.Quote{}, ctx.Err()
		}
		return broker.Quote{}, failuref(CodeQuoteTimeout,
			"no quote for %s within %s", intent.Instrument, pol.QuoteTimeout()).withCause(err)
	}
	return quote, nil
}

// fetchAccountState pulls only what the throttle needs for this direction,
// immediately before the decision, because the numbers go stale fast.
func (e *Executor) fetchAccountState(ctx context.Context, intent types.OrderIntent) (risk.AccountState, error) {
	var state risk.AccountState
	if intent.Direction.IsBuy() {
		bal, err := e.brk.GetBalances(ctx)
		if err != nil {
			return state, failuref(CodeBrokerRejection, "fetching balances failed").withCause(err)
		}
		state.Balances = bal
		return state, nil
	}
	positions, err := e.brk.GetPositions(ctx)
	if err != nil {
		return state, failuref(CodeBrokerRejection, "fetching positions failed").withCause(err)
	}
	orders, err := e.brk.GetLiveOrders(ctx)
	if err != nil {
		return state, failuref(CodeBrokerRejection, "fetching live orders failed").withCause(err)
	}
	state.Positions = positions
	state.LiveOrders = orders
	return state, nil
}

func throttleCode(reason risk.Reason) FailureCode {
	if reason == risk.ReasonNoSellableQuantity {
		return CodeNoSellableQuantity
	}
	return CodeInsufficientBuyingPower
}
