package execution

import (
	"errors"
	"fmt"

	"ordex/internal/gateway/broker"
)

// FailureCode classifies every way a pipeline run ends short of a fill.
type FailureCode string

const (
	CodeQuoteTimeout            FailureCode = "quote_timeout"
	CodeInsufficientBuyingPower FailureCode = "insufficient_buying_power"
	CodeNoSellableQuantity      FailureCode = "no_sellable_quantity"
	CodeBrokerRejection         FailureCode = "broker_rejection"
	CodeOrderVanished           FailureCode = "order_vanished"
	CodeUnexpectedOrderStatus   FailureCode = "unexpected_order_status"
	CodeNotFilledAfterChase     FailureCode = "not_filled_after_chase"
)

// Uncertain marks codes where the venue may have acted even though we report
// failure: the order could have filled externally. Operators must reconcile
// these by hand, so they are surfaced distinctly.
func (c FailureCode) Uncertain() bool {
	return c == CodeOrderVanished || c == CodeUnexpectedOrderStatus
}

// Retryable reports whether the caller may simply resubmit.
func (c FailureCode) Retryable() bool {
	return c == CodeQuoteTimeout
}

// Failure is the terminal pipeline error. BrokerErrors keeps whatever the
// venue said, verbatim.
type Failure struct {
	Code         FailureCode
	Reason       string
	BrokerErrors []broker.APIError
	cause        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Code, f.Reason)
	if detail := broker.JoinErrors(f.BrokerErrors); detail != "" {
		msg += " [" + detail + "]"
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func failuref(code FailureCode, format string, args ...any) *Failure {
	return &Failure{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func (f *Failure) withCause(err error) *Failure {
	f.cause = err
	return f
}

func (f *Failure) withBrokerErrors(errs []broker.APIError) *Failure {
	f.BrokerErrors = errs
	return f
}

// AsFailure unwraps err into a pipeline failure when it is one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
