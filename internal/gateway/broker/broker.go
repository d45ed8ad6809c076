// Package broker defines the narrow contract the execution engine needs from
// a brokerage venue. The engine only sequences, gates, and retries around
// these calls; protocol details live in the concrete gateway.
package broker

import (
	"context"
	"errors"

	"ordex/internal/types"
)

// ErrOrderNotFound is returned by GetOrder when the venue no longer knows the
// id. The chaser treats it as an uncertain terminal outcome.
var ErrOrderNotFound = errors.New("order not found")

type Broker interface {
	Name() string

	GetQuote(ctx context.Context, instrument types.Instrument) (Quote, error)

	GetBalances(ctx context.Context) (Balances, error)

	GetPositions(ctx context.Context) ([]Position, error)

	GetLiveOrders(ctx context.Context) ([]Order, error)

	GetOrder(ctx context.Context, orderID string) (*Order, error)

	PlaceOrder(ctx context.Context, ticket OrderTicket, dryRun bool) (OrderResponse, error)

	ReplaceOrder(ctx context.Context, orderID string, ticket OrderTicket) (OrderResponse, error)

	CancelOrder(ctx context.Context, orderID string) error
}
