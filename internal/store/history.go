// Package store persists the execution history. The durable queue holds only
// pending work; everything that reached a terminal state lands here.
package store

import (
	"context"

	"ordex/internal/store/model"
)

// History is the append-mostly execution log.
type History interface {
	Append(ctx context.Context, rec *model.ExecutionModel) error
	ListRecent(ctx context.Context, limit int) ([]model.ExecutionModel, error)
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]model.ExecutionModel, error)
	Close() error
}
