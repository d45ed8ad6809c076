// Package queue is the durable job store: a single JSON document mapping
// execution group to an ordered list of job records, rewritten whole on every
// mutation so the on-disk state always matches memory. It owns job records
// end to end; the trader only transitions their status.
package queue

import (
	"fmt"
	"time"

	"ordex/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the job lifecycle state. An empty status on disk reads as queued
// so hand-written minimal queue files stay loadable.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Cancellable reports whether a cancel sweep may remove the job. Processing
// jobs are past the point of no return; a record already marked cancelled is
// garbage the sweep may collect.
func (s Status) Cancellable() bool {
	switch s {
	case "", StatusQueued, StatusScheduled, StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

// Runnable reports whether RunAll may pick the job up. Failed jobs stay
// runnable so a later drain retries exactly the survivors of a partial group.
func (s Status) Runnable() bool {
	return s == "" || s == StatusQueued || s == StatusFailed
}

// Record 是队列文件里的一行。最小形式只有 symbol/quantity/action/dry_run，
// 其余字段按需追加，省略时不落盘。
type Record struct {
	ID          string                  `json:"id,omitempty"`
	Symbol      string                  `json:"symbol"`
	Option      *types.OptionDescriptor `json:"option,omitempty"`
	Quantity    int64                   `json:"quantity"`
	Action      string                  `json:"action"`
	LimitPrice  *decimal.Decimal        `json:"limit_price,omitempty"`
	DryRun      bool                    `json:"dry_run"`
	Status      Status                  `json:"status,omitempty"`
	ScheduledAt *time.Time              `json:"scheduled_at,omitempty"`
	CreatedAt   *time.Time              `json:"created_at,omitempty"`
	Detail      string                  `json:"detail,omitempty"`
}

// NewRecord snapshots an intent into a persistable record with a fresh id.
func NewRecord(intent types.OrderIntent, status Status) Record {
	now := time.Now().UTC()
	return Record{
		ID:         uuid.NewString(),
		Symbol:     intent.Instrument.Symbol,
		Option:     intent.Instrument.Option,
		Quantity:   intent.Quantity,
		Action:     string(intent.Direction),
		LimitPrice: intent.LimitPrice,
		DryRun:     intent.DryRun,
		Status:     status,
		CreatedAt:  &now,
	}
}

// EffectiveStatus maps the zero value to queued.
func (r Record) EffectiveStatus() Status {
	if r.Status == "" {
		return StatusQueued
	}
	return r.Status
}

// Intent rebuilds the order intent this record was enqueued for.
func (r Record) Intent() (types.OrderIntent, error) {
	direction, err := types.ParseDirection(r.Action)
	if err != nil {
		return types.OrderIntent{}, fmt.Errorf("job %s: %w", r.ID, err)
	}
	intent := types.OrderIntent{
		Instrument: types.Instrument{Symbol: r.Symbol, Option: r.Option},
		Direction:  direction,
		Quantity:   r.Quantity,
		LimitPrice: r.LimitPrice,
		DryRun:     r.DryRun,
	}
	if err := intent.Validate(); err != nil {
		return types.OrderIntent{}, fmt.Errorf("job %s: %w", r.ID, err)
	}
	return intent, nil
}

func (r Record) describe() string {
	return fmt.Sprintf("%s x%d %s", r.Action, r.Quantity, r.Symbol)
}
