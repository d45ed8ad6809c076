package model

import "gorm.io/datatypes"

// ExecutionModel maps to the 'execution_log' table: one row per terminal job,
// successful or not, for operator inspection and resubmission.
type ExecutionModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	JobID          string         `gorm:"column:job_id;index"`
	GroupID        int            `gorm:"column:group_id"`
	Symbol         string         `gorm:"column:symbol;index"`
	InstrumentKey  string         `gorm:"column:instrument_key"`
	Action         string         `gorm:"column:action"`
	RequestedQty   int64          `gorm:"column:requested_qty"`
	FilledQty      int64          `gorm:"column:filled_qty"`
	FillPrice      float64        `gorm:"column:fill_price"`
	IsDryRun       int            `gorm:"column:is_dry_run"`
	Status         string         `gorm:"column:status"`
	FailureCode    string         `gorm:"column:failure_code"`
	Detail         string         `gorm:"column:detail"`
	OrderID        string         `gorm:"column:order_id"`
	Placements     int            `gorm:"column:placements"`
	Reprices       int            `gorm:"column:reprices"`
	IntentJSON     datatypes.JSON `gorm:"column:intent_json;type:TEXT"`
	WarningsJSON   datatypes.JSON `gorm:"column:warnings_json;type:TEXT"`
	StartedAtUnix  int64          `gorm:"column:started_at"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
}

func (ExecutionModel) TableName() string { return "execution_log" }
