package db

import "github.com/scsi2sd/scsi2sd-util/pkg/progress"

// Schema defines the SQLite schema for the operation journal. Every firmware
// update and configuration load or save is one row.
const Schema = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('firmware_update', 'config_load', 'config_save')),
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'cancelled', 'failed')),
    source TEXT,
    detail TEXT,
    rows_done INTEGER NOT NULL DEFAULT 0,
    rows_total INTEGER NOT NULL DEFAULT 0,
    inconsistent INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
`

// Operation kinds
const (
	KindFirmwareUpdate = "firmware_update"
	KindConfigLoad     = "config_load"
	KindConfigSave     = "config_save"
)

// Status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Operation is one journaled device operation.
type Operation struct {
	ID           string
	Kind         string
	Status       string
	Source       string
	Detail       string
	RowsDone     int
	RowsTotal    int
	Inconsistent bool
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Apply copies the outcome of an operation into the record.
func (op *Operation) Apply(res progress.Result) {
	op.RowsDone = res.Completed
	op.RowsTotal = res.Total
	op.Inconsistent = res.Inconsistent
	op.ErrorMessage = ""

	switch res.Status {
	case progress.StatusSucceeded:
		op.Status = StatusSucceeded
	case progress.StatusCancelled:
		op.Status = StatusCancelled
	default:
		op.Status = StatusFailed
		op.ErrorMessage = res.Message
	}
}
