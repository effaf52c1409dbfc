package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchSubmitted  BatchStatus = "SUBMITTED"
	BatchConfirmed  BatchStatus = "CONFIRMED"
	BatchFailed     BatchStatus = "FAILED"
)

// SettlementBatch is a window of completed entries committed together to the
// external anchor. An entry belongs to at most one batch, ever: a failed
// batch is retried as itself, its entries are never re-batched, so the
// content hash of an audited batch can never change.
type SettlementBatch struct {
	ID          string          `json:"id" db:"id"`
	BatchNumber int64           `json:"batch_number" db:"batch_number"`
	PeriodStart time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time       `json:"period_end" db:"period_end"`
	EntryCount  int             `json:"entry_count" db:"entry_count"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
	NetAmount   decimal.Decimal `json:"net_amount" db:"net_amount"`
	Status      BatchStatus     `json:"status" db:"status"`
	ContentHash string          `json:"content_hash" db:"content_hash"`
	ExternalRef string          `json:"external_ref,omitempty" db:"external_ref"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty" db:"submitted_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
