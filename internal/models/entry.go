package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryTransfer   EntryType = "TRANSFER"
	EntryPurchase   EntryType = "PURCHASE"
	EntryInvestment EntryType = "INVESTMENT"
	EntryDividend   EntryType = "DIVIDEND"
	EntryCommission EntryType = "COMMISSION"
	EntrySettlement EntryType = "SETTLEMENT"
	EntryRefund     EntryType = "REFUND"
	EntryAdjustment EntryType = "ADJUSTMENT"
	EntryFee        EntryType = "FEE"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdrawal, EntryTransfer, EntryPurchase, EntryInvestment,
		EntryDividend, EntryCommission, EntrySettlement, EntryRefund, EntryAdjustment, EntryFee:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryFailed    EntryStatus = "FAILED"
	EntryReversed  EntryStatus = "REVERSED"
)

// Reference points an entry at the external event that caused it.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entry is one atomic money movement: a single record holding both the debit
// and the credit side. Completed entries are immutable except for the
// COMPLETED -> REVERSED flag set when a reversing entry is written.
type Entry struct {
	ID              string          `json:"id" db:"id"`
	DebitAccountID  string          `json:"debit_account_id" db:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id" db:"credit_account_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	Type            EntryType       `json:"type" db:"entry_type"`
	Status          EntryStatus     `json:"status" db:"status"`
	Reference       *Reference      `json:"reference,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty" db:"idempotency_key"`

	// Post-entry balance snapshots for audit; never used for computation.
	DebitBalanceAfter  decimal.Decimal `json:"debit_balance_after" db:"debit_balance_after"`
	CreditBalanceAfter decimal.Decimal `json:"credit_balance_after" db:"credit_balance_after"`

	SettlementBatchID *string    `json:"settlement_batch_id,omitempty" db:"settlement_batch_id"`
	FailureReason     string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
