package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FeeModel string

const (
	FeeFlat             FeeModel = "FLAT"
	FeeWeeklyPercentage FeeModel = "WEEKLY_PERCENTAGE"
	FeeFactorRate       FeeModel = "FACTOR_RATE"
)

type RepaymentMethod string

const (
	RepayAutoDeduct RepaymentMethod = "AUTO_DEDUCT"
	RepayManual     RepaymentMethod = "MANUAL"
	RepayScheduled  RepaymentMethod = "SCHEDULED"
)

// AmortizationOrder controls how a deduction is split between fee and
// principal. Fee-first matches standard factoring practice and is the
// default.
type AmortizationOrder string

const (
	FeeFirst       AmortizationOrder = "FEE_FIRST"
	PrincipalFirst AmortizationOrder = "PRINCIPAL_FIRST"
)

type AdvanceStatus string

const (
	AdvancePendingApproval AdvanceStatus = "PENDING_APPROVAL"
	AdvanceApproved        AdvanceStatus = "APPROVED"
	AdvanceActive          AdvanceStatus = "ACTIVE"
	AdvanceRepaid          AdvanceStatus = "REPAID"
	AdvanceDefaulted       AdvanceStatus = "DEFAULTED"
	AdvanceCanceled        AdvanceStatus = "CANCELED"
)

// CanTransitionTo enforces the advance state machine:
// PENDING_APPROVAL -> APPROVED -> ACTIVE -> {REPAID, DEFAULTED},
// PENDING_APPROVAL -> CANCELED.
func (s AdvanceStatus) CanTransitionTo(next AdvanceStatus) bool {
	switch s {
	case AdvancePendingApproval:
		return next == AdvanceApproved || next == AdvanceCanceled
	case AdvanceApproved:
		return next == AdvanceActive
	case AdvanceActive:
		return next == AdvanceRepaid || next == AdvanceDefaulted
	}
	return false
}

// EligibilitySnapshot captures the inputs the advance was approved against.
// It is frozen at request time and never recomputed retroactively.
type EligibilitySnapshot struct {
	InflowVolume90d decimal.Decimal `json:"inflow_volume_90d"`
	AccountAgeDays  int             `json:"account_age_days"`
	PriorAdvances   int             `json:"prior_advances"`
	CapturedAt      time.Time       `json:"captured_at"`
}

// Advance is a cash advance against an account's future inflows.
// Invariant: Outstanding = Principal + TotalFee - TotalRepaid, never negative.
type Advance struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Principal decimal.Decimal `json:"principal" db:"principal"`
	TotalFee  decimal.Decimal `json:"total_fee" db:"total_fee"`

	Outstanding  decimal.Decimal `json:"outstanding" db:"outstanding"`
	TotalRepaid  decimal.Decimal `json:"total_repaid" db:"total_repaid"`
	FeeRepaid    decimal.Decimal `json:"fee_repaid" db:"fee_repaid"`

	FeeModel   FeeModel            `json:"fee_model" db:"fee_model"`
	FlatFee    decimal.NullDecimal `json:"flat_fee,omitempty" db:"flat_fee"`
	WeeklyRate decimal.NullDecimal `json:"weekly_rate,omitempty" db:"weekly_rate"`
	FactorRate decimal.NullDecimal `json:"factor_rate,omitempty" db:"factor_rate"`
	FeeCap     decimal.NullDecimal `json:"fee_cap,omitempty" db:"fee_cap"`

	RepaymentMethod RepaymentMethod   `json:"repayment_method" db:"repayment_method"`
	RepaymentRate   decimal.Decimal   `json:"repayment_rate" db:"repayment_rate"` // fraction of each inflow
	Amortization    AmortizationOrder `json:"amortization" db:"amortization"`
	TermDays        int               `json:"term_days" db:"term_days"`

	Eligibility EligibilitySnapshot `json:"eligibility"`
	Status      AdvanceStatus       `json:"status" db:"status"`

	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	ExpectedEndAt *time.Time `json:"expected_end_at,omitempty" db:"expected_end_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Version   int       `json:"-" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Repayment records one auto-deduction against an advance. EntryID links the
// repayment to the single ledger entry that moved the money; no repayment
// exists without a matching movement.
type Repayment struct {
	ID               string          `json:"id" db:"id"`
	AdvanceID        string          `json:"advance_id" db:"advance_id"`
	PrincipalPortion decimal.Decimal `json:"principal_portion" db:"principal_portion"`
	FeePortion       decimal.Decimal `json:"fee_portion" db:"fee_portion"`
	Total            decimal.Decimal `json:"total" db:"total"`
	OutstandingAfter decimal.Decimal `json:"outstanding_after" db:"outstanding_after"`
	EntryID          string          `json:"entry_id" db:"entry_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
